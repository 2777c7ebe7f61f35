// Copyright 2022 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

// SampleType the type of log sampling. Every SampleType keeps its own
// counter, so hot paths reporting the same anomaly are throttled together.
type SampleType int

const (
	noneSample SampleType = iota
	// ExampleSample used in tests.
	ExampleSample
	// InvalidPointerSample deallocation of a nil, misaligned or non-live block.
	InvalidPointerSample
	// PointerNotFoundSample deallocation of an address outside every chunk.
	PointerNotFoundSample
)

// logFilter returns false if the log entry should be dropped.
type logFilter func(opts LogOptions) bool

// LogOptions log options
type LogOptions struct {
	sampleType SampleType
}

// DefaultLogOptions default log options
func DefaultLogOptions() LogOptions {
	return LogOptions{}
}

// WithSample sample print the log, using log counts as sampling frequency.
// First time must output.
func (opts LogOptions) WithSample(sampleType SampleType) LogOptions {
	opts.sampleType = sampleType
	return opts
}

// Allow reports whether every registered filter accepts the log entry.
func (opts LogOptions) Allow() bool {
	for _, filter := range filters {
		if !filter(opts) {
			return false
		}
	}
	return true
}
