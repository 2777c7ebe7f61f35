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

import (
	"sync/atomic"
)

// invalidDeallocateFrequency keeps one diagnostic in every thousand rejected
// deallocations of the same kind, so a caller freeing garbage in a loop
// cannot flood the log.
const invalidDeallocateFrequency = 1000

var (
	// filters run in order, the first one to reject drops the entry.
	filters = []logFilter{sampleFilter}

	// samples holds one counter per SampleType. Counters are process wide,
	// shared by every allocator.
	samples = map[SampleType]*sampleValue{
		ExampleSample:         newSampleValue(3),
		InvalidPointerSample:  newSampleValue(invalidDeallocateFrequency),
		PointerNotFoundSample: newSampleValue(invalidDeallocateFrequency),
	}
)

// sampleFilter passes unsampled entries, and for sampled ones the first
// occurrence and then every frequency-th. Unknown sample types are dropped.
func sampleFilter(opts LogOptions) bool {
	if opts.sampleType == noneSample {
		return true
	}
	v, ok := samples[opts.sampleType]
	if !ok {
		return false
	}
	return v.allow()
}

type sampleValue struct {
	seen      atomic.Uint64
	frequency uint64
}

func newSampleValue(frequency uint64) *sampleValue {
	return &sampleValue{frequency: frequency}
}

func (s *sampleValue) allow() bool {
	n := s.seen.Add(1)
	return n == 1 || n%s.frequency == 0
}
