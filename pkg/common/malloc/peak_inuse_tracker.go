// Copyright 2024 Matrix Origin
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

package malloc

import (
	"sync/atomic"
	"time"
)

// PeakInuseTracker records the high-water marks of an allocator. Updates
// publish a new immutable snapshot with compare-and-swap.
type PeakInuseTracker struct {
	ptr atomic.Pointer[PeakInuse]
}

// PeakInuse is a snapshot of the high-water marks.
type PeakInuse struct {
	Blocks PeakInuseValue
	Chunks PeakInuseValue
}

type PeakInuseValue struct {
	Value uint64
	Time  time.Time
}

func NewPeakInuseTracker() *PeakInuseTracker {
	ret := new(PeakInuseTracker)
	ret.ptr.Store(&PeakInuse{})
	return ret
}

func (p *PeakInuseTracker) UpdateBlocks(n uint64) {
	for {
		// read
		ptr := p.ptr.Load()
		if n <= ptr.Blocks.Value {
			return
		}
		// copy
		newData := *ptr
		newData.Blocks.Value = n
		newData.Blocks.Time = time.Now()
		// update
		if p.ptr.CompareAndSwap(ptr, &newData) {
			return
		}
	}
}

func (p *PeakInuseTracker) UpdateChunks(n uint64) {
	for {
		ptr := p.ptr.Load()
		if n <= ptr.Chunks.Value {
			return
		}
		newData := *ptr
		newData.Chunks.Value = n
		newData.Chunks.Time = time.Now()
		if p.ptr.CompareAndSwap(ptr, &newData) {
			return
		}
	}
}

func (p *PeakInuseTracker) Snapshot() PeakInuse {
	return *p.ptr.Load()
}
