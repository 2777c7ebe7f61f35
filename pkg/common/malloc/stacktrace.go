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
	"hash/maphash"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"unsafe"
)

// StacktraceID identifies a call stack by the hash of its program counters.
type StacktraceID uint64

// GetStacktraceID returns the id of the calling stack, skipping skip frames
// above the caller, and whether this stack has not been seen before.
func GetStacktraceID(skip int) (StacktraceID, bool) {
	pcs := pcsPool.Get().(*[]uintptr)
	n := runtime.Callers(2+skip, *pcs)
	*pcs = (*pcs)[:n]

	hasher := hasherPool.Get().(*maphash.Hash)
	for _, pc := range *pcs {
		hasher.Write(
			unsafe.Slice((*byte)(unsafe.Pointer(&pc)), unsafe.Sizeof(pc)),
		)
	}
	id := StacktraceID(hasher.Sum64())
	hasher.Reset()
	hasherPool.Put(hasher)

	if _, ok := stackIDToPCs.Load(id); ok {
		recyclePCs(pcs)
		return id, false
	}
	stored := make([]uintptr, n)
	copy(stored, *pcs)
	recyclePCs(pcs)
	_, loaded := stackIDToPCs.LoadOrStore(id, stored)
	return id, !loaded
}

var stackIDToPCs sync.Map // StacktraceID -> []uintptr

var pcsPool = sync.Pool{
	New: func() any {
		slice := make([]uintptr, 64)
		return &slice
	},
}

var hashSeed = maphash.MakeSeed()

var hasherPool = sync.Pool{
	New: func() any {
		hasher := new(maphash.Hash)
		hasher.SetSeed(hashSeed)
		return hasher
	},
}

func recyclePCs(pcs *[]uintptr) {
	*pcs = (*pcs)[:cap(*pcs)]
	pcsPool.Put(pcs)
}

// String renders the frames of the stack, one function and position per
// frame. Unknown ids render as an empty string.
func (s StacktraceID) String() string {
	v, ok := stackIDToPCs.Load(s)
	if !ok {
		return ""
	}
	buf := new(strings.Builder)
	frames := runtime.CallersFrames(v.([]uintptr))
	for {
		frame, more := frames.Next()
		buf.WriteString(frame.Function)
		buf.WriteString("\n\t")
		buf.WriteString(frame.File)
		buf.WriteString(":")
		buf.WriteString(strconv.Itoa(frame.Line))
		buf.WriteString("\n")
		if !more {
			break
		}
	}
	return buf.String()
}
