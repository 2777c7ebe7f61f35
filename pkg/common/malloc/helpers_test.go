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

func (c *chunk) isAllocated(index int) bool {
	mask := uint64(1) << (index % wordBits)
	return c.occupancy[index/wordBits].Load()&mask != 0
}

func (i *chunkIndex) len() int {
	return i.tree.Len()
}

// owner returns the chunk of the list holding addr.
func (f *FixedBlockAllocator) owner(addr uintptr) *chunk {
	for c := f.head.Load(); c != nil; c = c.next {
		if c.contains(addr) {
			return c
		}
	}
	return nil
}
