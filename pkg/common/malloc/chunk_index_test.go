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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChunkIndex(t *testing.T) {
	allocator, _ := newTestAllocator(t, Config{ChunkSize: 64 * 64})
	for i := 0; i < 64*5; i++ {
		mustAllocate(t, allocator)
	}

	index := newChunkIndex()
	index.sync(allocator.head.Load())
	require.Equal(t, 5, index.len())

	for c := allocator.head.Load(); c != nil; c = c.next {
		require.Same(t, c, index.lookup(c.base))
		require.Same(t, c, index.lookup(c.base+64*63))
		require.Same(t, c, index.lookup(c.base+64*64-1))
		if index.lookup(c.base+64*64) != nil {
			// the next mapping may be adjacent
			require.NotSame(t, c, index.lookup(c.base+64*64))
		}
	}
	require.Nil(t, index.lookup(0))
	require.Nil(t, index.lookup(^uintptr(0)))

	// only new chunks are walked
	mustAllocate(t, allocator)
	index.sync(allocator.head.Load())
	require.Equal(t, 6, index.len())
	head := allocator.head.Load()
	require.Same(t, head, index.lookup(head.base+64))

	index.sync(allocator.head.Load())
	require.Equal(t, 6, index.len())

	index.reset()
	require.Equal(t, 0, index.len())
	require.Nil(t, index.lookup(head.base))
}
