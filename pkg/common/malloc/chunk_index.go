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
	"github.com/google/btree"
)

const chunkIndexDegree = 8

// chunkIndex orders published chunks by base address. It is only touched
// under FixedBlockAllocator.mu.
type chunkIndex struct {
	tree *btree.BTree
	// synced is the list head at the last sync. The list only grows at the
	// head, so everything from synced on is already indexed.
	synced *chunk
	pivot  *chunk
}

func newChunkIndex() *chunkIndex {
	return &chunkIndex{
		tree:  btree.New(chunkIndexDegree),
		pivot: new(chunk),
	}
}

func (c *chunk) Less(than btree.Item) bool {
	return c.base < than.(*chunk).base
}

// sync indexes the chunks published since the previous call.
func (i *chunkIndex) sync(head *chunk) {
	for c := head; c != nil && c != i.synced; c = c.next {
		i.tree.ReplaceOrInsert(c)
	}
	i.synced = head
}

// lookup returns the chunk whose range holds addr, or nil.
func (i *chunkIndex) lookup(addr uintptr) *chunk {
	var found *chunk
	i.pivot.base = addr
	i.tree.DescendLessOrEqual(i.pivot, func(item btree.Item) bool {
		found = item.(*chunk)
		return false
	})
	if found == nil || !found.contains(addr) {
		return nil
	}
	return found
}

func (i *chunkIndex) reset() {
	i.tree.Clear(false)
	i.synced = nil
}
