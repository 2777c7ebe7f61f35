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
	"math/bits"
	"sync/atomic"
	"unsafe"

	"github.com/matrixorigin/blockalloc/pkg/common/moerr"
)

const (
	wordBits = 64
	fullWord = ^uint64(0)
)

// noCopy may be embedded into structs which must not be copied
// after the first use. Checked by go vet's copylocks.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// chunk is one OS reservation carved into numBlocks blocks of blockSize
// bytes. Bit i of the occupancy bitmap is set while block i is held by a
// caller.
type chunk struct {
	_ noCopy

	region    []byte // as returned by the Reserver
	memory    []byte
	base      uintptr
	blockSize uint64
	numBlocks int
	occupancy []atomic.Uint64

	// next is written before the chunk is published and never after.
	next *chunk
}

func newChunk(reserver Reserver, blockSize, chunkSize uint64) (*chunk, error) {
	region, err := reserver.Reserve(chunkSize)
	if err != nil {
		return nil, moerr.NewOOMNoCtx().WithDetail(err.Error())
	}
	if uint64(len(region)) < chunkSize {
		ret := moerr.NewInternalErrorNoCtx(
			"reserver returned %d bytes, want %d", len(region), chunkSize,
		)
		if err := reserver.Release(region); err != nil {
			ret = ret.WithDetail("release short region: " + err.Error())
		}
		return nil, ret
	}
	memory := region[:chunkSize]

	numBlocks := int(chunkSize / blockSize)
	numWords := (numBlocks + wordBits - 1) / wordBits
	c := &chunk{
		region:    region,
		memory:    memory,
		base:      uintptr(unsafe.Pointer(unsafe.SliceData(memory))),
		blockSize: blockSize,
		numBlocks: numBlocks,
		occupancy: make([]atomic.Uint64, numWords),
	}
	// bits past the last block stay set forever
	if tail := numBlocks % wordBits; tail != 0 {
		c.occupancy[numWords-1].Store(fullWord << tail)
	}
	return c, nil
}

// findFirstFreeBlock returns the lowest free block index, scanning words
// from 0 upward, together with the word value it observed. The result is a
// hint only, claim it with tryClaim.
func (c *chunk) findFirstFreeBlock() (index int, observed uint64, ok bool) {
	for i := range c.occupancy {
		word := c.occupancy[i].Load()
		if word == fullWord {
			continue
		}
		return i*wordBits + bits.TrailingZeros64(^word), word, true
	}
	return -1, 0, false
}

// tryClaim sets the bit of index if its word still holds observed.
func (c *chunk) tryClaim(index int, observed uint64) bool {
	mask := uint64(1) << (index % wordBits)
	if observed&mask != 0 {
		return false
	}
	return c.occupancy[index/wordBits].CompareAndSwap(observed, observed|mask)
}

// claimFirst takes block 0 of a chunk nobody else can see yet.
func (c *chunk) claimFirst() unsafe.Pointer {
	word := c.occupancy[0].Load()
	c.occupancy[0].Store(word | 1)
	return c.blockPointer(0)
}

// release clears the bit of index. It returns false if the block was not
// allocated. Sibling bits may be flipped concurrently by allocations, so the
// clear has to be a single read-modify-write.
func (c *chunk) release(index int) bool {
	word := &c.occupancy[index/wordBits]
	mask := uint64(1) << (index % wordBits)
	for {
		old := word.Load()
		if old&mask == 0 {
			return false
		}
		if word.CompareAndSwap(old, old&^mask) {
			return true
		}
	}
}

func (c *chunk) contains(addr uintptr) bool {
	return addr >= c.base && addr-c.base < uintptr(len(c.memory))
}

type blockIndexError int

const (
	blockIndexOK blockIndexError = iota
	blockIndexMisaligned
	blockIndexOutOfRange
)

// blockIndex maps an address inside the chunk to its block index.
func (c *chunk) blockIndex(addr uintptr) (int, blockIndexError) {
	offset := uint64(addr - c.base)
	if offset%c.blockSize != 0 {
		return -1, blockIndexMisaligned
	}
	index := offset / c.blockSize
	if index >= uint64(c.numBlocks) {
		// tail slack when chunk size is not a multiple of block size
		return -1, blockIndexOutOfRange
	}
	return int(index), blockIndexOK
}

// block returns the bytes of one block, bounds checked.
func (c *chunk) block(index int) []byte {
	start := uint64(index) * c.blockSize
	end := start + c.blockSize
	return c.memory[start:end:end]
}

func (c *chunk) blockPointer(index int) unsafe.Pointer {
	return unsafe.Pointer(unsafe.SliceData(c.block(index)))
}

// inuse counts allocated blocks. Only exact when the chunk is quiescent.
func (c *chunk) inuse() int {
	n := 0
	for i := range c.occupancy {
		n += bits.OnesCount64(c.occupancy[i].Load())
	}
	if tail := c.numBlocks % wordBits; tail != 0 {
		n -= wordBits - tail
	}
	return n
}

func (c *chunk) destroy(reserver Reserver) error {
	if c.region == nil {
		return nil
	}
	err := reserver.Release(c.region)
	c.region = nil
	c.memory = nil
	c.base = 0
	return err
}
