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
	"unsafe"

	"github.com/matrixorigin/blockalloc/pkg/common/moerr"
)

// BlockAllocator serves byte slices of up to one block from a
// FixedBlockAllocator.
type BlockAllocator struct {
	upstream        *FixedBlockAllocator
	deallocatorPool *ClosureDeallocatorPool[blockDeallocatorArgs]
}

type blockDeallocatorArgs struct {
	ptr unsafe.Pointer
}

var noopDeallocator = DeallocatorFunc(func(Hints) {})

func NewBlockAllocator(upstream *FixedBlockAllocator) *BlockAllocator {
	return &BlockAllocator{
		upstream: upstream,
		deallocatorPool: NewClosureDeallocatorPool(
			func(hints Hints, args *blockDeallocatorArgs) {
				upstream.Deallocate(args.ptr)
			},
		),
	}
}

var _ Allocator = new(BlockAllocator)

// Allocate returns a slice of len size and cap BlockSize. Unless hints has
// NoClear, the first size bytes are zeroed.
func (b *BlockAllocator) Allocate(size uint64, hints Hints) ([]byte, Deallocator, error) {
	blockSize := b.upstream.BlockSize()
	if size > blockSize {
		return nil, nil, moerr.NewInvalidInputNoCtx(
			"allocation of %d bytes exceeds block size %d", size, blockSize,
		)
	}
	if size == 0 {
		return nil, noopDeallocator, nil
	}

	ptr, err := b.upstream.Allocate()
	if err != nil {
		return nil, nil, err
	}
	slice := unsafe.Slice((*byte)(ptr), blockSize)
	if hints&NoClear == 0 {
		clear(slice[:size])
	}
	return slice[:size], b.deallocatorPool.Get(blockDeallocatorArgs{
		ptr: ptr,
	}), nil
}
