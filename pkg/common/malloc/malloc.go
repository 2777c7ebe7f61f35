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

package malloc

import (
	"sync"
)

// Hints changes how an allocation or deallocation is performed.
type Hints uint64

const (
	// NoClear skips zeroing the returned memory.
	NoClear Hints = 1 << iota
)

// Allocator hands out byte slices. The returned Deallocator must be called
// exactly once, after which the slice must not be used.
type Allocator interface {
	Allocate(size uint64, hints Hints) ([]byte, Deallocator, error)
}

// Deallocator releases one allocation.
type Deallocator interface {
	Deallocate(hints Hints)
}

// DeallocatorFunc adapts a plain function to Deallocator.
type DeallocatorFunc func(hints Hints)

func (f DeallocatorFunc) Deallocate(hints Hints) {
	f(hints)
}

type chainDeallocator []Deallocator

// ChainDeallocator runs every non-nil deallocator in order.
func ChainDeallocator(dec1, dec2 Deallocator) Deallocator {
	if dec1 == nil {
		return dec2
	}
	if dec2 == nil {
		return dec1
	}
	return chainDeallocator{dec1, dec2}
}

func (c chainDeallocator) Deallocate(hints Hints) {
	for _, dec := range c {
		dec.Deallocate(hints)
	}
}

// ClosureDeallocatorPool recycles the deallocator objects of one call site.
type ClosureDeallocatorPool[T any] struct {
	fn   func(Hints, *T)
	pool sync.Pool
}

type closureDeallocator[T any] struct {
	args T
	pool *ClosureDeallocatorPool[T]
}

func NewClosureDeallocatorPool[T any](
	fn func(Hints, *T),
) *ClosureDeallocatorPool[T] {
	ret := &ClosureDeallocatorPool[T]{
		fn: fn,
	}
	ret.pool.New = func() any {
		return &closureDeallocator[T]{
			pool: ret,
		}
	}
	return ret
}

func (c *ClosureDeallocatorPool[T]) Get(args T) Deallocator {
	closure := c.pool.Get().(*closureDeallocator[T])
	closure.args = args
	return closure
}

func (c *closureDeallocator[T]) Deallocate(hints Hints) {
	pool := c.pool
	pool.fn(hints, &c.args)
	var zero T
	c.args = zero
	pool.pool.Put(c)
}
