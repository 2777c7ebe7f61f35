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
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/matrixorigin/blockalloc/pkg/common/log"
	"github.com/matrixorigin/blockalloc/pkg/common/moerr"
	"github.com/matrixorigin/blockalloc/pkg/logutil"
	v2 "github.com/matrixorigin/blockalloc/pkg/util/metric/v2"
)

// FixedBlockAllocator hands out fixed-size blocks carved from chunks of OS
// memory.
//
// Allocate is lock free: it scans the occupancy bitmap of every chunk and
// claims a free bit with compare-and-swap, restarting the whole scan when it
// loses a race. Deallocate and Cleanup serialize on one mutex. Chunks are
// never returned to the OS before Cleanup.
type FixedBlockAllocator struct {
	config         Config
	blocksPerChunk int
	reserver       Reserver
	logger         *zap.Logger
	diagnose       func(err error)

	head      atomic.Pointer[chunk]
	numChunks atomic.Int64 // published chunks plus reservations in flight

	mu    sync.Mutex // release path and teardown
	index *chunkIndex

	inuse       atomic.Int64
	allocations atomic.Uint64
	retries     atomic.Uint64
	invalid     atomic.Uint64
	peak        *PeakInuseTracker

	metrics blockAllocatorMetrics
}

type blockAllocatorMetrics struct {
	chunks         prometheus.Gauge
	inuse          prometheus.Gauge
	reserved       prometheus.Gauge
	allocate       prometheus.Counter
	retry          prometheus.Counter
	reserveFailure prometheus.Counter
}

func newBlockAllocatorMetrics(name string) blockAllocatorMetrics {
	return blockAllocatorMetrics{
		chunks:         v2.MemBlockAllocatorChunksGauge.WithLabelValues(name),
		inuse:          v2.MemBlockAllocatorInuseBlocksGauge.WithLabelValues(name),
		reserved:       v2.MemBlockAllocatorReservedBytesGauge.WithLabelValues(name),
		allocate:       v2.MemBlockAllocateCounter.WithLabelValues(name),
		retry:          v2.MemBlockContentionRetryCounter.WithLabelValues(name),
		reserveFailure: v2.MemBlockReserveFailureCounter.WithLabelValues(name),
	}
}

// Option configures a FixedBlockAllocator.
type Option func(*FixedBlockAllocator)

// WithReserver sets the source of chunk memory.
func WithReserver(reserver Reserver) Option {
	return func(f *FixedBlockAllocator) {
		f.reserver = reserver
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(f *FixedBlockAllocator) {
		f.logger = logger
	}
}

// WithDiagnosticHandler replaces the default handler that logs rejected
// deallocations. fn receives a *moerr.Error with code ErrInvalidPointer or
// ErrPointerNotFound. fn must not call back into the allocator's Cleanup.
func WithDiagnosticHandler(fn func(err error)) Option {
	return func(f *FixedBlockAllocator) {
		f.diagnose = fn
	}
}

func NewFixedBlockAllocator(
	config Config,
	opts ...Option,
) (*FixedBlockAllocator, error) {
	config.Adjust()
	if err := config.Validate(context.Background()); err != nil {
		return nil, err
	}

	ret := &FixedBlockAllocator{
		config:         config,
		blocksPerChunk: config.BlocksPerChunk(),
		reserver:       defaultReserver,
		index:          newChunkIndex(),
		peak:           NewPeakInuseTracker(),
		metrics:        newBlockAllocatorMetrics(config.Name),
	}
	for _, opt := range opts {
		opt(ret)
	}
	if ret.logger == nil {
		ret.logger = logutil.GetGlobalLogger().Named("block-allocator")
	}
	ret.logger = ret.logger.With(zap.String("name", config.Name))
	if ret.diagnose == nil {
		ret.diagnose = ret.logInvalidDeallocate
	}

	ret.logger.Info("block allocator created",
		zap.Uint64("block-size", config.BlockSize),
		zap.Uint64("chunk-size", config.ChunkSize),
		zap.Int("blocks-per-chunk", ret.blocksPerChunk),
		zap.Int("max-chunks", config.MaxChunks),
	)
	return ret, nil
}

// BlockSize returns the size of every block.
func (f *FixedBlockAllocator) BlockSize() uint64 {
	return f.config.BlockSize
}

// BlocksPerChunk returns how many blocks one chunk holds.
func (f *FixedBlockAllocator) BlocksPerChunk() int {
	return f.blocksPerChunk
}

// Allocate returns a block of BlockSize bytes. The pointer is never nil on
// success. Memory of a fresh chunk is zeroed, reused blocks are not. The only
// error is ErrOOM, when a new chunk is needed and cannot be reserved.
func (f *FixedBlockAllocator) Allocate() (unsafe.Pointer, error) {
	for {
		head := f.head.Load()

		ptr, contended := f.allocateFrom(head)
		if ptr != nil {
			f.onAllocated()
			return ptr, nil
		}
		if contended {
			// another allocation won a bit in the same word, rescan
			f.retries.Add(1)
			f.metrics.retry.Inc()
			continue
		}

		// every chunk is full
		c, err := f.grow()
		if err != nil {
			return nil, err
		}
		ptr = c.claimFirst()
		f.publish(c)
		f.onAllocated()
		return ptr, nil
	}
}

// allocateFrom walks the list in order and tries to claim the first free
// block it sees. contended reports a lost compare-and-swap.
func (f *FixedBlockAllocator) allocateFrom(head *chunk) (ptr unsafe.Pointer, contended bool) {
	for c := head; c != nil; c = c.next {
		index, observed, ok := c.findFirstFreeBlock()
		if !ok {
			continue
		}
		if c.tryClaim(index, observed) {
			return c.blockPointer(index), false
		}
		return nil, true
	}
	return nil, false
}

func (f *FixedBlockAllocator) grow() (*chunk, error) {
	n := f.numChunks.Add(1)
	if f.config.MaxChunks > 0 && n > int64(f.config.MaxChunks) {
		f.numChunks.Add(-1)
		f.metrics.reserveFailure.Inc()
		f.logger.Error("max chunks reached",
			zap.Int("max-chunks", f.config.MaxChunks),
		)
		return nil, moerr.NewOOMNoCtx().WithDetail("max chunks reached")
	}

	start := time.Now()
	c, err := newChunk(f.reserver, f.config.BlockSize, f.config.ChunkSize)
	if err != nil {
		f.numChunks.Add(-1)
		f.metrics.reserveFailure.Inc()
		f.logger.Error("failed to reserve chunk",
			zap.Uint64("chunk-size", f.config.ChunkSize),
			zap.Error(err),
		)
		return nil, err
	}

	f.metrics.chunks.Inc()
	f.metrics.reserved.Add(float64(f.config.ChunkSize))
	f.peak.UpdateChunks(uint64(n))
	f.logger.Debug("chunk reserved",
		zap.Int64("chunks", n),
		zap.Uintptr("base", c.base),
		logutil.Elapsed(start),
	)
	return c, nil
}

// publish links c in as the new head. A plain store could drop a chunk
// published concurrently by another grow.
func (f *FixedBlockAllocator) publish(c *chunk) {
	for {
		old := f.head.Load()
		c.next = old
		if f.head.CompareAndSwap(old, c) {
			return
		}
	}
}

func (f *FixedBlockAllocator) onAllocated() {
	n := f.inuse.Add(1)
	f.allocations.Add(1)
	f.metrics.allocate.Inc()
	f.metrics.inuse.Inc()
	f.peak.UpdateBlocks(uint64(n))
}

// Deallocate returns a block obtained from Allocate. A nil, misaligned,
// unknown or already released pointer changes nothing and is reported to the
// diagnostic handler instead.
func (f *FixedBlockAllocator) Deallocate(ptr unsafe.Pointer) {
	if ptr == nil {
		f.reportInvalid(
			v2.InvalidDeallocateReasonNil,
			moerr.NewInvalidPointerNoCtx(0, "nil pointer"),
		)
		return
	}

	reason, err := f.deallocate(uintptr(ptr))
	if err != nil {
		f.reportInvalid(reason, err)
		return
	}
	f.inuse.Add(-1)
	f.metrics.inuse.Dec()
}

func (f *FixedBlockAllocator) deallocate(addr uintptr) (string, *moerr.Error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.index.sync(f.head.Load())
	c := f.index.lookup(addr)
	if c == nil {
		return v2.InvalidDeallocateReasonNotFound, moerr.NewPointerNotFoundNoCtx(addr)
	}

	index, res := c.blockIndex(addr)
	switch res {
	case blockIndexMisaligned:
		return v2.InvalidDeallocateReasonMisaligned,
			moerr.NewInvalidPointerNoCtx(addr, "not aligned to block size")
	case blockIndexOutOfRange:
		return v2.InvalidDeallocateReasonOutOfRange,
			moerr.NewInvalidPointerNoCtx(addr, "past the last block of its chunk")
	}
	if !c.release(index) {
		return v2.InvalidDeallocateReasonNotLive,
			moerr.NewInvalidPointerNoCtx(addr, "block is not allocated")
	}
	return "", nil
}

func (f *FixedBlockAllocator) reportInvalid(reason string, err *moerr.Error) {
	f.invalid.Add(1)
	v2.GetMemBlockInvalidDeallocateCounter(f.config.Name, reason).Inc()
	f.diagnose(err)
}

func (f *FixedBlockAllocator) logInvalidDeallocate(err error) {
	sample := log.InvalidPointerSample
	if moerr.IsMoErrCode(err, moerr.ErrPointerNotFound) {
		sample = log.PointerNotFoundSample
	}
	if !log.DefaultLogOptions().WithSample(sample).Allow() {
		return
	}

	fields := []zap.Field{zap.Error(err)}
	// skip logInvalidDeallocate and reportInvalid
	id, first := GetStacktraceID(2)
	if first {
		fields = append(fields, zap.String("stack", id.String()))
	} else {
		fields = append(fields, zap.Uint64("stack-id", uint64(id)))
	}
	f.logger.Warn("invalid block deallocation", fields...)
}

// Cleanup releases every chunk to the OS and empties the allocator. All
// Allocate and Deallocate calls must have returned before Cleanup is called,
// and no block may be used afterwards. The allocator can be reused.
func (f *FixedBlockAllocator) Cleanup() {
	f.mu.Lock()
	defer f.mu.Unlock()

	head := f.head.Swap(nil)
	f.index.reset()
	released := 0
	leaked := 0
	for c := head; c != nil; {
		next := c.next
		leaked += c.inuse()
		if err := c.destroy(f.reserver); err != nil {
			f.logger.Error("failed to release chunk", zap.Error(err))
		}
		c.next = nil
		released++
		c = next
	}

	f.metrics.chunks.Sub(float64(released))
	f.metrics.reserved.Sub(float64(uint64(released) * f.config.ChunkSize))
	f.metrics.inuse.Sub(float64(f.inuse.Swap(0)))
	f.numChunks.Add(-int64(released))

	if released > 0 {
		f.logger.Info("block allocator cleanup",
			zap.Int("chunks", released),
			zap.Int("live-blocks", leaked),
		)
	}
}

// Stats is a point in time view of an allocator.
type Stats struct {
	BlockSize            uint64
	BlocksPerChunk       int
	Chunks               int
	ReservedBytes        uint64
	InuseBlocks          int64
	Allocations          uint64
	ContentionRetries    uint64
	InvalidDeallocations uint64
	Peak                 PeakInuse
}

func (f *FixedBlockAllocator) Stats() Stats {
	chunks := 0
	for c := f.head.Load(); c != nil; c = c.next {
		chunks++
	}
	return Stats{
		BlockSize:            f.config.BlockSize,
		BlocksPerChunk:       f.blocksPerChunk,
		Chunks:               chunks,
		ReservedBytes:        uint64(chunks) * f.config.ChunkSize,
		InuseBlocks:          f.inuse.Load(),
		Allocations:          f.allocations.Load(),
		ContentionRetries:    f.retries.Load(),
		InvalidDeallocations: f.invalid.Load(),
		Peak:                 f.peak.Snapshot(),
	}
}
