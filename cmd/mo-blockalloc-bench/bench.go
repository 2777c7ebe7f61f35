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

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/RoaringBitmap/roaring/roaring64"
	hll "github.com/axiomhq/hyperloglog"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	queue "github.com/yireyun/go-queue"
	"go.uber.org/zap"

	"github.com/matrixorigin/blockalloc/pkg/common/malloc"
	"github.com/matrixorigin/blockalloc/pkg/common/moerr"
	"github.com/matrixorigin/blockalloc/pkg/logutil"
	v2 "github.com/matrixorigin/blockalloc/pkg/util/metric/v2"
)

// Report summarizes one bench run.
type Report struct {
	Allocations uint64
	Aliased     uint64
	Corrupted   uint64
	Failures    uint64
	Elapsed     time.Duration
	Stats       malloc.Stats

	// DistinctBlocks estimates how many different blocks were handed out.
	DistinctBlocks uint64
}

// OK reports whether the run observed no aliasing, corruption or failure.
func (r Report) OK() bool {
	return r.Aliased == 0 && r.Corrupted == 0 && r.Failures == 0
}

func (r Report) Write(w io.Writer) {
	fmt.Fprintf(w, "allocations:            %d\n", r.Allocations)
	fmt.Fprintf(w, "elapsed:                %s\n", r.Elapsed)
	if r.Elapsed > 0 {
		fmt.Fprintf(w, "allocations/s:          %.0f\n", float64(r.Allocations)/r.Elapsed.Seconds())
	}
	fmt.Fprintf(w, "distinct blocks (est.): %d\n", r.DistinctBlocks)
	fmt.Fprintf(w, "chunks:                 %d (%d blocks each)\n", r.Stats.Chunks, r.Stats.BlocksPerChunk)
	fmt.Fprintf(w, "reserved bytes:         %d\n", r.Stats.ReservedBytes)
	fmt.Fprintf(w, "peak inuse blocks:      %d\n", r.Stats.Peak.Blocks.Value)
	fmt.Fprintf(w, "contention retries:     %d\n", r.Stats.ContentionRetries)
	fmt.Fprintf(w, "invalid deallocations:  %d\n", r.Stats.InvalidDeallocations)
	fmt.Fprintf(w, "aliased blocks:         %d\n", r.Aliased)
	fmt.Fprintf(w, "corrupted blocks:       %d\n", r.Corrupted)
	fmt.Fprintf(w, "failures:               %d\n", r.Failures)
}

type bench struct {
	cfg       BenchConfig
	logger    *zap.Logger
	fixed     *malloc.FixedBlockAllocator
	allocator malloc.Allocator

	// handoff carries held blocks to another task for release, nil unless
	// configured.
	handoff *queue.EsQueue

	mu       sync.Mutex
	live     *roaring64.Bitmap
	distinct *hll.Sketch

	allocations atomic.Uint64
	aliased     atomic.Uint64
	corrupted   atomic.Uint64
	failures    atomic.Uint64
}

func newBench(cfg *Config) (*bench, error) {
	fixed, err := malloc.NewFixedBlockAllocator(cfg.Allocator)
	if err != nil {
		return nil, err
	}
	name := cfg.Allocator.Name
	var handoff *queue.EsQueue
	if cfg.Bench.Handoff {
		handoff = queue.NewQueue(uint32(cfg.Bench.Tasks * cfg.Bench.Hold))
	}
	return &bench{
		cfg:    cfg.Bench,
		logger: logutil.GetGlobalLogger().Named("bench"),
		fixed:  fixed,
		allocator: malloc.NewMetricsAllocator(
			malloc.NewBlockAllocator(fixed),
			v2.MemAllocatorAllocateBytesCounter.WithLabelValues(name),
			v2.MemAllocatorInuseBytesGauge.WithLabelValues(name),
			v2.MemAllocatorAllocateObjectsCounter.WithLabelValues(name),
			v2.MemAllocatorInuseObjectsGauge.WithLabelValues(name),
		),
		handoff:  handoff,
		live:     roaring64.New(),
		distinct: hll.New(),
	}, nil
}

func (b *bench) run(ctx context.Context) (Report, error) {
	defer b.fixed.Cleanup()

	pool, err := ants.NewPool(b.cfg.Workers, ants.WithPanicHandler(func(v interface{}) {
		b.failures.Add(1)
		b.logger.Error("bench task panic", zap.Error(moerr.ConvertPanicError(ctx, v)))
	}))
	if err != nil {
		return Report{}, err
	}
	defer pool.Release()

	b.logger.Info("bench started",
		zap.Int("workers", b.cfg.Workers),
		zap.Int("tasks", b.cfg.Tasks),
		zap.Int("rounds", b.cfg.Rounds),
		zap.Int("hold", b.cfg.Hold),
		zap.Bool("handoff", b.cfg.Handoff),
	)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < b.cfg.Tasks; i++ {
		task := uint32(i)
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			b.runTask(ctx, task)
		}); err != nil {
			wg.Done()
			b.failures.Add(1)
			b.logger.Error("failed to submit bench task", zap.Error(err))
		}
	}
	wg.Wait()
	b.drainHandoff()

	b.mu.Lock()
	distinct := b.distinct.Estimate()
	b.mu.Unlock()
	report := Report{
		Allocations:    b.allocations.Load(),
		DistinctBlocks: distinct,
		Aliased:        b.aliased.Load(),
		Corrupted:      b.corrupted.Load(),
		Failures:       b.failures.Load(),
		Elapsed:        time.Since(start),
		Stats:          b.fixed.Stats(),
	}
	b.logger.Info("bench finished",
		zap.Uint64("allocations", report.Allocations),
		zap.Uint64("aliased", report.Aliased),
		zap.Uint64("corrupted", report.Corrupted),
		zap.Uint64("failures", report.Failures),
		logutil.Elapsed(start),
	)
	return report, ctx.Err()
}

type heldBlock struct {
	data []byte
	dec  malloc.Deallocator
	tag  uint64
}

func (b *bench) runTask(ctx context.Context, task uint32) {
	blockSize := b.fixed.BlockSize()
	held := make([]heldBlock, 0, b.cfg.Hold)
	for round := 0; round < b.cfg.Rounds; round++ {
		if ctx.Err() != nil {
			return
		}
		for i := 0; i < b.cfg.Hold; i++ {
			data, dec, err := b.allocator.Allocate(blockSize, malloc.NoClear)
			if err != nil {
				b.failures.Add(1)
				b.logger.Error("allocate failed", zap.Error(err))
				break
			}
			b.allocations.Add(1)
			if !b.acquire(data) {
				b.aliased.Add(1)
				b.logger.Error("block handed out twice",
					zap.Uintptr("addr", blockAddr(data)),
				)
			}
			tag := uint64(task)<<32 | uint64(round)<<16 | uint64(i)
			stamp(data, tag)
			held = append(held, heldBlock{data: data, dec: dec, tag: tag})
		}

		for _, h := range held {
			if b.handoff != nil {
				if ok, _ := b.handoff.Put(h); ok {
					continue
				}
			}
			b.releaseBlock(h)
		}
		if b.handoff != nil {
			// release as many blocks of other tasks as were handed off
			for range held {
				v, ok, _ := b.handoff.Get()
				if !ok {
					break
				}
				b.releaseBlock(v.(heldBlock))
			}
		}
		held = held[:0]
	}
}

func (b *bench) releaseBlock(h heldBlock) {
	if !verify(h.data, h.tag) {
		b.corrupted.Add(1)
		b.logger.Error("block overwritten while held",
			zap.Uintptr("addr", blockAddr(h.data)),
		)
	}
	b.release(h.data)
	h.dec.Deallocate(malloc.NoClear)
}

func (b *bench) drainHandoff() {
	if b.handoff == nil {
		return
	}
	for {
		v, ok, _ := b.handoff.Get()
		if !ok {
			return
		}
		b.releaseBlock(v.(heldBlock))
	}
}

// acquire records data as live, false if it already was.
func (b *bench) acquire(data []byte) bool {
	var key [8]byte
	addr := uint64(blockAddr(data))
	binary.LittleEndian.PutUint64(key[:], addr)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.distinct.Insert(key[:])
	return b.live.CheckedAdd(addr)
}

func (b *bench) release(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.live.Remove(uint64(blockAddr(data)))
}

func blockAddr(data []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(data)))
}

// stamp fills data with tag, trailing bytes get its low bits.
func stamp(data []byte, tag uint64) {
	i := 0
	for ; i+8 <= len(data); i += 8 {
		binary.LittleEndian.PutUint64(data[i:], tag)
	}
	for ; i < len(data); i++ {
		data[i] = byte(tag)
	}
}

func verify(data []byte, tag uint64) bool {
	i := 0
	for ; i+8 <= len(data); i += 8 {
		if binary.LittleEndian.Uint64(data[i:]) != tag {
			return false
		}
	}
	for ; i < len(data); i++ {
		if data[i] != byte(tag) {
			return false
		}
	}
	return true
}

func newMetricsHandler() http.Handler {
	return promhttp.HandlerFor(v2.GetPrometheusGatherer(), promhttp.HandlerOpts{})
}

// serveMetrics exposes the registry on addr until the returned stop is
// called.
func serveMetrics(addr string) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", newMetricsHandler())
	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logutil.Error("metrics server failed", zap.String("addr", addr), zap.Error(err))
		}
	}()
	logutil.Infof("serving metrics on %s/metrics", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}
