// Copyright 2023 Matrix Origin
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

package v2

import "github.com/prometheus/client_golang/prometheus"

var (
	MemBlockAllocatorChunksGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "block_allocator_chunks",
			Help:      "Number of chunks reserved by a block allocator.",
		}, []string{"name"})

	MemBlockAllocatorInuseBlocksGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "block_allocator_inuse_blocks",
			Help:      "Number of blocks currently handed out by a block allocator.",
		}, []string{"name"})

	MemBlockAllocatorReservedBytesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "block_allocator_reserved_bytes",
			Help:      "Bytes reserved from the OS by a block allocator.",
		}, []string{"name"})
)

var (
	MemBlockAllocateCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "block_allocate_total",
			Help:      "Total number of successful block allocations.",
		}, []string{"name"})

	MemBlockContentionRetryCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "block_contention_retry_total",
			Help:      "Total number of allocation scans restarted after a lost compare-and-swap.",
		}, []string{"name"})

	MemBlockReserveFailureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "block_reserve_failure_total",
			Help:      "Total number of chunk reservations that failed.",
		}, []string{"name"})

	memBlockInvalidDeallocateCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "block_invalid_deallocate_total",
			Help:      "Total number of rejected block deallocations.",
		}, []string{"name", "reason"})
)

const (
	InvalidDeallocateReasonNil        = "nil"
	InvalidDeallocateReasonMisaligned = "misaligned"
	InvalidDeallocateReasonOutOfRange = "out_of_range"
	InvalidDeallocateReasonNotLive    = "not_live"
	InvalidDeallocateReasonNotFound   = "not_found"
)

// GetMemBlockInvalidDeallocateCounter returns the counter for one allocator
// and rejection reason.
func GetMemBlockInvalidDeallocateCounter(name, reason string) prometheus.Counter {
	return memBlockInvalidDeallocateCounter.WithLabelValues(name, reason)
}

var (
	MemAllocatorAllocateBytesCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "allocator_allocate_bytes_total",
			Help:      "Total bytes allocated through a metrics allocator.",
		}, []string{"name"})

	MemAllocatorInuseBytesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "allocator_inuse_bytes",
			Help:      "Bytes currently held by callers of a metrics allocator.",
		}, []string{"name"})

	MemAllocatorAllocateObjectsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "allocator_allocate_objects_total",
			Help:      "Total objects allocated through a metrics allocator.",
		}, []string{"name"})

	MemAllocatorInuseObjectsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mo",
			Subsystem: "mem",
			Name:      "allocator_inuse_objects",
			Help:      "Objects currently held by callers of a metrics allocator.",
		}, []string{"name"})
)

func initMemMetrics() {
	registry.MustRegister(MemBlockAllocatorChunksGauge)
	registry.MustRegister(MemBlockAllocatorInuseBlocksGauge)
	registry.MustRegister(MemBlockAllocatorReservedBytesGauge)
	registry.MustRegister(MemBlockAllocateCounter)
	registry.MustRegister(MemBlockContentionRetryCounter)
	registry.MustRegister(MemBlockReserveFailureCounter)
	registry.MustRegister(memBlockInvalidDeallocateCounter)

	registry.MustRegister(MemAllocatorAllocateBytesCounter)
	registry.MustRegister(MemAllocatorInuseBytesGauge)
	registry.MustRegister(MemAllocatorAllocateObjectsCounter)
	registry.MustRegister(MemAllocatorInuseObjectsGauge)
}
