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
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metricsFlushInterval delays publishing of accumulated deltas, so hot
// allocation paths only touch local atomics.
var metricsFlushInterval = time.Second

// MetricsAllocator counts bytes and objects flowing through upstream and
// publishes them to prometheus. Nil collectors are skipped.
type MetricsAllocator[U Allocator] struct {
	upstream        U
	deallocatorPool *ClosureDeallocatorPool[metricsDeallocatorArgs]

	allocateBytesCounter   prometheus.Counter
	inuseBytesGauge        prometheus.Gauge
	allocateObjectsCounter prometheus.Counter
	inuseObjectsGauge      prometheus.Gauge

	allocateBytes   atomic.Uint64
	inuseBytes      atomic.Int64
	allocateObjects atomic.Uint64
	inuseObjects    atomic.Int64

	updating atomic.Bool
}

type metricsDeallocatorArgs struct {
	size uint64
}

func NewMetricsAllocator[U Allocator](
	upstream U,
	allocateBytesCounter prometheus.Counter,
	inuseBytesGauge prometheus.Gauge,
	allocateObjectsCounter prometheus.Counter,
	inuseObjectsGauge prometheus.Gauge,
) *MetricsAllocator[U] {

	var ret *MetricsAllocator[U]

	ret = &MetricsAllocator[U]{
		upstream:               upstream,
		allocateBytesCounter:   allocateBytesCounter,
		inuseBytesGauge:        inuseBytesGauge,
		allocateObjectsCounter: allocateObjectsCounter,
		inuseObjectsGauge:      inuseObjectsGauge,

		deallocatorPool: NewClosureDeallocatorPool(
			func(hints Hints, args *metricsDeallocatorArgs) {
				ret.inuseBytes.Add(-int64(args.size))
				ret.inuseObjects.Add(-1)
				ret.triggerUpdate()
			},
		),
	}

	return ret
}

var _ Allocator = new(MetricsAllocator[Allocator])

func (m *MetricsAllocator[U]) Allocate(size uint64, hints Hints) ([]byte, Deallocator, error) {
	ptr, dec, err := m.upstream.Allocate(size, hints)
	if err != nil {
		return nil, nil, err
	}
	m.allocateBytes.Add(size)
	m.inuseBytes.Add(int64(size))
	m.allocateObjects.Add(1)
	m.inuseObjects.Add(1)
	m.triggerUpdate()

	return ptr, ChainDeallocator(
		dec,
		m.deallocatorPool.Get(metricsDeallocatorArgs{
			size: size,
		}),
	), nil
}

func (m *MetricsAllocator[U]) triggerUpdate() {
	if m.updating.CompareAndSwap(false, true) {
		time.AfterFunc(metricsFlushInterval, m.flush)
	}
}

func (m *MetricsAllocator[U]) flush() {
	if m.allocateBytesCounter != nil {
		m.allocateBytesCounter.Add(float64(m.allocateBytes.Swap(0)))
	}
	if m.inuseBytesGauge != nil {
		m.inuseBytesGauge.Add(float64(m.inuseBytes.Swap(0)))
	}
	if m.allocateObjectsCounter != nil {
		m.allocateObjectsCounter.Add(float64(m.allocateObjects.Swap(0)))
	}
	if m.inuseObjectsGauge != nil {
		m.inuseObjectsGauge.Add(float64(m.inuseObjects.Swap(0)))
	}
	m.updating.Store(false)
}
