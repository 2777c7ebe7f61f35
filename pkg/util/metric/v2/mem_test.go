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

package v2

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMemMetricsRegistered(t *testing.T) {
	name := t.Name()
	MemBlockAllocatorChunksGauge.WithLabelValues(name).Inc()
	MemBlockAllocateCounter.WithLabelValues(name).Add(3)
	GetMemBlockInvalidDeallocateCounter(name, InvalidDeallocateReasonNotFound).Inc()
	GetMemBlockInvalidDeallocateCounter(name, InvalidDeallocateReasonNotFound).Inc()
	GetMemBlockInvalidDeallocateCounter(name, InvalidDeallocateReasonNil).Inc()

	require.Equal(t, float64(2), testutil.ToFloat64(
		GetMemBlockInvalidDeallocateCounter(name, InvalidDeallocateReasonNotFound),
	))
	require.Equal(t, float64(3), testutil.ToFloat64(MemBlockAllocateCounter.WithLabelValues(name)))

	families, err := GetPrometheusGatherer().Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, family := range families {
		names[family.GetName()] = true
	}
	for _, want := range []string{
		"mo_mem_block_allocator_chunks",
		"mo_mem_block_allocate_total",
		"mo_mem_block_invalid_deallocate_total",
		"go_goroutines",
	} {
		require.True(t, names[want], want)
	}
}

func TestMemMetricsDoubleRegister(t *testing.T) {
	require.Error(t, GetPrometheusRegistry().Register(MemBlockAllocatorChunksGauge))
}
