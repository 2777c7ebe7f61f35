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
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/blockalloc/pkg/common/moerr"
)

func writeConfig(t *testing.T, content string) string {
	file := filepath.Join(t.TempDir(), "bench.toml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))
	return file
}

func TestParseConfigFromFile(t *testing.T) {
	file := writeConfig(t, `
[log]
level = "debug"
format = "json"

[allocator]
name = "test"
block-size = 128
chunk-size = 65536

[bench]
workers = 2
hold = 8
`)
	cfg, err := parseConfigFromFile(file)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
	require.Equal(t, "test", cfg.Allocator.Name)
	require.Equal(t, uint64(128), cfg.Allocator.BlockSize)
	require.Equal(t, uint64(65536), cfg.Allocator.ChunkSize)
	require.Equal(t, 2, cfg.Bench.Workers)
	require.Equal(t, defaultTasks, cfg.Bench.Tasks)
	require.Equal(t, defaultRounds, cfg.Bench.Rounds)
	require.Equal(t, 8, cfg.Bench.Hold)
}

func TestParseConfigFromFileInvalid(t *testing.T) {
	_, err := parseConfigFromFile("")
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInternal))

	_, err = parseConfigFromFile(writeConfig(t, `
[allocator]
block-size = 12
`))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrBadConfig))

	_, err = parseConfigFromFile(writeConfig(t, `
[bench]
rounds = -1
`))
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrBadConfig))

	_, err = parseConfigFromFile(writeConfig(t, `[bench`))
	require.Error(t, err)
}

func TestBenchRun(t *testing.T) {
	cfg := &Config{}
	cfg.Allocator.Name = t.Name()
	cfg.Allocator.ChunkSize = 64 * 100
	cfg.Bench = BenchConfig{Workers: 4, Tasks: 8, Rounds: 20, Hold: 30}
	require.NoError(t, cfg.validate())

	b, err := newBench(cfg)
	require.NoError(t, err)
	report, err := b.run(context.Background())
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Equal(t, uint64(8*20*30), report.Allocations)
	require.Equal(t, int64(0), report.Stats.InuseBlocks)
	require.Equal(t, uint64(0), report.Stats.InvalidDeallocations)
	require.LessOrEqual(t, report.Stats.Peak.Blocks.Value, uint64(4*30))
	require.True(t, b.live.IsEmpty())
	require.NotZero(t, report.DistinctBlocks)
	// released by run
	require.Equal(t, 0, b.fixed.Stats().Chunks)

	var buf bytes.Buffer
	report.Write(&buf)
	require.Contains(t, buf.String(), "aliased blocks:         0")
}

func TestBenchRunHandoff(t *testing.T) {
	cfg := &Config{}
	cfg.Allocator.Name = t.Name()
	cfg.Bench = BenchConfig{Workers: 4, Tasks: 6, Rounds: 50, Hold: 10, Handoff: true}
	require.NoError(t, cfg.validate())

	b, err := newBench(cfg)
	require.NoError(t, err)
	report, err := b.run(context.Background())
	require.NoError(t, err)
	require.True(t, report.OK())
	require.Equal(t, uint64(6*50*10), report.Allocations)
	require.Equal(t, int64(0), report.Stats.InuseBlocks)
	require.Equal(t, uint64(0), report.Stats.InvalidDeallocations)
	require.True(t, b.live.IsEmpty())
	_, ok, _ := b.handoff.Get()
	require.False(t, ok)
}

func TestBenchRunCanceled(t *testing.T) {
	cfg := &Config{}
	cfg.Allocator.Name = t.Name()
	require.NoError(t, cfg.validate())

	b, err := newBench(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	report, err := b.run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, uint64(0), report.Allocations)
	require.True(t, report.OK())
}

func TestBenchDetectsAliasing(t *testing.T) {
	cfg := &Config{}
	cfg.Allocator.Name = t.Name()
	require.NoError(t, cfg.validate())
	b, err := newBench(cfg)
	require.NoError(t, err)

	block := make([]byte, 64)
	require.True(t, b.acquire(block))
	require.False(t, b.acquire(block))
	b.release(block)
	require.True(t, b.acquire(block))
}

func TestStampVerify(t *testing.T) {
	for _, size := range []int{8, 13, 64} {
		data := make([]byte, size)
		stamp(data, 0x0102030405060708)
		require.True(t, verify(data, 0x0102030405060708))
		data[size-1]++
		require.False(t, verify(data, 0x0102030405060708))
	}
}

func TestMetricsHandler(t *testing.T) {
	cfg := &Config{}
	cfg.Allocator.Name = t.Name()
	cfg.Bench = BenchConfig{Workers: 1, Tasks: 1, Rounds: 1, Hold: 1}
	require.NoError(t, cfg.validate())
	b, err := newBench(cfg)
	require.NoError(t, err)
	_, err = b.run(context.Background())
	require.NoError(t, err)

	recorder := httptest.NewRecorder()
	newMetricsHandler().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	require.Contains(t, recorder.Body.String(), `mo_mem_block_allocate_total{name="TestMetricsHandler"} 1`)
	require.Contains(t, recorder.Body.String(), "go_goroutines")
}
