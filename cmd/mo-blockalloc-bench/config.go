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

	"github.com/BurntSushi/toml"

	"github.com/matrixorigin/blockalloc/pkg/common/malloc"
	"github.com/matrixorigin/blockalloc/pkg/common/moerr"
	"github.com/matrixorigin/blockalloc/pkg/logutil"
)

const (
	defaultWorkers = 4
	defaultTasks   = 4
	defaultRounds  = 100
	defaultHold    = 16
)

// Config is the bench configuration, one section per concern.
type Config struct {
	Log       logutil.LogConfig `toml:"log"`
	Allocator malloc.Config     `toml:"allocator"`
	Bench     BenchConfig       `toml:"bench"`
}

// BenchConfig describes the workload.
type BenchConfig struct {
	// Workers is the size of the goroutine pool.
	Workers int `toml:"workers"`
	// Tasks is the number of tasks submitted to the pool.
	Tasks int `toml:"tasks"`
	// Rounds each task runs.
	Rounds int `toml:"rounds"`
	// Hold is the number of blocks a task keeps live in one round.
	Hold int `toml:"hold"`
	// Handoff releases blocks from a different task than the one that
	// allocated them, through a shared lock-free queue.
	Handoff bool `toml:"handoff"`
	// MetricsAddr serves prometheus metrics while the bench runs, disabled
	// if empty.
	MetricsAddr string `toml:"metrics-addr"`
}

func parseConfigFromFile(file string) (*Config, error) {
	if file == "" {
		return nil, moerr.NewInternalErrorNoCtx("toml config file not set")
	}
	cfg := &Config{}
	if _, err := toml.DecodeFile(file, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.Allocator.Adjust()
	if err := c.Allocator.Validate(context.Background()); err != nil {
		return err
	}
	if c.Bench.Workers == 0 {
		c.Bench.Workers = defaultWorkers
	}
	if c.Bench.Tasks == 0 {
		c.Bench.Tasks = defaultTasks
	}
	if c.Bench.Rounds == 0 {
		c.Bench.Rounds = defaultRounds
	}
	if c.Bench.Hold == 0 {
		c.Bench.Hold = defaultHold
	}
	if c.Bench.Workers < 0 || c.Bench.Tasks < 0 || c.Bench.Rounds < 0 || c.Bench.Hold < 0 {
		return moerr.NewBadConfigNoCtx("bench values must not be negative: %+v", c.Bench)
	}
	return nil
}
