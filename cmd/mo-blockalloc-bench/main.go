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
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matrixorigin/blockalloc/pkg/logutil"
)

var (
	configFile = flag.String("cfg", "./etc/bench.toml", "toml configuration used to run the block allocator bench")
)

func main() {
	flag.Parse()
	if !runBench() {
		os.Exit(1)
	}
}

func runBench() bool {
	cfg, err := parseConfigFromFile(*configFile)
	if err != nil {
		panic(fmt.Sprintf("failed to parse config from %s, error: %s", *configFile, err.Error()))
	}

	setupLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if cfg.Bench.MetricsAddr != "" {
		stopMetrics := serveMetrics(cfg.Bench.MetricsAddr)
		defer stopMetrics()
	}

	b, err := newBench(cfg)
	if err != nil {
		panic(err)
	}
	report, err := b.run(ctx)
	report.Write(os.Stdout)
	if err != nil {
		logutil.Warn("bench interrupted")
	}
	return report.OK()
}

func setupLogger(cfg *Config) {
	logutil.SetupMOLogger(&cfg.Log)
}
