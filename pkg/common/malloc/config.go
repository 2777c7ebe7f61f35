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

	"github.com/matrixorigin/blockalloc/pkg/common/moerr"
)

const (
	KB = 1 << 10
	MB = 1 << 20
	GB = 1 << 30
)

const (
	defaultBlockSize = 64
	defaultChunkSize = 4 * MB
	defaultName      = "default"

	blockSizeAlignment = 8
)

// Config for a FixedBlockAllocator.
type Config struct {
	// Name labels logs and metrics of the allocator.
	Name string `toml:"name"`
	// BlockSize is the size of every block handed out. default: 64
	BlockSize uint64 `toml:"block-size"`
	// ChunkSize is the size of every region reserved from the OS. default: 4MB
	ChunkSize uint64 `toml:"chunk-size"`
	// MaxChunks caps the number of chunks, Allocate reports OOM past it.
	// default: 0, unbounded
	MaxChunks int `toml:"max-chunks"`
}

// Adjust fills zero fields with defaults.
func (c *Config) Adjust() {
	if c.Name == "" {
		c.Name = defaultName
	}
	if c.BlockSize == 0 {
		c.BlockSize = defaultBlockSize
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = defaultChunkSize
	}
}

// Validate checks an adjusted config.
func (c *Config) Validate(ctx context.Context) error {
	if c.BlockSize == 0 {
		return moerr.NewBadConfig(ctx, "block size is 0")
	}
	if c.BlockSize%blockSizeAlignment != 0 {
		return moerr.NewBadConfig(ctx, "block size %d is not a multiple of %d", c.BlockSize, blockSizeAlignment)
	}
	if c.ChunkSize < c.BlockSize {
		return moerr.NewBadConfig(ctx, "chunk size %d is smaller than block size %d", c.ChunkSize, c.BlockSize)
	}
	if c.MaxChunks < 0 {
		return moerr.NewBadConfig(ctx, "max chunks %d is negative", c.MaxChunks)
	}
	return nil
}

// BlocksPerChunk returns how many whole blocks fit in one chunk.
func (c *Config) BlocksPerChunk() int {
	return int(c.ChunkSize / c.BlockSize)
}
