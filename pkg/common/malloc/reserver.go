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

//go:generate mockgen -source=reserver.go -destination=mock_reserver_test.go -package=malloc

// Reserver reserves large regions of memory from the OS.
//
// Reserve returns committed, zero-initialized, page-aligned memory of exactly
// size bytes. Release gives a region returned by Reserve back to the OS; the
// slice must not be used afterwards.
type Reserver interface {
	Reserve(size uint64) ([]byte, error)
	Release(region []byte) error
}

// defaultReserver is used when no Reserver option is given.
var defaultReserver Reserver = osReserver{}

// osReserver is implemented per platform in mmap_*.go.
type osReserver struct{}

var _ Reserver = osReserver{}
