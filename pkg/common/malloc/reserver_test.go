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
	"errors"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/require"

	"github.com/matrixorigin/blockalloc/pkg/common/moerr"
)

func TestOSReserver(t *testing.T) {
	var r osReserver
	region, err := r.Reserve(64 * KB)
	require.NoError(t, err)
	require.Len(t, region, 64*KB)
	for _, b := range region {
		require.Equal(t, byte(0), b)
	}
	region[0] = 1
	region[len(region)-1] = 1
	require.NoError(t, r.Release(region))
}

func TestAllocatorUsesReserver(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	const chunkSize = 64 * 16
	regions := [][]byte{
		make([]byte, chunkSize),
		make([]byte, chunkSize),
	}
	// distinguishable by content for the matcher
	regions[0][chunkSize-1] = 1
	regions[1][chunkSize-1] = 2
	reserver := NewMockReserver(ctrl)
	gomock.InOrder(
		reserver.EXPECT().Reserve(uint64(chunkSize)).Return(regions[0], nil),
		reserver.EXPECT().Reserve(uint64(chunkSize)).Return(regions[1], nil),
	)
	// newest chunk first, a failed release does not stop the others
	gomock.InOrder(
		reserver.EXPECT().Release(regions[1]).Return(errors.New("busy")),
		reserver.EXPECT().Release(regions[0]).Return(nil),
	)

	allocator, diag := newTestAllocator(t, Config{ChunkSize: chunkSize}, WithReserver(reserver))
	for i := 0; i < 17; i++ {
		mustAllocate(t, allocator)
	}
	require.Equal(t, 2, allocator.Stats().Chunks)
	require.Empty(t, diag.all())

	allocator.Cleanup()
	require.Equal(t, 0, allocator.Stats().Chunks)
}

func TestAllocatorReserveFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	short := make([]byte, 100)
	reserver := NewMockReserver(ctrl)
	gomock.InOrder(
		reserver.EXPECT().Reserve(gomock.Any()).Return(nil, errors.New("no memory")),
		reserver.EXPECT().Reserve(gomock.Any()).Return(short, nil),
		reserver.EXPECT().Release(short).Return(nil),
	)

	allocator, _ := newTestAllocator(t, Config{}, WithReserver(reserver))

	_, err := allocator.Allocate()
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrOOM))

	_, err = allocator.Allocate()
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInternal))
	require.Empty(t, err.(*moerr.Error).Detail())

	require.Equal(t, 0, allocator.Stats().Chunks)
}

func TestAllocatorShortRegionReleaseFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	short := make([]byte, 100)
	reserver := NewMockReserver(ctrl)
	gomock.InOrder(
		reserver.EXPECT().Reserve(uint64(4*MB)).Return(short, nil),
		reserver.EXPECT().Release(short).Return(errors.New("busy")),
	)

	allocator, _ := newTestAllocator(t, Config{}, WithReserver(reserver))
	ptr, err := allocator.Allocate()
	require.True(t, ptr == nil)
	require.True(t, moerr.IsMoErrCode(err, moerr.ErrInternal))
	require.Equal(t, "release short region: busy", err.(*moerr.Error).Detail())
	require.Contains(t, err.(*moerr.Error).Display(), "reserver returned 100 bytes")
	require.Equal(t, 0, allocator.Stats().Chunks)
}
