// Copyright 2026 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexSelectBatch(t *testing.T) {
	// [3, 2] rows: [1 2], [3 4], [5 6]
	src := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 3, 2)

	out, err := IndexSelectBatch(src, []int{2, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, out.Shape().Dimensions)

	flat, err := Floats(out)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6, 1, 2, 1, 2}, flat)

	// Source untouched.
	orig, err := Floats(src)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, orig)
}

func TestIndexSelectBatchPermutationRoundTrip(t *testing.T) {
	src := tensors.FromFlatDataAndDimensions([]int64{10, 20, 30, 40}, 4, 1)

	perm := []int{3, 1, 0, 2}
	inverse := make([]int, len(perm))
	for i, p := range perm {
		inverse[p] = i
	}

	permuted, err := IndexSelectBatch(src, perm)
	require.NoError(t, err)
	back, err := IndexSelectBatch(permuted, inverse)
	require.NoError(t, err)

	got, err := Int64s(back)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 20, 30, 40}, got)
}

func TestIndexSelectBatchOutOfRange(t *testing.T) {
	src := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2, 1)

	_, err := IndexSelectBatch(src, []int{0, 2})
	require.Error(t, err)

	_, err = IndexSelectBatch(src, []int{-1})
	require.Error(t, err)
}

func TestIndexSelectBatchHigherRank(t *testing.T) {
	// [2, 2, 2]: batch 0 = [[1 2][3 4]], batch 1 = [[5 6][7 8]]
	src := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6, 7, 8}, 2, 2, 2)

	out, err := IndexSelectBatch(src, []int{1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 2}, out.Shape().Dimensions)

	flat, err := Floats(out)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6, 7, 8}, flat)
}
