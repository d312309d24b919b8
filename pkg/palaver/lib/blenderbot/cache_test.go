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

package blenderbot

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPast() *Past {
	return &Past{
		EncoderOutput: &EncoderOutput{
			LastHiddenState: tensors.FromFlatDataAndDimensions([]float32{
				1, 1,
				2, 2,
				3, 3,
			}, 3, 1, 2),
		},
		EncoderMask: tensors.FromFlatDataAndDimensions([]bool{false, true, false}, 3, 1),
		Cache: &DecoderCache{Layers: []LayerCache{
			{
				CacheSelfKey:   tensors.FromFlatDataAndDimensions([]float32{10, 20, 30}, 3, 1, 1),
				CacheSelfValue: tensors.FromFlatDataAndDimensions([]float32{11, 21, 31}, 3, 1, 1),
			},
		}},
	}
}

func TestReorderCache(t *testing.T) {
	past := testPast()

	out, err := ReorderCache(past, []int{2, 2, 0})
	require.NoError(t, err)

	enc := tensors.MustCopyFlatData[float32](out.EncoderOutput.LastHiddenState)
	assert.Equal(t, []float32{3, 3, 3, 3, 1, 1}, enc)

	mask := tensors.MustCopyFlatData[bool](out.EncoderMask)
	assert.Equal(t, []bool{false, false, false}, mask)

	key := tensors.MustCopyFlatData[float32](out.Cache.Layers[0][CacheSelfKey])
	assert.Equal(t, []float32{30, 30, 10}, key)
}

func TestReorderCachePure(t *testing.T) {
	past := testPast()

	out, err := ReorderCache(past, []int{1, 0, 2})
	require.NoError(t, err)

	// Input state is untouched and shares nothing with the output.
	assert.Equal(t, []float32{1, 1, 2, 2, 3, 3},
		tensors.MustCopyFlatData[float32](past.EncoderOutput.LastHiddenState))
	assert.NotSame(t, past.EncoderOutput.LastHiddenState, out.EncoderOutput.LastHiddenState)
	assert.NotSame(t, past.Cache.Layers[0][CacheSelfKey], out.Cache.Layers[0][CacheSelfKey])
}

func TestReorderCachePermutationRoundTrip(t *testing.T) {
	past := testPast()

	perm := []int{2, 0, 1}
	inverse := []int{1, 2, 0}

	permuted, err := ReorderCache(past, perm)
	require.NoError(t, err)
	back, err := ReorderCache(permuted, inverse)
	require.NoError(t, err)

	assert.Equal(t,
		tensors.MustCopyFlatData[float32](past.Cache.Layers[0][CacheSelfValue]),
		tensors.MustCopyFlatData[float32](back.Cache.Layers[0][CacheSelfValue]))
	assert.Equal(t,
		tensors.MustCopyFlatData[bool](past.EncoderMask),
		tensors.MustCopyFlatData[bool](back.EncoderMask))
}

func TestReorderCacheNilParts(t *testing.T) {
	// First generation step: no decoder cache yet, no encoder padding.
	past := &Past{
		EncoderOutput: &EncoderOutput{
			LastHiddenState: tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2, 1, 1),
		},
	}
	out, err := ReorderCache(past, []int{1, 0})
	require.NoError(t, err)
	assert.Nil(t, out.EncoderMask)
	assert.Nil(t, out.Cache)
	assert.Equal(t, []float32{2, 1},
		tensors.MustCopyFlatData[float32](out.EncoderOutput.LastHiddenState))
}

func TestReorderCacheNilPast(t *testing.T) {
	_, err := ReorderCache(nil, []int{0})
	require.Error(t, err)
}
