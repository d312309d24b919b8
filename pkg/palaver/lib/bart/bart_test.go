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

package bart

import (
	"context"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antflydb/palaver/pkg/palaver/lib/backends"
	"github.com/antflydb/palaver/pkg/palaver/lib/blenderbot"
)

func testConfig() *blenderbot.Config {
	return &blenderbot.Config{
		VocabSize:             16,
		DModel:                8,
		EncoderLayers:         2,
		DecoderLayers:         2,
		EncoderAttentionHeads: 2,
		DecoderAttentionHeads: 2,
		EncoderFFNDim:         16,
		DecoderFFNDim:         16,
		MaxPositionEmbeddings: 12,
		PadTokenID:            0,
		BOSTokenID:            1,
		EOSTokenID:            2,
		DecoderStartTokenID:   1,
		InitStd:               0.02,
		UseCache:              true,
		MaxLength:             8,
		DType:                 blenderbot.DTypeFloat32,
	}
}

func newTestEngine(t *testing.T) *backends.Engine {
	t.Helper()
	engine, err := backends.NewEngine("go")
	require.NoError(t, err)
	return engine
}

func TestSinusoidalTable(t *testing.T) {
	table := sinusoidalTable(4, 6)
	assert.Equal(t, []int{4, 6}, table.Shape().Dimensions)

	flat := tensors.MustCopyFlatData[float32](table)
	// Position 0: sin(0)=0, cos(0)=1 across all frequency pairs.
	assert.Equal(t, []float32{0, 1, 0, 1, 0, 1}, flat[:6])
	// Position 1, first pair: sin(1), cos(1).
	assert.InDelta(t, math.Sin(1), float64(flat[6]), 1e-6)
	assert.InDelta(t, math.Cos(1), float64(flat[7]), 1e-6)
}

func TestPositionRows(t *testing.T) {
	table := sinusoidalTable(6, 4)

	rows, err := positionRows(table, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, rows.Shape().Dimensions)

	full := tensors.MustCopyFlatData[float32](table)
	got := tensors.MustCopyFlatData[float32](rows)
	assert.Equal(t, full[8:20], got)

	_, err = positionRows(table, 5, 2)
	require.Error(t, err)
}

func TestPastLength(t *testing.T) {
	assert.Equal(t, 0, pastLength(nil))
	assert.Equal(t, 0, pastLength(blenderbot.NewDecoderCache(2)))

	cache := blenderbot.NewDecoderCache(1)
	cache.Layers[0][blenderbot.CacheSelfKey] =
		tensors.FromFlatDataAndDimensions(make([]float32, 1*3*2*1), 1, 3, 2, 1)
	assert.Equal(t, 3, pastLength(cache))
}

func TestEncoderForwardShapes(t *testing.T) {
	cfg := testConfig()
	init := blenderbot.NewWeightInit(cfg.InitStd, 1)
	emb, err := blenderbot.NewSharedEmbedding(
		init.Embedding(cfg.VocabSize, cfg.DModel, cfg.PadTokenID), cfg.DType, cfg.PadTokenID)
	require.NoError(t, err)

	enc, err := NewEncoder(cfg, emb, newTestEngine(t), init)
	require.NoError(t, err)

	ids := tensors.FromFlatDataAndDimensions([]int64{5, 6, 7, 2, 8, 9, 2, 0}, 2, 4)
	mask := tensors.FromFlatDataAndDimensions([]bool{
		true, true, true, true,
		true, true, true, false,
	}, 2, 4)

	out, err := enc.Forward(context.Background(), &blenderbot.EncoderInput{
		InputIDs:           ids,
		AttentionMask:      mask,
		OutputHiddenStates: true,
		OutputAttentions:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, []int{2, 4, cfg.DModel}, out.LastHiddenState.Shape().Dimensions)
	require.Len(t, out.HiddenStates, cfg.EncoderLayers+1)
	require.Len(t, out.Attentions, cfg.EncoderLayers)
	assert.Equal(t, []int{2, cfg.EncoderAttentionHeads, 4, 4}, out.Attentions[0].Shape().Dimensions)
}

func TestDecoderIncrementalCache(t *testing.T) {
	cfg := testConfig()
	init := blenderbot.NewWeightInit(cfg.InitStd, 2)
	emb, err := blenderbot.NewSharedEmbedding(
		init.Embedding(cfg.VocabSize, cfg.DModel, cfg.PadTokenID), cfg.DType, cfg.PadTokenID)
	require.NoError(t, err)

	engine := newTestEngine(t)
	enc, err := NewEncoder(cfg, emb, engine, init)
	require.NoError(t, err)
	dec, err := NewDecoder(cfg, emb, engine, init)
	require.NoError(t, err)

	encOut, err := enc.Forward(context.Background(), &blenderbot.EncoderInput{
		InputIDs: tensors.FromFlatDataAndDimensions([]int64{5, 6, 2}, 1, 3),
	})
	require.NoError(t, err)

	// First step: no past, cache requested.
	step1, err := dec.Forward(context.Background(), &blenderbot.DecoderInput{
		InputIDs:            tensors.FromFlatDataAndDimensions([]int64{1}, 1, 1),
		EncoderHiddenStates: encOut.LastHiddenState,
		UseCache:            true,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1, cfg.DModel}, step1.LastHiddenState.Shape().Dimensions)
	require.NotNil(t, step1.Cache)
	require.Len(t, step1.Cache.Layers, cfg.DecoderLayers)

	selfKey := step1.Cache.Layers[0][blenderbot.CacheSelfKey]
	require.NotNil(t, selfKey)
	assert.Equal(t, 1, selfKey.Shape().Dimensions[1])
	crossKey := step1.Cache.Layers[0][blenderbot.CacheCrossKey]
	require.NotNil(t, crossKey)
	assert.Equal(t, 3, crossKey.Shape().Dimensions[1])

	// Second step: past of one position, self cache grows, cross stays.
	step2, err := dec.Forward(context.Background(), &blenderbot.DecoderInput{
		InputIDs:            tensors.FromFlatDataAndDimensions([]int64{7}, 1, 1),
		EncoderHiddenStates: encOut.LastHiddenState,
		Cache:               step1.Cache,
		UseCache:            true,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, step2.Cache.Layers[0][blenderbot.CacheSelfKey].Shape().Dimensions[1])
	assert.Equal(t, 3, step2.Cache.Layers[0][blenderbot.CacheCrossKey].Shape().Dimensions[1])
}

func TestDecoderFullPassWithMasks(t *testing.T) {
	cfg := testConfig()
	init := blenderbot.NewWeightInit(cfg.InitStd, 3)
	emb, err := blenderbot.NewSharedEmbedding(
		init.Embedding(cfg.VocabSize, cfg.DModel, cfg.PadTokenID), cfg.DType, cfg.PadTokenID)
	require.NoError(t, err)

	engine := newTestEngine(t)
	dec, err := NewDecoder(cfg, emb, engine, init)
	require.NoError(t, err)

	encHidden := tensors.FromFlatDataAndDimensions(make([]float32, 1*3*cfg.DModel), 1, 3, cfg.DModel)
	causal := blenderbot.CausalScoreMask(2, cfg.DType.ScoreFloor())

	out, err := dec.Forward(context.Background(), &blenderbot.DecoderInput{
		InputIDs:            tensors.FromFlatDataAndDimensions([]int64{1, 5}, 1, 2),
		EncoderHiddenStates: encHidden,
		CausalMask:          causal,
		UseCache:            false,
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, cfg.DModel}, out.LastHiddenState.Shape().Dimensions)
	assert.Nil(t, out.Cache)
}

func TestModelEndToEndForward(t *testing.T) {
	cfg := testConfig()
	model, err := NewModel(cfg, newTestEngine(t), 4)
	require.NoError(t, err)

	out, err := model.Forward(context.Background(), &blenderbot.ForwardInput{
		InputIDs:        tensors.FromFlatDataAndDimensions([]int64{5, 6, 2}, 1, 3),
		DecoderInputIDs: tensors.FromFlatDataAndDimensions([]int64{1, 7}, 1, 2),
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, cfg.VocabSize}, out.Logits.Shape().Dimensions)

	flat := tensors.MustCopyFlatData[float32](out.Logits)
	assert.Equal(t, cfg.DType.ScoreFloor(), flat[cfg.BOSTokenID])
}
