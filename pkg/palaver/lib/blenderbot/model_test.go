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
	"context"
	"math"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pbackends "github.com/antflydb/palaver/pkg/palaver/lib/backends"
)

func newTestEngine(t *testing.T) *pbackends.Engine {
	t.Helper()
	engine, err := pbackends.NewEngine("go")
	require.NoError(t, err)
	return engine
}

func testConfig() *Config {
	return &Config{
		VocabSize:             8,
		DModel:                4,
		EncoderLayers:         1,
		DecoderLayers:         1,
		EncoderAttentionHeads: 2,
		DecoderAttentionHeads: 2,
		EncoderFFNDim:         8,
		DecoderFFNDim:         8,
		MaxPositionEmbeddings: 16,
		PadTokenID:            0,
		BOSTokenID:            1,
		EOSTokenID:            2,
		DecoderStartTokenID:   1,
		InitStd:               0.02,
		UseCache:              true,
		MaxLength:             8,
		DType:                 DTypeFloat32,
	}
}

// stubEncoder returns all-ones hidden states and records its calls.
type stubEncoder struct {
	emb    *SharedEmbedding
	dModel int
	calls  int
	last   *EncoderInput
}

func (e *stubEncoder) Forward(_ context.Context, in *EncoderInput) (*EncoderOutput, error) {
	e.calls++
	e.last = in
	dims := in.InputIDs.Shape().Dimensions
	data := make([]float32, dims[0]*dims[1]*e.dModel)
	for i := range data {
		data[i] = 1
	}
	return &EncoderOutput{
		LastHiddenState: tensors.FromFlatDataAndDimensions(data, dims[0], dims[1], e.dModel),
	}, nil
}

func (e *stubEncoder) SetEmbedding(emb *SharedEmbedding) { e.emb = emb }

// stubDecoder returns all-ones hidden states, extends a cache when asked,
// and records its calls.
type stubDecoder struct {
	emb   *SharedEmbedding
	cfg   *Config
	calls int
	last  *DecoderInput
}

func (d *stubDecoder) Forward(_ context.Context, in *DecoderInput) (*DecoderOutput, error) {
	d.calls++
	d.last = in
	dims := in.InputIDs.Shape().Dimensions
	data := make([]float32, dims[0]*dims[1]*d.cfg.DModel)
	for i := range data {
		data[i] = 1
	}
	out := &DecoderOutput{
		LastHiddenState: tensors.FromFlatDataAndDimensions(data, dims[0], dims[1], d.cfg.DModel),
	}
	if in.UseCache {
		out.Cache = NewDecoderCache(d.cfg.DecoderLayers)
	}
	return out, nil
}

func (d *stubDecoder) SetEmbedding(emb *SharedEmbedding) { d.emb = emb }

func newStubModel(t *testing.T, cfg *Config) (*Model, *stubEncoder, *stubDecoder) {
	t.Helper()
	var enc *stubEncoder
	var dec *stubDecoder
	model, err := New(cfg, newTestEngine(t),
		func(cfg *Config, emb *SharedEmbedding, _ *pbackends.Engine) (Encoder, error) {
			enc = &stubEncoder{emb: emb, dModel: cfg.DModel}
			return enc, nil
		},
		func(cfg *Config, emb *SharedEmbedding, _ *pbackends.Engine) (Decoder, error) {
			dec = &stubDecoder{emb: emb, cfg: cfg}
			return dec, nil
		})
	require.NoError(t, err)
	return model, enc, dec
}

func ids(t *testing.T, rows, cols int, vals ...int64) *tensors.Tensor {
	t.Helper()
	require.Len(t, vals, rows*cols)
	return tensors.FromFlatDataAndDimensions(vals, rows, cols)
}

func TestForwardSuppressesBOSColumn(t *testing.T) {
	cfg := testConfig()
	model, _, _ := newStubModel(t, cfg)

	out, err := model.Forward(context.Background(), &ForwardInput{
		InputIDs:        ids(t, 1, 3, 5, 6, 2),
		DecoderInputIDs: ids(t, 1, 2, 1, 5),
	})
	require.NoError(t, err)
	require.NotNil(t, out.Logits)
	assert.Equal(t, []int{1, 2, cfg.VocabSize}, out.Logits.Shape().Dimensions)

	flat := tensors.MustCopyFlatData[float32](out.Logits)
	floor := cfg.DType.ScoreFloor()
	for pos := 0; pos < 2; pos++ {
		row := flat[pos*cfg.VocabSize : (pos+1)*cfg.VocabSize]
		assert.Equal(t, floor, row[cfg.BOSTokenID])
		// Other columns carry real scores.
		assert.NotEqual(t, floor, row[3])
	}
}

func TestForwardFloat16Floor(t *testing.T) {
	cfg := testConfig()
	cfg.DType = DTypeFloat16
	model, _, _ := newStubModel(t, cfg)

	out, err := model.Forward(context.Background(), &ForwardInput{
		InputIDs:        ids(t, 1, 2, 5, 2),
		DecoderInputIDs: ids(t, 1, 1, 1),
	})
	require.NoError(t, err)

	flat := tensors.MustCopyFlatData[float32](out.Logits)
	assert.Equal(t, float32(-65504), flat[cfg.BOSTokenID])
}

func TestForwardDerivesDecoderInputs(t *testing.T) {
	cfg := testConfig()
	model, _, dec := newStubModel(t, cfg)

	useCache := true
	_, err := model.Forward(context.Background(), &ForwardInput{
		InputIDs: ids(t, 1, 3, 5, 6, 2),
		UseCache: &useCache, // forced off: no decoder ids given
	})
	require.NoError(t, err)

	require.NotNil(t, dec.last)
	assert.False(t, dec.last.UseCache)
	assert.NotNil(t, dec.last.CausalMask)
	// Derived by shifting the source right.
	assert.Equal(t, []int64{2, 5, 6}, tensors.MustCopyFlatData[int64](dec.last.InputIDs))
}

func TestForwardCachedStepSkipsMasks(t *testing.T) {
	cfg := testConfig()
	model, _, dec := newStubModel(t, cfg)

	useCache := true
	cache := NewDecoderCache(cfg.DecoderLayers)
	out, err := model.Forward(context.Background(), &ForwardInput{
		InputIDs:        ids(t, 1, 2, 5, 2),
		DecoderInputIDs: ids(t, 1, 1, 7),
		Cache:           cache,
		UseCache:        &useCache,
	})
	require.NoError(t, err)

	assert.True(t, dec.last.UseCache)
	assert.Nil(t, dec.last.CausalMask)
	assert.Nil(t, dec.last.PaddingMask)
	assert.Same(t, cache, dec.last.Cache)
	assert.NotNil(t, out.Cache)
}

func TestForwardSkipsEncoderWhenOutputsGiven(t *testing.T) {
	cfg := testConfig()
	model, enc, dec := newStubModel(t, cfg)

	encOut := &EncoderOutput{
		LastHiddenState: tensors.FromFlatDataAndDimensions(make([]float32, 1*2*cfg.DModel), 1, 2, cfg.DModel),
	}
	out, err := model.Forward(context.Background(), &ForwardInput{
		EncoderOutputs:  encOut,
		DecoderInputIDs: ids(t, 1, 1, 1),
	})
	require.NoError(t, err)

	assert.Equal(t, 0, enc.calls)
	assert.Equal(t, 1, dec.calls)
	assert.Same(t, encOut.LastHiddenState, out.EncoderLastHiddenState)
}

func TestForwardMissingDecoderIDs(t *testing.T) {
	cfg := testConfig()
	model, _, _ := newStubModel(t, cfg)

	encOut := &EncoderOutput{
		LastHiddenState: tensors.FromFlatDataAndDimensions(make([]float32, cfg.DModel), 1, 1, cfg.DModel),
	}
	_, err := model.Forward(context.Background(), &ForwardInput{EncoderOutputs: encOut})
	require.ErrorIs(t, err, ErrMissingDecoderInputIDs)
}

func TestForwardNoInputsAtAll(t *testing.T) {
	model, _, _ := newStubModel(t, testConfig())
	_, err := model.Forward(context.Background(), &ForwardInput{})
	require.Error(t, err)
}

func TestForwardLoss(t *testing.T) {
	cfg := testConfig()
	model, _, _ := newStubModel(t, cfg)

	out, err := model.Forward(context.Background(), &ForwardInput{
		InputIDs:        ids(t, 1, 2, 5, 2),
		DecoderInputIDs: ids(t, 1, 2, 1, 5),
		Labels:          ids(t, 1, 2, 5, 2),
	})
	require.NoError(t, err)
	require.NotNil(t, out.Loss)
	assert.False(t, math.IsNaN(float64(*out.Loss)))
	assert.Greater(t, *out.Loss, float32(0))
}

func TestPrepareInputsForGeneration(t *testing.T) {
	cfg := testConfig()
	model, _, _ := newStubModel(t, cfg)

	encOut := &EncoderOutput{
		LastHiddenState: tensors.FromFlatDataAndDimensions(make([]float32, cfg.DModel), 1, 1, cfg.DModel),
	}
	cache := NewDecoderCache(cfg.DecoderLayers)
	decIDs := ids(t, 1, 1, 7)
	mask := tensors.FromFlatDataAndDimensions([]bool{true}, 1, 1)

	in, err := model.PrepareInputsForGeneration(decIDs, &Past{
		EncoderOutput: encOut,
		EncoderMask:   mask,
		Cache:         cache,
	}, mask, true)
	require.NoError(t, err)

	assert.Nil(t, in.InputIDs)
	assert.Same(t, encOut, in.EncoderOutputs)
	assert.Same(t, decIDs, in.DecoderInputIDs)
	assert.Same(t, cache, in.Cache)
	require.NotNil(t, in.UseCache)
	assert.True(t, *in.UseCache)
}

func TestPrepareInputsForGenerationRequiresPast(t *testing.T) {
	model, _, _ := newStubModel(t, testConfig())
	_, err := model.PrepareInputsForGeneration(nil, nil, nil, true)
	require.ErrorIs(t, err, ErrMissingPast)
}

func TestAdjustLogitsDuringGeneration(t *testing.T) {
	cfg := testConfig()
	model, _, _ := newStubModel(t, cfg)

	logits := tensors.FromFlatDataAndDimensions([]float32{0, 5, 1, 2, 0, 0, 0, 0}, 1, 8)
	adjusted, err := model.AdjustLogitsDuringGeneration(logits, 3, cfg.MaxLength)
	require.NoError(t, err)

	flat := tensors.MustCopyFlatData[float32](adjusted)
	// BOS floored at the float16 bound regardless of the weight precision.
	assert.Equal(t, float32(-65504), flat[cfg.BOSTokenID])
	assert.Equal(t, float32(2), flat[3])

	// Input untouched.
	assert.Equal(t, float32(5), tensors.MustCopyFlatData[float32](logits)[1])
}

func TestAdjustLogitsForcesEOSAtFinalStep(t *testing.T) {
	cfg := testConfig()
	model, _, _ := newStubModel(t, cfg)

	logits := tensors.FromFlatDataAndDimensions([]float32{0, 5, 1, 2, 3, 0, 0, 0}, 1, 8)
	adjusted, err := model.AdjustLogitsDuringGeneration(logits, cfg.MaxLength-1, cfg.MaxLength)
	require.NoError(t, err)

	flat := tensors.MustCopyFlatData[float32](adjusted)
	negInf := float32(math.Inf(-1))
	for i, v := range flat {
		if int64(i) == cfg.EOSTokenID {
			assert.Equal(t, float32(1), v)
		} else {
			assert.Equal(t, negInf, v)
		}
	}
}

func TestAdjustLogitsRankError(t *testing.T) {
	model, _, _ := newStubModel(t, testConfig())

	bad := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	_, err := model.AdjustLogitsDuringGeneration(bad, 0, 8)
	require.ErrorIs(t, err, ErrScoreRank)
}

func TestForceTokenScores(t *testing.T) {
	scores := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	out, err := ForceTokenScores(scores, 1)
	require.NoError(t, err)

	flat := tensors.MustCopyFlatData[float32](out)
	negInf := float32(math.Inf(-1))
	assert.Equal(t, []float32{negInf, 2, negInf, negInf, 5, negInf}, flat)

	_, err = ForceTokenScores(tensors.FromFlatDataAndDimensions([]float32{1}, 1), 0)
	require.ErrorIs(t, err, ErrScoreRank)

	_, err = ForceTokenScores(scores, 9)
	require.Error(t, err)
}

func TestSetInputEmbeddingPropagates(t *testing.T) {
	cfg := testConfig()
	model, enc, dec := newStubModel(t, cfg)

	table := tensors.FromFlatDataAndDimensions(make([]float32, cfg.VocabSize*cfg.DModel), cfg.VocabSize, cfg.DModel)
	emb, err := NewSharedEmbedding(table, cfg.DType, cfg.PadTokenID)
	require.NoError(t, err)

	model.SetInputEmbedding(emb)
	assert.Same(t, emb, model.InputEmbedding())
	assert.Same(t, emb, enc.emb)
	assert.Same(t, emb, dec.emb)
	assert.Same(t, emb, model.OutputEmbedding().Embedding())
}

func TestOutputEmbeddingSharesStorage(t *testing.T) {
	model, _, _ := newStubModel(t, testConfig())
	assert.Same(t, model.InputEmbedding().Weights(), model.OutputEmbedding().Embedding().Weights())
}

func TestSharedEmbeddingReplaceVisibleEverywhere(t *testing.T) {
	cfg := testConfig()
	model, _, _ := newStubModel(t, cfg)

	table := tensors.FromFlatDataAndDimensions(make([]float32, cfg.VocabSize*cfg.DModel), cfg.VocabSize, cfg.DModel)
	require.NoError(t, model.InputEmbedding().Replace(table))
	assert.Same(t, table, model.OutputEmbedding().Embedding().Weights())
}

func TestSeq2SeqOutputFlatten(t *testing.T) {
	logits := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 1, 2)
	loss := float32(0.5)
	cache := NewDecoderCache(1)

	out := &Seq2SeqOutput{Loss: &loss, Logits: logits, Cache: cache}
	flat := out.Flatten()
	require.Len(t, flat, 3)
	assert.Equal(t, loss, flat[0])
	assert.Same(t, logits, flat[1])
	assert.Same(t, cache, flat[2])

	// No loss, no cache: logits only.
	flat = (&Seq2SeqOutput{Logits: logits}).Flatten()
	require.Len(t, flat, 1)
	assert.Same(t, logits, flat[0])
}

func TestCrossEntropyUniform(t *testing.T) {
	// Uniform scores: loss is ln(vocab).
	scores := tensors.FromFlatDataAndDimensions(make([]float32, 4), 1, 1, 4)
	labels := tensors.FromFlatDataAndDimensions([]int64{2}, 1, 1)

	loss, err := crossEntropy(scores, labels, lossIgnoreID)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), float64(loss), 1e-5)
}

func TestCrossEntropyIgnoresMaskedLabels(t *testing.T) {
	scores := tensors.FromFlatDataAndDimensions(make([]float32, 8), 1, 2, 4)
	labels := tensors.FromFlatDataAndDimensions([]int64{2, lossIgnoreID}, 1, 2)

	loss, err := crossEntropy(scores, labels, lossIgnoreID)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4), float64(loss), 1e-5)
}

func TestCrossEntropyShapeMismatch(t *testing.T) {
	scores := tensors.FromFlatDataAndDimensions(make([]float32, 4), 1, 1, 4)
	labels := tensors.FromFlatDataAndDimensions([]int64{1, 2}, 1, 2)
	_, err := crossEntropy(scores, labels, lossIgnoreID)
	require.Error(t, err)
}
