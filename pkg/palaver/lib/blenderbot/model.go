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
	"errors"
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"go.uber.org/zap"

	"github.com/antflydb/palaver/pkg/palaver/lib/backends"
)

// Caller contract violations.
var (
	// ErrMissingDecoderInputIDs reports a forward call where decoder input
	// ids could not be resolved (none given and no source ids to derive
	// them from).
	ErrMissingDecoderInputIDs = errors.New("blenderbot: decoder input ids missing")
	// ErrMissingPast reports generation-input preparation without the state
	// carried over from the previous step.
	ErrMissingPast = errors.New("blenderbot: past state missing")
	// ErrScoreRank reports a score tensor that is not [batch, vocab].
	ErrScoreRank = errors.New("blenderbot: expected rank 2 scores")
)

// Labels equal to this value do not contribute to the loss.
const lossIgnoreID int64 = -100

// generationBOSFloor is the score written over the BOS column during
// generation. It is the float16 floor independent of the weight precision,
// unlike the output head which floors at the declared precision.
const generationBOSFloor float32 = -65504

// Model composes an encoder, a decoder, the shared embedding table and the
// output projection into a conditional-generation model.
type Model struct {
	cfg     *Config
	shared  *SharedEmbedding
	encoder Encoder
	decoder Decoder
	head    *OutputHead
	logger  *zap.Logger
}

// EncoderFactory builds the source-side half over the shared table.
type EncoderFactory func(cfg *Config, emb *SharedEmbedding, engine *backends.Engine) (Encoder, error)

// DecoderFactory builds the target-side half over the shared table.
type DecoderFactory func(cfg *Config, emb *SharedEmbedding, engine *backends.Engine) (Decoder, error)

// Option configures a Model.
type Option func(*modelOptions)

type modelOptions struct {
	logger *zap.Logger
	seed   int64
}

// WithLogger sets the structured logger; default is a nop logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *modelOptions) { o.logger = l }
}

// WithSeed sets the weight initialization seed.
func WithSeed(seed int64) Option {
	return func(o *modelOptions) { o.seed = seed }
}

// New builds a model: draws the shared embedding table (normal(0, InitStd),
// padding row zeroed), constructs the encoder and decoder over it, and ties
// the output projection to the same table.
func New(cfg *Config, engine *backends.Engine, newEncoder EncoderFactory, newDecoder DecoderFactory, opts ...Option) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &modelOptions{logger: zap.NewNop(), seed: 42}
	for _, opt := range opts {
		opt(o)
	}

	init := NewWeightInit(cfg.InitStd, o.seed)
	table := init.Embedding(cfg.VocabSize, cfg.DModel, cfg.PadTokenID)
	shared, err := NewSharedEmbedding(table, cfg.DType, cfg.PadTokenID)
	if err != nil {
		return nil, err
	}

	encoder, err := newEncoder(cfg, shared, engine)
	if err != nil {
		return nil, fmt.Errorf("building encoder: %w", err)
	}
	decoder, err := newDecoder(cfg, shared, engine)
	if err != nil {
		return nil, fmt.Errorf("building decoder: %w", err)
	}
	head, err := NewOutputHead(engine, shared, cfg.BOSTokenID)
	if err != nil {
		return nil, fmt.Errorf("building output head: %w", err)
	}

	o.logger.Info("model constructed",
		zap.Int("vocab_size", cfg.VocabSize),
		zap.Int("d_model", cfg.DModel),
		zap.String("dtype", string(cfg.DType)))

	return &Model{
		cfg:     cfg,
		shared:  shared,
		encoder: encoder,
		decoder: decoder,
		head:    head,
		logger:  o.logger,
	}, nil
}

// ForwardInput carries one forward call. Pointer flags are tri-state: nil
// defers to the config.
type ForwardInput struct {
	// InputIDs is the [batch, srcLen] int64 source tensor. May be nil when
	// EncoderOutputs is supplied and DecoderInputIDs is set.
	InputIDs *tensors.Tensor
	// AttentionMask marks real source tokens true ([batch, srcLen] bool).
	AttentionMask *tensors.Tensor
	// EncoderOutputs, when set, skips the encoder pass.
	EncoderOutputs *EncoderOutput
	// DecoderInputIDs is the [batch, tgtLen] int64 target prefix. When nil
	// it is derived from InputIDs by shifting right, and cache use is
	// forced off for this call.
	DecoderInputIDs *tensors.Tensor
	// DecoderAttentionMask marks real target tokens true. Nil derives the
	// padding mask from the resolved decoder ids.
	DecoderAttentionMask *tensors.Tensor
	// Cache is the decoder key/value state from the previous step.
	Cache *DecoderCache
	// Labels, when set, adds a cross-entropy loss over the scores.
	Labels *tensors.Tensor

	UseCache           *bool
	OutputAttentions   *bool
	OutputHiddenStates *bool
}

// Seq2SeqOutput is the canonical structured result of a forward call.
type Seq2SeqOutput struct {
	Loss                   *float32
	Logits                 *tensors.Tensor // [batch, tgtLen, vocab]
	Cache                  *DecoderCache
	DecoderHiddenStates    []*tensors.Tensor
	DecoderAttentions      []*tensors.Tensor
	EncoderLastHiddenState *tensors.Tensor
	EncoderHiddenStates    []*tensors.Tensor
	EncoderAttentions      []*tensors.Tensor
}

// Flatten renders the record as a positional tuple, skipping unset fields:
// loss, logits, cache, decoder hidden states, decoder attentions, encoder
// last hidden state, encoder hidden states, encoder attentions.
func (o *Seq2SeqOutput) Flatten() []any {
	out := make([]any, 0, 8)
	if o.Loss != nil {
		out = append(out, *o.Loss)
	}
	out = append(out, o.Logits)
	if o.Cache != nil {
		out = append(out, o.Cache)
	}
	if o.DecoderHiddenStates != nil {
		out = append(out, o.DecoderHiddenStates)
	}
	if o.DecoderAttentions != nil {
		out = append(out, o.DecoderAttentions)
	}
	if o.EncoderLastHiddenState != nil {
		out = append(out, o.EncoderLastHiddenState)
	}
	if o.EncoderHiddenStates != nil {
		out = append(out, o.EncoderHiddenStates)
	}
	if o.EncoderAttentions != nil {
		out = append(out, o.EncoderAttentions)
	}
	return out
}

func resolveFlag(override *bool, fallback bool) bool {
	if override != nil {
		return *override
	}
	return fallback
}

// Forward runs one pass over both halves: resolve flags, encode the source
// (unless precomputed outputs are given), prepare the decoder inputs and
// masks (skipped under cache use), decode, project through the shared table
// with the BOS column floored, and optionally score labels.
//
// Cache use is forced off when no decoder input ids are given, since the
// derived shift-right target needs the full prefix.
func (m *Model) Forward(ctx context.Context, in *ForwardInput) (*Seq2SeqOutput, error) {
	if in == nil {
		return nil, fmt.Errorf("blenderbot: nil forward input")
	}

	useCache := resolveFlag(in.UseCache, m.cfg.UseCache)
	if in.DecoderInputIDs == nil {
		useCache = false
	}
	outputAttentions := resolveFlag(in.OutputAttentions, m.cfg.OutputAttentions)
	outputHiddenStates := resolveFlag(in.OutputHiddenStates, m.cfg.OutputHiddenStates)

	encOut := in.EncoderOutputs
	if encOut == nil {
		if in.InputIDs == nil {
			return nil, fmt.Errorf("blenderbot: neither input ids nor encoder outputs given")
		}
		var err error
		encOut, err = m.encoder.Forward(ctx, &EncoderInput{
			InputIDs:           in.InputIDs,
			AttentionMask:      in.AttentionMask,
			OutputAttentions:   outputAttentions,
			OutputHiddenStates: outputHiddenStates,
		})
		if err != nil {
			return nil, fmt.Errorf("encoder forward: %w", err)
		}
	}

	decIDs := in.DecoderInputIDs
	var padMask, causal *tensors.Tensor
	if !useCache {
		var err error
		decIDs, padMask, causal, err = prepareDecoderInputs(m.cfg, in.InputIDs, in.DecoderInputIDs, in.DecoderAttentionMask)
		if err != nil {
			return nil, err
		}
	}
	if decIDs == nil {
		return nil, ErrMissingDecoderInputIDs
	}

	m.logger.Debug("forward",
		zap.Bool("use_cache", useCache),
		zap.Bool("encoder_precomputed", in.EncoderOutputs != nil))

	decOut, err := m.decoder.Forward(ctx, &DecoderInput{
		InputIDs:             decIDs,
		EncoderHiddenStates:  encOut.LastHiddenState,
		EncoderAttentionMask: in.AttentionMask,
		PaddingMask:          padMask,
		CausalMask:           causal,
		Cache:                in.Cache,
		UseCache:             useCache,
		OutputAttentions:     outputAttentions,
		OutputHiddenStates:   outputHiddenStates,
	})
	if err != nil {
		return nil, fmt.Errorf("decoder forward: %w", err)
	}

	scores, err := m.head.Project(decOut.LastHiddenState)
	if err != nil {
		return nil, err
	}

	out := &Seq2SeqOutput{
		Logits:                 scores,
		Cache:                  decOut.Cache,
		DecoderHiddenStates:    decOut.HiddenStates,
		DecoderAttentions:      decOut.Attentions,
		EncoderLastHiddenState: encOut.LastHiddenState,
		EncoderHiddenStates:    encOut.HiddenStates,
		EncoderAttentions:      encOut.Attentions,
	}

	if in.Labels != nil {
		loss, err := crossEntropy(scores, in.Labels, lossIgnoreID)
		if err != nil {
			return nil, err
		}
		out.Loss = &loss
	}
	return out, nil
}

// PrepareInputsForGeneration assembles the forward input for one generation
// step from the state retained after the previous step. The past must
// exist, even on the first step, since it carries the encoder outputs.
func (m *Model) PrepareInputsForGeneration(decoderInputIDs *tensors.Tensor, past *Past, attentionMask *tensors.Tensor, useCache bool) (*ForwardInput, error) {
	if past == nil {
		return nil, ErrMissingPast
	}
	return &ForwardInput{
		InputIDs:        nil,
		EncoderOutputs:  past.EncoderOutput,
		DecoderInputIDs: decoderInputIDs,
		AttentionMask:   attentionMask,
		Cache:           past.Cache,
		UseCache:        &useCache,
	}, nil
}

// AdjustLogitsDuringGeneration rewrites [batch, vocab] next-token scores
// for one generation step: the BOS column is floored at -65504 regardless
// of the weight precision, and at the step producing position maxLength-1
// the end-of-sequence token is forced. The input is not modified.
func (m *Model) AdjustLogitsDuringGeneration(logits *tensors.Tensor, curLen, maxLength int) (*tensors.Tensor, error) {
	if logits == nil || logits.Rank() != 2 {
		return nil, ErrScoreRank
	}
	adjusted, err := suppressColumn(logits, m.cfg.BOSTokenID, generationBOSFloor)
	if err != nil {
		return nil, err
	}
	if curLen == maxLength-1 && m.cfg.EOSTokenID >= 0 {
		return ForceTokenScores(adjusted, m.cfg.EOSTokenID)
	}
	return adjusted, nil
}

// ForceTokenScores returns a copy of [batch, vocab] scores where every
// column except the permitted token ids is set to negative infinity.
func ForceTokenScores(scores *tensors.Tensor, tokenIDs ...int64) (*tensors.Tensor, error) {
	if scores == nil || scores.Rank() != 2 {
		return nil, ErrScoreRank
	}
	dims := scores.Shape().Dimensions
	vocab := dims[1]
	permitted := make(map[int64]bool, len(tokenIDs))
	for _, id := range tokenIDs {
		if id < 0 || int(id) >= vocab {
			return nil, fmt.Errorf("blenderbot: forced token id %d outside vocab %d", id, vocab)
		}
		permitted[id] = true
	}
	flat := tensors.MustCopyFlatData[float32](scores)
	negInf := float32(math.Inf(-1))
	for i := range flat {
		if !permitted[int64(i%vocab)] {
			flat[i] = negInf
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...), nil
}

// InputEmbedding returns the shared table handle.
func (m *Model) InputEmbedding() *SharedEmbedding {
	return m.shared
}

// SetInputEmbedding replaces the shared table handle for the wrapper, the
// encoder, the decoder and the output projection together.
func (m *Model) SetInputEmbedding(e *SharedEmbedding) {
	m.shared = e
	m.encoder.SetEmbedding(e)
	m.decoder.SetEmbedding(e)
	m.head.SetEmbedding(e)
}

// OutputEmbedding returns the projection head. Its weights are the shared
// table itself, not a copy.
func (m *Model) OutputEmbedding() *OutputHead {
	return m.head
}

// Encoder returns the source-side half.
func (m *Model) Encoder() Encoder {
	return m.encoder
}

// Decoder returns the target-side half.
func (m *Model) Decoder() Decoder {
	return m.decoder
}

// Config returns the model hyperparameters.
func (m *Model) Config() *Config {
	return m.cfg
}
