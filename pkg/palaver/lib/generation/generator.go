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

// Package generation runs the autoregressive decoding loop over a
// conditional-generation model: encode the source once, then step the
// decoder through the model's generation hooks until the end-of-sequence
// token or the length bound.
package generation

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"go.uber.org/zap"

	"github.com/antflydb/palaver/pkg/palaver/lib/blenderbot"
)

// Config controls the generation loop.
type Config struct {
	// MaxLength bounds the total target length, start token included.
	// Zero falls back to the model's configured max length.
	MaxLength int
	// MinNewTokens suppresses the end-of-sequence token until at least
	// this many tokens were generated.
	MinNewTokens int
	// DoSample switches from greedy decoding to sampling.
	DoSample bool
	// Temperature scales logits before sampling. Ignored when <= 0 or 1.
	Temperature float32
	// TopK keeps only the k most likely tokens when sampling. 0 disables.
	TopK int
	// TopP keeps the smallest probability mass >= p when sampling.
	// Values outside (0, 1) disable it.
	TopP float32
	// RepetitionPenalty penalizes already-generated tokens. 1 disables.
	RepetitionPenalty float32
	// Seed seeds the sampling source.
	Seed int64
}

// DefaultConfig returns greedy decoding with no penalties.
func DefaultConfig() *Config {
	return &Config{
		Temperature:       1.0,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
	}
}

// Generator drives one model through the generation loop. Safe for
// concurrent use only if the underlying model is; see Pooled for
// multiplexing.
type Generator struct {
	model  *blenderbot.Model
	cfg    *Config
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// GeneratorOption configures a Generator.
type GeneratorOption func(*Generator)

// WithGeneratorLogger sets the structured logger; default is a nop logger.
func WithGeneratorLogger(l *zap.Logger) GeneratorOption {
	return func(g *Generator) { g.logger = l }
}

// NewGenerator creates a generator over the given model.
func NewGenerator(model *blenderbot.Model, cfg *Config, opts ...GeneratorOption) *Generator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	g := &Generator{
		model:  model,
		cfg:    cfg,
		logger: zap.NewNop(),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Result holds the outcome of one generation run.
type Result struct {
	// TokenIDs are the generated tokens, start token excluded.
	TokenIDs []int64
	// StoppedAtEOS indicates generation stopped on the end-of-sequence
	// token rather than the length bound.
	StoppedAtEOS bool
	// Steps is the number of decoder steps taken.
	Steps int
}

// Generate runs the loop for one source sequence of token ids.
func (g *Generator) Generate(ctx context.Context, inputIDs []int64) (*Result, error) {
	return g.generate(ctx, inputIDs, nil)
}

// GenerateStreaming runs the loop, invoking callback for every generated
// token. Returning false from the callback stops generation early.
func (g *Generator) GenerateStreaming(ctx context.Context, inputIDs []int64, callback func(token int64) bool) (*Result, error) {
	return g.generate(ctx, inputIDs, callback)
}

func (g *Generator) generate(ctx context.Context, inputIDs []int64, callback func(token int64) bool) (*Result, error) {
	if len(inputIDs) == 0 {
		return nil, fmt.Errorf("generation: empty input")
	}
	mcfg := g.model.Config()

	maxLength := g.cfg.MaxLength
	if maxLength <= 0 {
		maxLength = mcfg.MaxLength
	}

	src := tensors.FromFlatDataAndDimensions(inputIDs, 1, len(inputIDs))
	attnMask := attentionMask(inputIDs, mcfg.PadTokenID)

	encOut, err := g.model.Encoder().Forward(ctx, &blenderbot.EncoderInput{
		InputIDs:      src,
		AttentionMask: attnMask,
	})
	if err != nil {
		return nil, fmt.Errorf("generation: encoding: %w", err)
	}

	past := &blenderbot.Past{EncoderOutput: encOut, EncoderMask: attnMask}
	decoded := []int64{mcfg.DecoderStartTokenID}
	result := &Result{}

	for curLen := len(decoded); curLen < maxLength; curLen++ {
		select {
		case <-ctx.Done():
			result.TokenIDs = decoded[1:]
			return result, ctx.Err()
		default:
		}

		// With a warm cache only the newest token goes in.
		stepIDs := decoded
		if past.Cache != nil {
			stepIDs = decoded[len(decoded)-1:]
		}
		fwdIn, err := g.model.PrepareInputsForGeneration(
			tensors.FromFlatDataAndDimensions(append([]int64{}, stepIDs...), 1, len(stepIDs)),
			past, attnMask, true)
		if err != nil {
			result.TokenIDs = decoded[1:]
			return result, err
		}

		out, err := g.model.Forward(ctx, fwdIn)
		if err != nil {
			result.TokenIDs = decoded[1:]
			return result, fmt.Errorf("generation: step %d: %w", result.Steps, err)
		}
		result.Steps++
		past.Cache = out.Cache

		lastLogits, err := lastPositionScores(out.Logits)
		if err != nil {
			result.TokenIDs = decoded[1:]
			return result, err
		}
		adjusted, err := g.model.AdjustLogitsDuringGeneration(lastLogits, curLen, maxLength)
		if err != nil {
			result.TokenIDs = decoded[1:]
			return result, err
		}

		scores := tensors.MustCopyFlatData[float32](adjusted)
		generated := decoded[1:]
		next := g.selectNextToken(scores, generated)

		if next == mcfg.EOSTokenID {
			if len(generated) >= g.cfg.MinNewTokens {
				result.TokenIDs = generated
				result.StoppedAtEOS = true
				g.logger.Debug("generation stopped at eos",
					zap.Int("tokens", len(generated)), zap.Int("steps", result.Steps))
				return result, nil
			}
			scores[next] = float32(math.Inf(-1))
			next = g.selectNextToken(scores, generated)
		}

		if callback != nil && !callback(next) {
			result.TokenIDs = append(generated, next)
			return result, nil
		}
		decoded = append(decoded, next)
	}

	result.TokenIDs = decoded[1:]
	g.logger.Debug("generation hit length bound",
		zap.Int("tokens", len(result.TokenIDs)), zap.Int("steps", result.Steps))
	return result, nil
}

// selectNextToken picks a token from next-position scores.
func (g *Generator) selectNextToken(logits []float32, generatedTokens []int64) int64 {
	logitsCopy := make([]float32, len(logits))
	copy(logitsCopy, logits)

	if g.cfg.RepetitionPenalty != 1.0 && g.cfg.RepetitionPenalty > 0 {
		applyRepetitionPenalty(logitsCopy, generatedTokens, g.cfg.RepetitionPenalty)
	}

	if !g.cfg.DoSample {
		return Argmax(logitsCopy)
	}

	if g.cfg.Temperature != 1.0 && g.cfg.Temperature > 0 {
		for i := range logitsCopy {
			logitsCopy[i] /= g.cfg.Temperature
		}
	}

	probs := Softmax(logitsCopy)

	if g.cfg.TopK > 0 && g.cfg.TopK < len(probs) {
		probs = TopK(probs, g.cfg.TopK)
	}
	if g.cfg.TopP < 1.0 && g.cfg.TopP > 0 {
		probs = TopP(probs, g.cfg.TopP)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return Sample(g.rng, probs)
}

// attentionMask marks non-padding source positions, or nil when the input
// has no padding.
func attentionMask(inputIDs []int64, padID int64) *tensors.Tensor {
	hasPad := false
	mask := make([]bool, len(inputIDs))
	for i, tok := range inputIDs {
		mask[i] = tok != padID
		if tok == padID {
			hasPad = true
		}
	}
	if !hasPad {
		return nil
	}
	return tensors.FromFlatDataAndDimensions(mask, 1, len(inputIDs))
}

// lastPositionScores slices [batch, tgtLen, vocab] logits down to the
// newest position as [batch, vocab].
func lastPositionScores(logits *tensors.Tensor) (*tensors.Tensor, error) {
	if logits == nil || logits.Rank() != 3 {
		return nil, fmt.Errorf("generation: expected rank 3 logits")
	}
	dims := logits.Shape().Dimensions
	batch, tgtLen, vocab := dims[0], dims[1], dims[2]
	flat := tensors.MustCopyFlatData[float32](logits)

	out := make([]float32, batch*vocab)
	for b := 0; b < batch; b++ {
		start := (b*tgtLen + tgtLen - 1) * vocab
		copy(out[b*vocab:(b+1)*vocab], flat[start:start+vocab])
	}
	return tensors.FromFlatDataAndDimensions(out, batch, vocab), nil
}
