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
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/antflydb/palaver/pkg/palaver/lib/backends"
	"github.com/antflydb/palaver/pkg/palaver/lib/blenderbot"
)

// Encoder is a post-norm transformer encoder over the shared embedding
// table.
type Encoder struct {
	cfg       *blenderbot.Config
	embedding *blenderbot.SharedEmbedding
	engine    *backends.Engine
	positions *tensors.Tensor
	layers    []encoderLayerWeights

	mu    sync.Mutex
	ctx   *mlctx.Context
	execs map[string]*mlctx.Exec
}

var _ blenderbot.Encoder = (*Encoder)(nil)

// NewEncoder draws the encoder weights and prepares the position table.
func NewEncoder(cfg *blenderbot.Config, emb *blenderbot.SharedEmbedding, engine *backends.Engine, init *blenderbot.WeightInit) (*Encoder, error) {
	if cfg.EncoderLayers <= 0 || cfg.EncoderAttentionHeads <= 0 {
		return nil, fmt.Errorf("encoder: invalid layer/head counts (%d, %d)", cfg.EncoderLayers, cfg.EncoderAttentionHeads)
	}
	layers := make([]encoderLayerWeights, cfg.EncoderLayers)
	for i := range layers {
		layers[i] = newEncoderLayer(init, cfg.DModel, cfg.EncoderFFNDim)
	}
	return &Encoder{
		cfg:       cfg,
		embedding: emb,
		engine:    engine,
		positions: sinusoidalTable(cfg.MaxPositionEmbeddings, cfg.DModel),
		layers:    layers,
		ctx:       mlctx.New(),
		execs:     map[string]*mlctx.Exec{},
	}, nil
}

// SetEmbedding points the encoder at a (possibly new) shared table.
func (e *Encoder) SetEmbedding(emb *blenderbot.SharedEmbedding) {
	e.embedding = emb
}

// Forward runs the encoder stack over the source ids.
func (e *Encoder) Forward(ctx context.Context, in *blenderbot.EncoderInput) (*blenderbot.EncoderOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if in == nil || in.InputIDs == nil {
		return nil, fmt.Errorf("encoder: nil input ids")
	}
	if in.InputIDs.Rank() != 2 {
		return nil, fmt.Errorf("encoder: expected rank 2 input ids, got rank %d", in.InputIDs.Rank())
	}
	seqLen := in.InputIDs.Shape().Dimensions[1]
	positions, err := positionRows(e.positions, 0, seqLen)
	if err != nil {
		return nil, fmt.Errorf("encoder: %w", err)
	}

	hasMask := in.AttentionMask != nil
	args := &argList{}
	args.add(in.InputIDs)
	args.add(e.embedding.Weights())
	args.add(positions)
	if hasMask {
		args.add(in.AttentionMask)
	}
	for _, layer := range e.layers {
		args.addAttention(layer.selfAttn)
		args.addNorm(layer.selfNorm)
		args.addLinear(layer.fc1)
		args.addLinear(layer.fc2)
		args.addNorm(layer.finalNorm)
	}

	exec, err := e.exec(hasMask, in.OutputAttentions, in.OutputHiddenStates)
	if err != nil {
		return nil, err
	}
	results, err := exec.Exec(args.args...)
	if err != nil {
		return nil, fmt.Errorf("encoder exec: %w", err)
	}

	out := &blenderbot.EncoderOutput{LastHiddenState: results[0]}
	rest := results[1:]
	if in.OutputHiddenStates {
		n := len(e.layers) + 1
		out.HiddenStates = rest[:n]
		rest = rest[n:]
	}
	if in.OutputAttentions {
		out.Attentions = rest[:len(e.layers)]
	}
	return out, nil
}

// exec returns the compiled graph for the given flag combination, building
// it on first use. Shape specialization is handled by the exec itself.
func (e *Encoder) exec(hasMask, outputAttentions, outputHiddenStates bool) (*mlctx.Exec, error) {
	key := fmt.Sprintf("mask=%t/attn=%t/hidden=%t", hasMask, outputAttentions, outputHiddenStates)

	e.mu.Lock()
	defer e.mu.Unlock()
	if exec, ok := e.execs[key]; ok {
		return exec, nil
	}

	numHeads := e.cfg.EncoderAttentionHeads
	numLayers := len(e.layers)
	floor := e.cfg.DType.ScoreFloor()
	dim := e.cfg.DModel

	backend, err := e.engine.Backend()
	if err != nil {
		return nil, err
	}
	exec, err := mlctx.NewExecAny(backend, e.ctx, func(_ *mlctx.Context, inputs []*graph.Node) []*graph.Node {
		f := &feed{nodes: inputs}
		ids := f.next()
		table := f.next()
		positions := f.next()
		var keyBlocked *graph.Node
		if hasMask {
			keyBlocked = graph.LogicalNot(f.next())
		}

		x := embedTokens(ids, table, positions, dim)

		hiddens := []*graph.Node{x}
		var attentions []*graph.Node
		for i := 0; i < numLayers; i++ {
			attn := f.nextAttention()
			selfNorm := f.nextNorm()
			fc1 := f.nextLinear()
			fc2 := f.nextLinear()
			finalNorm := f.nextNorm()

			residual := x
			q := splitHeads(dense(x, attn.query), numHeads)
			k := splitHeads(dense(x, attn.key), numHeads)
			v := splitHeads(dense(x, attn.value), numHeads)
			attnOut, weights := attend(q, k, v, nil, keyBlocked, floor)
			x = layerNorm(graph.Add(residual, dense(attnOut, attn.out)), selfNorm)

			residual = x
			x = dense(gelu(dense(x, fc1)), fc2)
			x = layerNorm(graph.Add(residual, x), finalNorm)

			hiddens = append(hiddens, x)
			attentions = append(attentions, weights)
		}

		outputs := []*graph.Node{x}
		if outputHiddenStates {
			outputs = append(outputs, hiddens...)
		}
		if outputAttentions {
			outputs = append(outputs, attentions...)
		}
		return outputs
	})
	if err != nil {
		return nil, fmt.Errorf("encoder compile: %w", err)
	}
	e.execs[key] = exec
	return exec, nil
}
