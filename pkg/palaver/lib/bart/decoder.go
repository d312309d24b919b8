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

// Decoder is a post-norm transformer decoder with causal self-attention,
// cross-attention over encoder states, and an explicit per-layer key/value
// cache for incremental decoding.
type Decoder struct {
	cfg       *blenderbot.Config
	embedding *blenderbot.SharedEmbedding
	engine    *backends.Engine
	positions *tensors.Tensor
	layers    []decoderLayerWeights

	mu    sync.Mutex
	ctx   *mlctx.Context
	execs map[string]*mlctx.Exec
}

var _ blenderbot.Decoder = (*Decoder)(nil)

// NewDecoder draws the decoder weights and prepares the position table.
func NewDecoder(cfg *blenderbot.Config, emb *blenderbot.SharedEmbedding, engine *backends.Engine, init *blenderbot.WeightInit) (*Decoder, error) {
	if cfg.DecoderLayers <= 0 || cfg.DecoderAttentionHeads <= 0 {
		return nil, fmt.Errorf("decoder: invalid layer/head counts (%d, %d)", cfg.DecoderLayers, cfg.DecoderAttentionHeads)
	}
	layers := make([]decoderLayerWeights, cfg.DecoderLayers)
	for i := range layers {
		layers[i] = newDecoderLayer(init, cfg.DModel, cfg.DecoderFFNDim)
	}
	return &Decoder{
		cfg:       cfg,
		embedding: emb,
		engine:    engine,
		positions: sinusoidalTable(cfg.MaxPositionEmbeddings, cfg.DModel),
		layers:    layers,
		ctx:       mlctx.New(),
		execs:     map[string]*mlctx.Exec{},
	}, nil
}

// SetEmbedding points the decoder at a (possibly new) shared table.
func (d *Decoder) SetEmbedding(emb *blenderbot.SharedEmbedding) {
	d.embedding = emb
}

// pastLength returns the number of already-cached self-attention positions.
func pastLength(cache *blenderbot.DecoderCache) int {
	if cache == nil || len(cache.Layers) == 0 {
		return 0
	}
	k, ok := cache.Layers[0][blenderbot.CacheSelfKey]
	if !ok || k == nil {
		return 0
	}
	return k.Shape().Dimensions[1]
}

// Forward runs the decoder stack over the target prefix (or, under cache
// use, the newest positions only).
func (d *Decoder) Forward(ctx context.Context, in *blenderbot.DecoderInput) (*blenderbot.DecoderOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if in == nil || in.InputIDs == nil {
		return nil, fmt.Errorf("decoder: nil input ids")
	}
	if in.InputIDs.Rank() != 2 {
		return nil, fmt.Errorf("decoder: expected rank 2 input ids, got rank %d", in.InputIDs.Rank())
	}
	if in.EncoderHiddenStates == nil {
		return nil, fmt.Errorf("decoder: nil encoder hidden states")
	}

	seqLen := in.InputIDs.Shape().Dimensions[1]
	past := 0
	if in.UseCache {
		past = pastLength(in.Cache)
	}
	positions, err := positionRows(d.positions, past, seqLen)
	if err != nil {
		return nil, fmt.Errorf("decoder: %w", err)
	}

	sig := execSignature{
		hasPast:            past > 0,
		emitCache:          in.UseCache,
		hasEncMask:         in.EncoderAttentionMask != nil,
		hasCausal:          in.CausalMask != nil,
		hasPadMask:         in.PaddingMask != nil,
		outputAttentions:   in.OutputAttentions,
		outputHiddenStates: in.OutputHiddenStates,
	}

	args := &argList{}
	args.add(in.InputIDs)
	args.add(d.embedding.Weights())
	args.add(positions)
	if !sig.hasPast {
		args.add(in.EncoderHiddenStates)
	}
	if sig.hasEncMask {
		args.add(in.EncoderAttentionMask)
	}
	if sig.hasCausal {
		args.add(in.CausalMask)
	}
	if sig.hasPadMask {
		args.add(in.PaddingMask)
	}
	for _, layer := range d.layers {
		args.addAttention(layer.selfAttn)
		args.addNorm(layer.selfNorm)
		args.addAttention(layer.crossAttn)
		args.addNorm(layer.crossNorm)
		args.addLinear(layer.fc1)
		args.addLinear(layer.fc2)
		args.addNorm(layer.finalNorm)
	}
	if sig.hasPast {
		for i := range d.layers {
			layer := in.Cache.Layers[i]
			for _, name := range []string{
				blenderbot.CacheSelfKey, blenderbot.CacheSelfValue,
				blenderbot.CacheCrossKey, blenderbot.CacheCrossValue,
			} {
				t, ok := layer[name]
				if !ok || t == nil {
					return nil, fmt.Errorf("decoder: cache layer %d missing %s", i, name)
				}
				args.add(t)
			}
		}
	}

	exec, err := d.exec(sig)
	if err != nil {
		return nil, err
	}
	results, err := exec.Exec(args.args...)
	if err != nil {
		return nil, fmt.Errorf("decoder exec: %w", err)
	}

	out := &blenderbot.DecoderOutput{LastHiddenState: results[0]}
	rest := results[1:]
	if sig.emitCache {
		cache := blenderbot.NewDecoderCache(len(d.layers))
		for i := range d.layers {
			cache.Layers[i] = blenderbot.LayerCache{
				blenderbot.CacheSelfKey:    rest[0],
				blenderbot.CacheSelfValue:  rest[1],
				blenderbot.CacheCrossKey:   rest[2],
				blenderbot.CacheCrossValue: rest[3],
			}
			rest = rest[4:]
		}
		out.Cache = cache
	}
	if sig.outputHiddenStates {
		n := len(d.layers) + 1
		out.HiddenStates = rest[:n]
		rest = rest[n:]
	}
	if sig.outputAttentions {
		out.Attentions = rest[:len(d.layers)]
	}
	return out, nil
}

type execSignature struct {
	hasPast            bool
	emitCache          bool
	hasEncMask         bool
	hasCausal          bool
	hasPadMask         bool
	outputAttentions   bool
	outputHiddenStates bool
}

func (s execSignature) String() string {
	return fmt.Sprintf("past=%t/cache=%t/encmask=%t/causal=%t/padmask=%t/attn=%t/hidden=%t",
		s.hasPast, s.emitCache, s.hasEncMask, s.hasCausal, s.hasPadMask,
		s.outputAttentions, s.outputHiddenStates)
}

// exec returns the compiled graph for the given signature, building it on
// first use.
func (d *Decoder) exec(sig execSignature) (*mlctx.Exec, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if exec, ok := d.execs[sig.String()]; ok {
		return exec, nil
	}

	numHeads := d.cfg.DecoderAttentionHeads
	numLayers := len(d.layers)
	floor := d.cfg.DType.ScoreFloor()
	dim := d.cfg.DModel

	backend, err := d.engine.Backend()
	if err != nil {
		return nil, err
	}
	exec, err := mlctx.NewExecAny(backend, d.ctx, func(_ *mlctx.Context, inputs []*graph.Node) []*graph.Node {
		f := &feed{nodes: inputs}
		ids := f.next()
		table := f.next()
		positions := f.next()
		var encHidden *graph.Node
		if !sig.hasPast {
			encHidden = f.next()
		}
		var encBlocked *graph.Node
		if sig.hasEncMask {
			encBlocked = graph.LogicalNot(f.next())
		}
		var causal *graph.Node
		if sig.hasCausal {
			causal = f.next()
		}
		var padBlocked *graph.Node
		if sig.hasPadMask {
			padBlocked = f.next()
		}

		type layerNodes struct {
			selfAttn  attentionNodes
			selfNorm  normNodes
			crossAttn attentionNodes
			crossNorm normNodes
			fc1, fc2  linearNodes
			finalNorm normNodes
		}
		layers := make([]layerNodes, numLayers)
		for i := range layers {
			layers[i] = layerNodes{
				selfAttn:  f.nextAttention(),
				selfNorm:  f.nextNorm(),
				crossAttn: f.nextAttention(),
				crossNorm: f.nextNorm(),
				fc1:       f.nextLinear(),
				fc2:       f.nextLinear(),
				finalNorm: f.nextNorm(),
			}
		}
		type pastNodes struct {
			selfKey, selfValue, crossKey, crossValue *graph.Node
		}
		var pasts []pastNodes
		if sig.hasPast {
			pasts = make([]pastNodes, numLayers)
			for i := range pasts {
				pasts[i] = pastNodes{
					selfKey:    f.next(),
					selfValue:  f.next(),
					crossKey:   f.next(),
					crossValue: f.next(),
				}
			}
		}

		x := embedTokens(ids, table, positions, dim)

		hiddens := []*graph.Node{x}
		var attentions []*graph.Node
		var cacheOut []*graph.Node
		for i, layer := range layers {
			residual := x
			q := splitHeads(dense(x, layer.selfAttn.query), numHeads)
			k := splitHeads(dense(x, layer.selfAttn.key), numHeads)
			v := splitHeads(dense(x, layer.selfAttn.value), numHeads)
			if sig.hasPast {
				k = graph.Concatenate([]*graph.Node{pasts[i].selfKey, k}, 1)
				v = graph.Concatenate([]*graph.Node{pasts[i].selfValue, v}, 1)
			}
			attnOut, weights := attend(q, k, v, causal, padBlocked, floor)
			x = layerNorm(graph.Add(residual, dense(attnOut, layer.selfAttn.out)), layer.selfNorm)

			residual = x
			q2 := splitHeads(dense(x, layer.crossAttn.query), numHeads)
			var ck, cv *graph.Node
			if sig.hasPast {
				ck, cv = pasts[i].crossKey, pasts[i].crossValue
			} else {
				ck = splitHeads(dense(encHidden, layer.crossAttn.key), numHeads)
				cv = splitHeads(dense(encHidden, layer.crossAttn.value), numHeads)
			}
			crossOut, _ := attend(q2, ck, cv, nil, encBlocked, floor)
			x = layerNorm(graph.Add(residual, dense(crossOut, layer.crossAttn.out)), layer.crossNorm)

			residual = x
			x = dense(gelu(dense(x, layer.fc1)), layer.fc2)
			x = layerNorm(graph.Add(residual, x), layer.finalNorm)

			hiddens = append(hiddens, x)
			attentions = append(attentions, weights)
			if sig.emitCache {
				cacheOut = append(cacheOut, k, v, ck, cv)
			}
		}

		outputs := []*graph.Node{x}
		outputs = append(outputs, cacheOut...)
		if sig.outputHiddenStates {
			outputs = append(outputs, hiddens...)
		}
		if sig.outputAttentions {
			outputs = append(outputs, attentions...)
		}
		return outputs
	})
	if err != nil {
		return nil, fmt.Errorf("decoder compile: %w", err)
	}
	d.execs[sig.String()] = exec
	return exec, nil
}
