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
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/antflydb/palaver/pkg/palaver/lib/blenderbot"
)

const layerNormEpsilon = 1e-5

// Host-side weight records. Weights travel into each compiled graph as
// inputs, so replacing the shared embedding table (or any weight) takes
// effect on the next call without recompiling state.

type linearWeights struct {
	w *tensors.Tensor // [in, out]
	b *tensors.Tensor // [out]
}

type normWeights struct {
	scale  *tensors.Tensor // [dim]
	offset *tensors.Tensor // [dim]
}

type attentionWeights struct {
	query, key, value, out linearWeights
}

type encoderLayerWeights struct {
	selfAttn  attentionWeights
	selfNorm  normWeights
	fc1, fc2  linearWeights
	finalNorm normWeights
}

type decoderLayerWeights struct {
	selfAttn  attentionWeights
	selfNorm  normWeights
	crossAttn attentionWeights
	crossNorm normWeights
	fc1, fc2  linearWeights
	finalNorm normWeights
}

func newLinear(init *blenderbot.WeightInit, in, out int) linearWeights {
	w, b := init.Linear(in, out)
	return linearWeights{w: w, b: b}
}

func newNorm(init *blenderbot.WeightInit, dim int) normWeights {
	return normWeights{scale: init.Ones(dim), offset: init.Zeros(dim)}
}

func newAttention(init *blenderbot.WeightInit, dim int) attentionWeights {
	return attentionWeights{
		query: newLinear(init, dim, dim),
		key:   newLinear(init, dim, dim),
		value: newLinear(init, dim, dim),
		out:   newLinear(init, dim, dim),
	}
}

func newEncoderLayer(init *blenderbot.WeightInit, dim, ffnDim int) encoderLayerWeights {
	return encoderLayerWeights{
		selfAttn:  newAttention(init, dim),
		selfNorm:  newNorm(init, dim),
		fc1:       newLinear(init, dim, ffnDim),
		fc2:       newLinear(init, ffnDim, dim),
		finalNorm: newNorm(init, dim),
	}
}

func newDecoderLayer(init *blenderbot.WeightInit, dim, ffnDim int) decoderLayerWeights {
	return decoderLayerWeights{
		selfAttn:  newAttention(init, dim),
		selfNorm:  newNorm(init, dim),
		crossAttn: newAttention(init, dim),
		crossNorm: newNorm(init, dim),
		fc1:       newLinear(init, dim, ffnDim),
		fc2:       newLinear(init, ffnDim, dim),
		finalNorm: newNorm(init, dim),
	}
}

// argList collects exec inputs host-side; feed pops the matching graph
// nodes in the same order inside the graph function.

type argList struct {
	args []any
}

func (a *argList) add(t *tensors.Tensor) { a.args = append(a.args, t) }

func (a *argList) addLinear(l linearWeights) {
	a.add(l.w)
	a.add(l.b)
}

func (a *argList) addNorm(n normWeights) {
	a.add(n.scale)
	a.add(n.offset)
}

func (a *argList) addAttention(w attentionWeights) {
	a.addLinear(w.query)
	a.addLinear(w.key)
	a.addLinear(w.value)
	a.addLinear(w.out)
}

type feed struct {
	nodes []*graph.Node
	pos   int
}

func (f *feed) next() *graph.Node {
	n := f.nodes[f.pos]
	f.pos++
	return n
}

type linearNodes struct{ w, b *graph.Node }

func (f *feed) nextLinear() linearNodes {
	return linearNodes{w: f.next(), b: f.next()}
}

type normNodes struct{ scale, offset *graph.Node }

func (f *feed) nextNorm() normNodes {
	return normNodes{scale: f.next(), offset: f.next()}
}

type attentionNodes struct{ query, key, value, out linearNodes }

func (f *feed) nextAttention() attentionNodes {
	return attentionNodes{
		query: f.nextLinear(),
		key:   f.nextLinear(),
		value: f.nextLinear(),
		out:   f.nextLinear(),
	}
}

// dense applies x @ w + b over the last axis of [batch, seq, in].
func dense(x *graph.Node, l linearNodes) *graph.Node {
	return graph.Add(graph.Einsum("bsi,io->bso", x, l.w), graph.InsertAxes(l.b, 0, 0))
}

// layerNorm normalizes the last axis and applies scale and offset.
func layerNorm(x *graph.Node, n normNodes) *graph.Node {
	mean := graph.ReduceAndKeep(x, graph.ReduceMean, -1)
	centered := graph.Sub(x, mean)
	variance := graph.ReduceAndKeep(graph.Mul(centered, centered), graph.ReduceMean, -1)
	normed := graph.Div(centered, graph.Sqrt(graph.AddScalar(variance, layerNormEpsilon)))
	return graph.Add(graph.Mul(normed, graph.InsertAxes(n.scale, 0, 0)), graph.InsertAxes(n.offset, 0, 0))
}

// gelu is the tanh approximation of the GELU activation.
func gelu(x *graph.Node) *graph.Node {
	c := math.Sqrt(2 / math.Pi)
	inner := graph.MulScalar(graph.Add(x, graph.MulScalar(graph.Mul(graph.Mul(x, x), x), 0.044715)), c)
	return graph.MulScalar(graph.Mul(x, graph.AddScalar(graph.Tanh(inner), 1)), 0.5)
}

// splitHeads reshapes [batch, seq, dim] to [batch, seq, heads, headDim].
func splitHeads(x *graph.Node, heads int) *graph.Node {
	dims := x.Shape().Dimensions
	return graph.Reshape(x, dims[0], dims[1], heads, dims[2]/heads)
}

// mergeHeads reshapes [batch, seq, heads, headDim] back to [batch, seq, dim].
func mergeHeads(x *graph.Node) *graph.Node {
	dims := x.Shape().Dimensions
	return graph.Reshape(x, dims[0], dims[1], dims[2]*dims[3])
}

// attend computes scaled dot-product attention. q, k, v are
// [batch, qLen|kLen, heads, headDim]. causal is an additive [qLen, kLen]
// mask or nil; keyBlocked is a bool [batch, kLen] mask (true = masked out)
// or nil. Returns the merged [batch, qLen, dim] result and the attention
// weights [batch, heads, qLen, kLen].
func attend(q, k, v *graph.Node, causal, keyBlocked *graph.Node, floor float32) (out, weights *graph.Node) {
	headDim := q.Shape().Dimensions[3]
	scores := graph.MulScalar(graph.Einsum("bqhd,bkhd->bhqk", q, k), 1/math.Sqrt(float64(headDim)))
	dims := scores.Shape().Dimensions

	if causal != nil {
		scores = graph.Add(scores, graph.InsertAxes(causal, 0, 0))
	}
	if keyBlocked != nil {
		g := scores.Graph()
		blocked := graph.BroadcastToDims(graph.InsertAxes(keyBlocked, 1, 1), dims...)
		floorNode := graph.BroadcastToDims(graph.Scalar(g, dtypes.Float32, float64(floor)), dims...)
		scores = graph.Where(blocked, floorNode, scores)
	}

	weights = graph.Softmax(scores, -1)
	out = mergeHeads(graph.Einsum("bhqk,bkhd->bqhd", weights, v))
	return out, weights
}

// embedScale is the multiplier applied to token embeddings before the
// position encoding is added.
func embedScale(dim int) float64 {
	return math.Sqrt(float64(dim))
}

// embedTokens gathers token embeddings and adds position rows. ids is
// [batch, seq] int64, table [vocab, dim], positions [seq, dim].
func embedTokens(ids, table, positions *graph.Node, dim int) *graph.Node {
	x := graph.Gather(table, graph.ExpandDims(ids, -1))
	x = graph.MulScalar(x, embedScale(dim))
	return graph.Add(x, graph.InsertAxes(positions, 0))
}
