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
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/antflydb/palaver/pkg/palaver/lib/backends"
)

// OutputHead projects decoder hidden states onto the vocabulary using the
// transpose of the shared embedding table (no bias), then overwrites the
// begin-of-sequence column with the precision floor. Both steps run on every
// call and the result is always a new tensor.
type OutputHead struct {
	embedding *SharedEmbedding
	bosID     int64
	exec      *graph.Exec
}

// NewOutputHead builds the projection over the shared table.
func NewOutputHead(engine *backends.Engine, embedding *SharedEmbedding, bosID int64) (*OutputHead, error) {
	backend, err := engine.Backend()
	if err != nil {
		return nil, err
	}
	exec := graph.MustNewExec(backend, func(hidden, table *graph.Node) *graph.Node {
		return graph.Einsum("bsd,vd->bsv", hidden, table)
	})
	exec.SetMaxCache(-1)
	return &OutputHead{embedding: embedding, bosID: bosID, exec: exec}, nil
}

// SetEmbedding points the head at a (possibly new) shared table.
func (h *OutputHead) SetEmbedding(e *SharedEmbedding) {
	h.embedding = e
}

// Embedding returns the shared table handle backing the projection.
func (h *OutputHead) Embedding() *SharedEmbedding {
	return h.embedding
}

// Project computes [batch, tgtLen, vocab] scores from [batch, tgtLen,
// dModel] hidden states and floors the BOS column at the table's declared
// precision: -65504 for float16 weights, -1e20 otherwise.
func (h *OutputHead) Project(hidden *tensors.Tensor) (out *tensors.Tensor, err error) {
	if hidden == nil {
		return nil, fmt.Errorf("projection: nil hidden states")
	}
	if hidden.Rank() != 3 {
		return nil, fmt.Errorf("projection: expected rank 3 hidden states, got rank %d", hidden.Rank())
	}

	// GoMLX reports graph errors as panics.
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("projection: %v", r)
		}
	}()

	scores := h.exec.MustExec(hidden, h.embedding.Weights())[0]
	return suppressColumn(scores, h.bosID, h.embedding.DType().ScoreFloor())
}

// suppressColumn returns a copy of [.., vocab] scores with the given column
// set to floor. A negative column id is a no-op copy.
func suppressColumn(scores *tensors.Tensor, col int64, floor float32) (*tensors.Tensor, error) {
	dims := scores.Shape().Dimensions
	vocab := dims[len(dims)-1]
	flat := tensors.MustCopyFlatData[float32](scores)
	if col >= 0 {
		if int(col) >= vocab {
			return nil, fmt.Errorf("projection: token id %d outside vocab %d", col, vocab)
		}
		for i := int(col); i < len(flat); i += vocab {
			flat[i] = floor
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, dims...), nil
}

// crossEntropy computes the mean negative log-likelihood of labels under
// softmax(scores). Scores are [batch, tgtLen, vocab], labels [batch, tgtLen]
// int64. Positions with label ignoreID are skipped.
func crossEntropy(scores, labels *tensors.Tensor, ignoreID int64) (float32, error) {
	sDims := scores.Shape().Dimensions
	lDims := labels.Shape().Dimensions
	if len(sDims) != 3 || len(lDims) != 2 || sDims[0] != lDims[0] || sDims[1] != lDims[1] {
		return 0, fmt.Errorf("loss: scores %v incompatible with labels %v", sDims, lDims)
	}
	vocab := sDims[2]
	flat := tensors.MustCopyFlatData[float32](scores)
	lab := tensors.MustCopyFlatData[int64](labels)

	var total float64
	var count int
	for pos, target := range lab {
		if target == ignoreID {
			continue
		}
		if target < 0 || int(target) >= vocab {
			return 0, fmt.Errorf("loss: label %d outside vocab %d", target, vocab)
		}
		row := flat[pos*vocab : (pos+1)*vocab]
		// log-sum-exp with max subtraction for stability
		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxV))
		}
		logProb := float64(row[target]-maxV) - math.Log(sum)
		total -= logProb
		count++
	}
	if count == 0 {
		return 0, nil
	}
	return float32(total / float64(count)), nil
}
