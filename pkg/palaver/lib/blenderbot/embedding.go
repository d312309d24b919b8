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
	"math/rand"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// SharedEmbedding is the single embedding table shared by the encoder, the
// decoder and the output projection. Holders keep a reference to the handle,
// never a copy of the table, so Replace swaps the weights for all of them
// at once.
type SharedEmbedding struct {
	mu      sync.RWMutex
	weights *tensors.Tensor // [vocab, dModel] float32
	dtype   DType
	padID   int64
}

// NewSharedEmbedding wraps a [vocab, dModel] weight tensor. The dtype is the
// declared weight precision, which decides the score floor applied by the
// output head.
func NewSharedEmbedding(weights *tensors.Tensor, dtype DType, padID int64) (*SharedEmbedding, error) {
	if weights == nil {
		return nil, fmt.Errorf("shared embedding: nil weights")
	}
	if weights.Rank() != 2 {
		return nil, fmt.Errorf("shared embedding: expected rank 2 weights, got rank %d", weights.Rank())
	}
	if dtype == "" {
		dtype = DTypeFloat32
	}
	return &SharedEmbedding{weights: weights, dtype: dtype, padID: padID}, nil
}

// Weights returns the current table. Callers must treat it as read-only.
func (e *SharedEmbedding) Weights() *tensors.Tensor {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.weights
}

// Replace swaps the table. Every holder of this handle observes the new
// weights on its next use.
func (e *SharedEmbedding) Replace(weights *tensors.Tensor) error {
	if weights == nil {
		return fmt.Errorf("shared embedding: nil replacement")
	}
	if weights.Rank() != 2 {
		return fmt.Errorf("shared embedding: expected rank 2 replacement, got rank %d", weights.Rank())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.weights = weights
	return nil
}

// VocabSize returns the current number of table rows.
func (e *SharedEmbedding) VocabSize() int {
	return e.Weights().Shape().Dimensions[0]
}

// Dim returns the embedding dimension.
func (e *SharedEmbedding) Dim() int {
	return e.Weights().Shape().Dimensions[1]
}

// DType returns the declared weight precision.
func (e *SharedEmbedding) DType() DType {
	return e.dtype
}

// PadTokenID returns the padding token id the table was built with.
func (e *SharedEmbedding) PadTokenID() int64 {
	return e.padID
}

// WeightInit draws initial weights: normal(0, Std) for weight matrices,
// zeros for biases, and a zeroed padding row for embedding tables.
// Sinusoidal position tables are computed, not drawn, and never pass
// through here.
type WeightInit struct {
	Std float64
	rng *rand.Rand
}

// NewWeightInit creates an initializer with the given standard deviation
// and seed.
func NewWeightInit(std float64, seed int64) *WeightInit {
	return &WeightInit{Std: std, rng: rand.New(rand.NewSource(seed))}
}

// Embedding draws a [vocab, dim] table and zeroes the padID row. A negative
// padID leaves all rows drawn.
func (w *WeightInit) Embedding(vocab, dim int, padID int64) *tensors.Tensor {
	data := make([]float32, vocab*dim)
	for i := range data {
		data[i] = float32(w.rng.NormFloat64() * w.Std)
	}
	if padID >= 0 && int(padID) < vocab {
		row := data[int(padID)*dim : (int(padID)+1)*dim]
		for i := range row {
			row[i] = 0
		}
	}
	return tensors.FromFlatDataAndDimensions(data, vocab, dim)
}

// Linear draws a [in, out] weight matrix and a zeroed [out] bias.
func (w *WeightInit) Linear(in, out int) (weight, bias *tensors.Tensor) {
	data := make([]float32, in*out)
	for i := range data {
		data[i] = float32(w.rng.NormFloat64() * w.Std)
	}
	weight = tensors.FromFlatDataAndDimensions(data, in, out)
	bias = tensors.FromFlatDataAndDimensions(make([]float32, out), out)
	return weight, bias
}

// Ones returns a [dim] tensor of ones (layer-norm scale).
func (w *WeightInit) Ones(dim int) *tensors.Tensor {
	data := make([]float32, dim)
	for i := range data {
		data[i] = 1
	}
	return tensors.FromFlatDataAndDimensions(data, dim)
}

// Zeros returns a [dim] tensor of zeros (layer-norm offset).
func (w *WeightInit) Zeros(dim int) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(make([]float32, dim), dim)
}
