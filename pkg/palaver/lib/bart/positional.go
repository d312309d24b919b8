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

// Package bart provides a compact transformer encoder and decoder over
// GoMLX, usable as the two halves of the conditional-generation wrapper.
// Positions are encoded with a fixed sinusoidal table; all other weights
// are drawn through the wrapper's initializer.
package bart

import (
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// sinusoidalTable computes the fixed [maxPositions, dim] position encoding:
// interleaved sine and cosine over geometrically spaced frequencies. It is
// computed, never trained.
func sinusoidalTable(maxPositions, dim int) *tensors.Tensor {
	data := make([]float32, maxPositions*dim)
	for pos := 0; pos < maxPositions; pos++ {
		row := data[pos*dim : (pos+1)*dim]
		for i := 0; i < dim; i += 2 {
			angle := float64(pos) / math.Pow(10000, float64(i)/float64(dim))
			row[i] = float32(math.Sin(angle))
			if i+1 < dim {
				row[i+1] = float32(math.Cos(angle))
			}
		}
	}
	return tensors.FromFlatDataAndDimensions(data, maxPositions, dim)
}

// positionRows slices rows [start, start+count) out of the host table.
func positionRows(table *tensors.Tensor, start, count int) (*tensors.Tensor, error) {
	dims := table.Shape().Dimensions
	maxPositions, dim := dims[0], dims[1]
	if start < 0 || start+count > maxPositions {
		return nil, fmt.Errorf("position %d+%d exceeds table size %d", start, count, maxPositions)
	}
	flat := tensors.MustCopyFlatData[float32](table)
	out := make([]float32, count*dim)
	copy(out, flat[start*dim:(start+count)*dim])
	return tensors.FromFlatDataAndDimensions(out, count, dim), nil
}
