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

package backends

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// IndexSelectBatch builds a new tensor whose rows along axis 0 are
// t[indices[0]], t[indices[1]], ... in order. Indices may repeat and the
// result batch size is len(indices). The input is not modified.
//
// This is the beam-reorder primitive: applied to a cached tensor with a
// permutation it permutes the batch; applied twice with a permutation and
// its inverse it round-trips.
func IndexSelectBatch(t *tensors.Tensor, indices []int) (*tensors.Tensor, error) {
	if t == nil {
		return nil, fmt.Errorf("index select: nil tensor")
	}
	dims := t.Shape().Dimensions
	if len(dims) == 0 {
		return nil, fmt.Errorf("index select: scalar tensor has no batch axis")
	}
	batch := dims[0]
	for _, idx := range indices {
		if idx < 0 || idx >= batch {
			return nil, fmt.Errorf("index select: index %d out of range for batch %d", idx, batch)
		}
	}

	rowSize := 1
	for _, d := range dims[1:] {
		rowSize *= d
	}
	outDims := append([]int{len(indices)}, dims[1:]...)

	switch t.DType() {
	case dtypes.Float32:
		return selectRows(tensors.MustCopyFlatData[float32](t), rowSize, indices, outDims), nil
	case dtypes.Float64:
		return selectRows(tensors.MustCopyFlatData[float64](t), rowSize, indices, outDims), nil
	case dtypes.Int32:
		return selectRows(tensors.MustCopyFlatData[int32](t), rowSize, indices, outDims), nil
	case dtypes.Int64:
		return selectRows(tensors.MustCopyFlatData[int64](t), rowSize, indices, outDims), nil
	case dtypes.Bool:
		return selectRows(tensors.MustCopyFlatData[bool](t), rowSize, indices, outDims), nil
	default:
		return nil, fmt.Errorf("index select: unsupported dtype %s", t.DType())
	}
}

func selectRows[T dtypes.Supported](flat []T, rowSize int, indices []int, outDims []int) *tensors.Tensor {
	out := make([]T, 0, len(indices)*rowSize)
	for _, idx := range indices {
		out = append(out, flat[idx*rowSize:(idx+1)*rowSize]...)
	}
	return tensors.FromFlatDataAndDimensions(out, outDims...)
}

// Floats copies the flat float32 contents of t.
func Floats(t *tensors.Tensor) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tensor")
	}
	if t.DType() != dtypes.Float32 {
		return nil, fmt.Errorf("expected float32 tensor, got %s", t.DType())
	}
	return tensors.MustCopyFlatData[float32](t), nil
}

// Int64s copies the flat int64 contents of t.
func Int64s(t *tensors.Tensor) ([]int64, error) {
	if t == nil {
		return nil, fmt.Errorf("nil tensor")
	}
	if t.DType() != dtypes.Int64 {
		return nil, fmt.Errorf("expected int64 tensor, got %s", t.DType())
	}
	return tensors.MustCopyFlatData[int64](t), nil
}

// NumElements returns the element count of t's shape.
func NumElements(t *tensors.Tensor) int {
	n := 1
	for _, d := range t.Shape().Dimensions {
		n *= d
	}
	return n
}
