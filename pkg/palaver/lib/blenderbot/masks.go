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

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// ShiftTokensRight builds decoder input ids from target ids: every row is
// shifted one position right, and the first position is filled with the
// row's last non-padding token.
func ShiftTokensRight(ids *tensors.Tensor, padID int64) (*tensors.Tensor, error) {
	if ids == nil {
		return nil, fmt.Errorf("shift tokens: nil ids")
	}
	if ids.Rank() != 2 {
		return nil, fmt.Errorf("shift tokens: expected rank 2 ids, got rank %d", ids.Rank())
	}
	dims := ids.Shape().Dimensions
	batch, seqLen := dims[0], dims[1]
	flat := tensors.MustCopyFlatData[int64](ids)

	out := make([]int64, len(flat))
	for b := 0; b < batch; b++ {
		row := flat[b*seqLen : (b+1)*seqLen]
		// Last non-padding token; falls back to the last position when the
		// whole row is padding.
		last := seqLen - 1
		for i := seqLen - 1; i >= 0; i-- {
			if row[i] != padID {
				last = i
				break
			}
		}
		outRow := out[b*seqLen : (b+1)*seqLen]
		outRow[0] = row[last]
		copy(outRow[1:], row[:seqLen-1])
	}
	return tensors.FromFlatDataAndDimensions(out, batch, seqLen), nil
}

// PaddingMask returns a [batch, seqLen] bool tensor that is true at padding
// positions. It returns nil when the ids contain no padding at all.
func PaddingMask(ids *tensors.Tensor, padID int64) (*tensors.Tensor, error) {
	if ids == nil {
		return nil, fmt.Errorf("padding mask: nil ids")
	}
	if ids.Rank() != 2 {
		return nil, fmt.Errorf("padding mask: expected rank 2 ids, got rank %d", ids.Rank())
	}
	dims := ids.Shape().Dimensions
	flat := tensors.MustCopyFlatData[int64](ids)

	mask := make([]bool, len(flat))
	any := false
	for i, tok := range flat {
		if tok == padID {
			mask[i] = true
			any = true
		}
	}
	if !any {
		return nil, nil
	}
	return tensors.FromFlatDataAndDimensions(mask, dims[0], dims[1]), nil
}

// InvertMask converts an attention mask (true = attend) into a padding mask
// (true = padding).
func InvertMask(mask *tensors.Tensor) (*tensors.Tensor, error) {
	if mask == nil {
		return nil, fmt.Errorf("invert mask: nil mask")
	}
	if mask.DType() != dtypes.Bool {
		return nil, fmt.Errorf("invert mask: expected bool mask, got %s", mask.DType())
	}
	flat := tensors.MustCopyFlatData[bool](mask)
	out := make([]bool, len(flat))
	for i, v := range flat {
		out[i] = !v
	}
	return tensors.FromFlatDataAndDimensions(out, mask.Shape().Dimensions...), nil
}

// CausalScoreMask builds the [tgtLen, tgtLen] additive mask: floor above the
// diagonal, zero on and below it.
func CausalScoreMask(tgtLen int, floor float32) *tensors.Tensor {
	data := make([]float32, tgtLen*tgtLen)
	for q := 0; q < tgtLen; q++ {
		for k := q + 1; k < tgtLen; k++ {
			data[q*tgtLen+k] = floor
		}
	}
	return tensors.FromFlatDataAndDimensions(data, tgtLen, tgtLen)
}

// prepareDecoderInputs resolves the decoder ids and masks for a full
// (non-incremental) decoder pass. When decoderInputIDs is nil the target is
// derived from inputIDs by shifting right; when decoderAttnMask is nil the
// padding mask is derived from the resolved ids, otherwise the given
// attention mask is inverted into a padding mask.
func prepareDecoderInputs(cfg *Config, inputIDs, decoderInputIDs, decoderAttnMask *tensors.Tensor) (ids, padMask, causal *tensors.Tensor, err error) {
	ids = decoderInputIDs
	if ids == nil {
		if inputIDs == nil {
			return nil, nil, nil, ErrMissingDecoderInputIDs
		}
		ids, err = ShiftTokensRight(inputIDs, cfg.PadTokenID)
		if err != nil {
			return nil, nil, nil, err
		}
	}

	if decoderAttnMask == nil {
		padMask, err = PaddingMask(ids, cfg.PadTokenID)
	} else {
		padMask, err = InvertMask(decoderAttnMask)
	}
	if err != nil {
		return nil, nil, nil, err
	}

	tgtLen := ids.Shape().Dimensions[1]
	causal = CausalScoreMask(tgtLen, cfg.DType.ScoreFloor())
	return ids, padMask, causal, nil
}
