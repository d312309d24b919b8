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

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// EncoderInput carries the encoder half of a forward call.
type EncoderInput struct {
	// InputIDs is the [batch, srcLen] int64 token id tensor.
	InputIDs *tensors.Tensor
	// AttentionMask marks real tokens true, padding false ([batch, srcLen]
	// bool). Nil means no padding.
	AttentionMask *tensors.Tensor

	OutputAttentions   bool
	OutputHiddenStates bool
}

// EncoderOutput is the structured encoder result. LastHiddenState is always
// set; the slices are populated only when the matching output flag was on.
type EncoderOutput struct {
	LastHiddenState *tensors.Tensor // [batch, srcLen, dModel]
	HiddenStates    []*tensors.Tensor
	Attentions      []*tensors.Tensor
}

// Encoder is the source-side half of the model. Implementations embed
// tokens through the shared table handed to them via SetEmbedding.
type Encoder interface {
	Forward(ctx context.Context, in *EncoderInput) (*EncoderOutput, error)
	// SetEmbedding points the encoder at a (possibly new) shared table.
	SetEmbedding(*SharedEmbedding)
}

// DecoderInput carries one decoder step or a full teacher-forced pass.
//
// When UseCache is true InputIDs holds only the newest position(s), Cache
// holds the accumulated key/value state, and PaddingMask/CausalMask are nil.
// When UseCache is false InputIDs holds the full target prefix and the two
// masks are the prepared decoder masks.
type DecoderInput struct {
	InputIDs             *tensors.Tensor // [batch, tgtLen] int64
	EncoderHiddenStates  *tensors.Tensor // [batch, srcLen, dModel]
	EncoderAttentionMask *tensors.Tensor // [batch, srcLen] bool, nil = no padding
	PaddingMask          *tensors.Tensor // [batch, tgtLen] bool, true marks padding
	CausalMask           *tensors.Tensor // [tgtLen, tgtLen] additive float32
	Cache                *DecoderCache   // nil unless UseCache
	UseCache             bool

	OutputAttentions   bool
	OutputHiddenStates bool
}

// DecoderOutput is the structured decoder result. Cache is the extended
// key/value state when caching was requested, nil otherwise.
type DecoderOutput struct {
	LastHiddenState *tensors.Tensor // [batch, tgtLen, dModel]
	Cache           *DecoderCache
	HiddenStates    []*tensors.Tensor
	Attentions      []*tensors.Tensor
}

// Decoder is the target-side half of the model.
type Decoder interface {
	Forward(ctx context.Context, in *DecoderInput) (*DecoderOutput, error)
	// SetEmbedding points the decoder at a (possibly new) shared table.
	SetEmbedding(*SharedEmbedding)
}
