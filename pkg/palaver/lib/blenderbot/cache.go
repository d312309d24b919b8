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

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/antflydb/palaver/pkg/palaver/lib/backends"
)

// Cache keys within a decoder layer. Every cached tensor is batch-major.
const (
	CacheSelfKey    = "self_key"
	CacheSelfValue  = "self_value"
	CacheCrossKey   = "cross_key"
	CacheCrossValue = "cross_value"
)

// LayerCache maps attention buffer names to cached tensors for one layer.
type LayerCache map[string]*tensors.Tensor

// DecoderCache is the per-layer key/value state accumulated across
// incremental decoding steps.
type DecoderCache struct {
	Layers []LayerCache
}

// NewDecoderCache allocates an empty cache for numLayers layers.
func NewDecoderCache(numLayers int) *DecoderCache {
	layers := make([]LayerCache, numLayers)
	for i := range layers {
		layers[i] = LayerCache{}
	}
	return &DecoderCache{Layers: layers}
}

// Past is the full generation state retained between steps: the encoder
// result, its padding mask, and the decoder key/value cache.
type Past struct {
	EncoderOutput *EncoderOutput
	EncoderMask   *tensors.Tensor // [batch, srcLen] bool, nil = no padding
	Cache         *DecoderCache
}

// ReorderCache rebuilds past so that output batch row i is input batch row
// beamIdx[i], across the encoder output, the encoder mask and every cached
// tensor. It is pure: the input past is left untouched and the result shares
// no tensors with it. Reordering with a permutation and then its inverse
// restores the original values.
func ReorderCache(past *Past, beamIdx []int) (*Past, error) {
	if past == nil {
		return nil, fmt.Errorf("reorder cache: nil past")
	}

	out := &Past{}

	if past.EncoderOutput != nil {
		enc := &EncoderOutput{}
		if past.EncoderOutput.LastHiddenState != nil {
			reordered, err := backends.IndexSelectBatch(past.EncoderOutput.LastHiddenState, beamIdx)
			if err != nil {
				return nil, fmt.Errorf("reorder cache: encoder output: %w", err)
			}
			enc.LastHiddenState = reordered
		}
		out.EncoderOutput = enc
	}

	if past.EncoderMask != nil {
		reordered, err := backends.IndexSelectBatch(past.EncoderMask, beamIdx)
		if err != nil {
			return nil, fmt.Errorf("reorder cache: encoder mask: %w", err)
		}
		out.EncoderMask = reordered
	}

	if past.Cache != nil {
		cache := &DecoderCache{Layers: make([]LayerCache, len(past.Cache.Layers))}
		for i, layer := range past.Cache.Layers {
			reorderedLayer := make(LayerCache, len(layer))
			for name, t := range layer {
				if t == nil {
					reorderedLayer[name] = nil
					continue
				}
				reordered, err := backends.IndexSelectBatch(t, beamIdx)
				if err != nil {
					return nil, fmt.Errorf("reorder cache: layer %d %s: %w", i, name, err)
				}
				reorderedLayer[name] = reordered
			}
			cache.Layers[i] = reorderedLayer
		}
		out.Cache = cache
	}

	return out, nil
}
