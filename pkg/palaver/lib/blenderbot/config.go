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

// Package blenderbot implements a conversational encoder-decoder model
// wrapper: a shared embedding table tied across the encoder, the decoder
// and the output projection, the forward composition over both halves,
// and the generation-time hooks (input preparation, cache reordering,
// logit adjustment).
package blenderbot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DType names the numeric precision the model weights are declared in.
// Host-side buffers are float32 either way; the declared precision decides
// the score floor used to suppress tokens.
type DType string

const (
	DTypeFloat32 DType = "float32"
	DTypeFloat16 DType = "float16"
)

// ScoreFloor returns the most negative score representable in the declared
// precision: -65504 for float16, -1e20 otherwise.
func (d DType) ScoreFloor() float32 {
	if d == DTypeFloat16 {
		return -65504
	}
	return -1e20
}

// Config holds the model hyperparameters. Fields are fixed after
// construction; the model never mutates its config.
type Config struct {
	// VocabSize is the number of rows in the shared embedding table.
	VocabSize int `json:"vocab_size"`
	// DModel is the hidden dimension.
	DModel int `json:"d_model"`

	EncoderLayers         int `json:"encoder_layers"`
	DecoderLayers         int `json:"decoder_layers"`
	EncoderAttentionHeads int `json:"encoder_attention_heads"`
	DecoderAttentionHeads int `json:"decoder_attention_heads"`
	EncoderFFNDim         int `json:"encoder_ffn_dim"`
	DecoderFFNDim         int `json:"decoder_ffn_dim"`

	// MaxPositionEmbeddings bounds the sequence length the sinusoidal
	// position table covers.
	MaxPositionEmbeddings int `json:"max_position_embeddings"`

	// Special token ids. A negative value means "not configured".
	PadTokenID          int64 `json:"pad_token_id"`
	BOSTokenID          int64 `json:"bos_token_id"`
	EOSTokenID          int64 `json:"eos_token_id"`
	DecoderStartTokenID int64 `json:"decoder_start_token_id"`

	// InitStd is the standard deviation for weight initialization.
	InitStd float64 `json:"init_std"`

	// UseCache enables incremental decoding by default; a forward call can
	// override it and it is forced off when no decoder input ids are given.
	UseCache bool `json:"use_cache"`

	OutputAttentions   bool `json:"output_attentions"`
	OutputHiddenStates bool `json:"output_hidden_states"`

	// MaxLength is the default generation length bound; the end-of-sequence
	// token is forced at the step producing position MaxLength-1.
	MaxLength int `json:"max_length"`

	// DType declares the weight precision (see ScoreFloor).
	DType DType `json:"torch_dtype"`
}

// DefaultConfig returns a small conversational model configuration.
func DefaultConfig() *Config {
	return &Config{
		VocabSize:             54944,
		DModel:                512,
		EncoderLayers:         8,
		DecoderLayers:         8,
		EncoderAttentionHeads: 16,
		DecoderAttentionHeads: 16,
		EncoderFFNDim:         2048,
		DecoderFFNDim:         2048,
		MaxPositionEmbeddings: 512,
		PadTokenID:            0,
		BOSTokenID:            1,
		EOSTokenID:            2,
		DecoderStartTokenID:   1,
		InitStd:               0.02,
		UseCache:              true,
		MaxLength:             128,
		DType:                 DTypeFloat32,
	}
}

// LoadConfig reads config.json from a model directory and merges an optional
// generation_config.json over it, filling unset fields with defaults.
func LoadConfig(modelPath string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(modelPath, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("reading model config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing model config: %w", err)
	}

	// generation_config.json is optional and only overrides generation
	// fields when present.
	genPath := filepath.Join(modelPath, "generation_config.json")
	if genData, err := os.ReadFile(genPath); err == nil {
		var gen struct {
			MaxLength           *int   `json:"max_length"`
			BOSTokenID          *int64 `json:"bos_token_id"`
			EOSTokenID          *int64 `json:"eos_token_id"`
			PadTokenID          *int64 `json:"pad_token_id"`
			DecoderStartTokenID *int64 `json:"decoder_start_token_id"`
		}
		if err := json.Unmarshal(genData, &gen); err != nil {
			return nil, fmt.Errorf("parsing generation config: %w", err)
		}
		if gen.MaxLength != nil {
			cfg.MaxLength = *gen.MaxLength
		}
		if gen.BOSTokenID != nil {
			cfg.BOSTokenID = *gen.BOSTokenID
		}
		if gen.EOSTokenID != nil {
			cfg.EOSTokenID = *gen.EOSTokenID
		}
		if gen.PadTokenID != nil {
			cfg.PadTokenID = *gen.PadTokenID
		}
		if gen.DecoderStartTokenID != nil {
			cfg.DecoderStartTokenID = *gen.DecoderStartTokenID
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("invalid config: vocab_size %d", c.VocabSize)
	}
	if c.DModel <= 0 {
		return fmt.Errorf("invalid config: d_model %d", c.DModel)
	}
	if c.EncoderAttentionHeads > 0 && c.DModel%c.EncoderAttentionHeads != 0 {
		return fmt.Errorf("invalid config: d_model %d not divisible by encoder heads %d", c.DModel, c.EncoderAttentionHeads)
	}
	if c.DecoderAttentionHeads > 0 && c.DModel%c.DecoderAttentionHeads != 0 {
		return fmt.Errorf("invalid config: d_model %d not divisible by decoder heads %d", c.DModel, c.DecoderAttentionHeads)
	}
	if c.PadTokenID >= 0 && int(c.PadTokenID) >= c.VocabSize {
		return fmt.Errorf("invalid config: pad_token_id %d outside vocab %d", c.PadTokenID, c.VocabSize)
	}
	if c.BOSTokenID >= 0 && int(c.BOSTokenID) >= c.VocabSize {
		return fmt.Errorf("invalid config: bos_token_id %d outside vocab %d", c.BOSTokenID, c.VocabSize)
	}
	if c.EOSTokenID >= 0 && int(c.EOSTokenID) >= c.VocabSize {
		return fmt.Errorf("invalid config: eos_token_id %d outside vocab %d", c.EOSTokenID, c.VocabSize)
	}
	switch c.DType {
	case DTypeFloat32, DTypeFloat16, "":
	default:
		return fmt.Errorf("invalid config: dtype %q", c.DType)
	}
	return nil
}
