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
	"github.com/antflydb/palaver/pkg/palaver/lib/backends"
	"github.com/antflydb/palaver/pkg/palaver/lib/blenderbot"
)

// EncoderFactory adapts NewEncoder to the wrapper's factory signature,
// drawing weights from init.
func EncoderFactory(init *blenderbot.WeightInit) blenderbot.EncoderFactory {
	return func(cfg *blenderbot.Config, emb *blenderbot.SharedEmbedding, engine *backends.Engine) (blenderbot.Encoder, error) {
		return NewEncoder(cfg, emb, engine, init)
	}
}

// DecoderFactory adapts NewDecoder to the wrapper's factory signature,
// drawing weights from init.
func DecoderFactory(init *blenderbot.WeightInit) blenderbot.DecoderFactory {
	return func(cfg *blenderbot.Config, emb *blenderbot.SharedEmbedding, engine *backends.Engine) (blenderbot.Decoder, error) {
		return NewDecoder(cfg, emb, engine, init)
	}
}

// NewModel assembles a full conditional-generation model with this
// package's encoder and decoder.
func NewModel(cfg *blenderbot.Config, engine *backends.Engine, seed int64, opts ...blenderbot.Option) (*blenderbot.Model, error) {
	init := blenderbot.NewWeightInit(cfg.InitStd, seed)
	opts = append(opts, blenderbot.WithSeed(seed))
	return blenderbot.New(cfg, engine, EncoderFactory(init), DecoderFactory(init), opts...)
}
