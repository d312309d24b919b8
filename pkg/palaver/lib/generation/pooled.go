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

package generation

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Pooled multiplexes a fixed set of generators behind a weighted semaphore
// so concurrent callers never share a generator mid-run. Requests pick
// instances round-robin.
type Pooled struct {
	generators []*Generator
	sem        *semaphore.Weighted
	next       atomic.Uint64
	logger     *zap.Logger
}

// PooledOption configures a Pooled.
type PooledOption func(*Pooled)

// WithPooledLogger sets the structured logger; default is a nop logger.
func WithPooledLogger(l *zap.Logger) PooledOption {
	return func(p *Pooled) { p.logger = l }
}

// NewPooled builds size generators through newGenerator and pools them.
func NewPooled(size int, newGenerator func(i int) (*Generator, error), opts ...PooledOption) (*Pooled, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", size)
	}
	p := &Pooled{
		generators: make([]*Generator, size),
		sem:        semaphore.NewWeighted(int64(size)),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	for i := range p.generators {
		g, err := newGenerator(i)
		if err != nil {
			return nil, fmt.Errorf("pool: building generator %d: %w", i, err)
		}
		p.generators[i] = g
	}
	p.logger.Info("generator pool ready", zap.Int("size", size))
	return p, nil
}

// Size returns the number of pooled generators.
func (p *Pooled) Size() int {
	return len(p.generators)
}

// Generate acquires a generator, runs one generation, and releases it.
// Blocks until an instance is free or the context is done.
func (p *Pooled) Generate(ctx context.Context, inputIDs []int64) (*Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("pool: acquiring generator: %w", err)
	}
	defer p.sem.Release(1)

	idx := int(p.next.Add(1)-1) % len(p.generators)
	return p.generators[idx].Generate(ctx, inputIDs)
}
