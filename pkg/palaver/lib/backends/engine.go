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

// Package backends manages GoMLX compute engines and host-side tensor
// utilities shared by the model and generation layers.
package backends

import (
	"fmt"
	"sync"

	"github.com/gomlx/gomlx/backends"

	// Import simplego backend - always available
	_ "github.com/gomlx/gomlx/backends/simplego"
)

// Engine wraps a GoMLX backend and caches it for reuse. Graph compilation
// and execution go through the wrapped backend.
//
// Supported engines:
//   - simplego: Pure Go, always available, slower
//   - xla: Hardware accelerated (CUDA, TPU, optimized CPU), requires XLA/PJRT
//
// The engine is auto-detected by default but can be pinned by name.
type Engine struct {
	mu      sync.RWMutex
	name    string
	backend backends.Backend
}

// NewEngine creates an engine for the named GoMLX backend ("xla", "simplego").
// An empty name auto-detects: xla first, falling back to simplego.
func NewEngine(name string) (*Engine, error) {
	e := &Engine{name: name}
	if _, err := e.Backend(); err != nil {
		return nil, err
	}
	return e, nil
}

// Backend returns the underlying GoMLX backend, creating it on first use.
func (e *Engine) Backend() (backends.Backend, error) {
	e.mu.RLock()
	if e.backend != nil {
		defer e.mu.RUnlock()
		return e.backend, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.backend != nil {
		return e.backend, nil
	}

	// If specific backend requested, create it
	if e.name != "" {
		backend, err := backends.NewWithConfig(e.name)
		if err != nil {
			return nil, fmt.Errorf("creating GoMLX backend %q: %w", e.name, err)
		}
		e.backend = backend
		return e.backend, nil
	}

	// Auto-detect: try xla first, fall back to simplego
	backend, err := backends.NewWithConfig("xla")
	if err != nil {
		// XLA not available, use simplego
		backend, err = backends.NewWithConfig("go")
		if err != nil {
			return nil, fmt.Errorf("creating GoMLX backend: %w", err)
		}
	}
	e.backend = backend
	return e.backend, nil
}

// Name returns the engine name used at construction; empty means auto-detect.
func (e *Engine) Name() string {
	return e.name
}
