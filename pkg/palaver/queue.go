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

// Package palaver serves conversational generation over HTTP: a bounded
// request queue in front of a generator pool, with structured logging and
// Prometheus metrics.
package palaver

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the request queue is at capacity.
	ErrQueueFull = errors.New("request queue is full")

	// ErrRequestTimeout is returned when a request waits past the timeout.
	ErrRequestTimeout = errors.New("request timeout exceeded")
)

// RequestQueue bounds concurrent generation work and queues the overflow
// with backpressure. A zero concurrency limit disables limiting entirely.
// Releases record how many tokens the admitted request produced, so the
// stats reflect generation throughput, not just request counts.
type RequestQueue struct {
	maxConcurrent int64
	maxQueueSize  int64
	timeout       time.Duration

	sem chan struct{}

	currentActive  atomic.Int64
	currentQueued  atomic.Int64
	totalProcessed atomic.Int64
	totalRejected  atomic.Int64
	totalTimedOut  atomic.Int64
	totalTokens    atomic.Int64

	logger *zap.Logger
}

// RequestQueueConfig holds the queue limits.
type RequestQueueConfig struct {
	MaxConcurrentRequests int           // 0 = unlimited
	MaxQueueSize          int           // 0 = unlimited (applies only when limiting)
	RequestTimeout        time.Duration // 0 = no timeout
}

// NewRequestQueue creates a request queue with the given limits.
func NewRequestQueue(config RequestQueueConfig, logger *zap.Logger) *RequestQueue {
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &RequestQueue{
		maxConcurrent: int64(config.MaxConcurrentRequests),
		maxQueueSize:  int64(config.MaxQueueSize),
		timeout:       config.RequestTimeout,
		logger:        logger,
	}

	if config.MaxConcurrentRequests > 0 {
		q.sem = make(chan struct{}, config.MaxConcurrentRequests)
		logger.Info("request queue initialized",
			zap.Int("max_concurrent", config.MaxConcurrentRequests),
			zap.Int("max_queue_size", config.MaxQueueSize),
			zap.Duration("timeout", config.RequestTimeout))
	} else {
		logger.Info("request queue disabled (unlimited concurrency)")
	}

	return q
}

// Acquire claims a processing slot, waiting in the queue when all slots are
// busy. The returned release function must be called when the request is
// done, with the number of tokens it generated (zero on failure).
func (q *RequestQueue) Acquire(ctx context.Context) (release func(tokensGenerated int), err error) {
	if q.sem == nil {
		q.currentActive.Add(1)
		return func(tokensGenerated int) {
			q.currentActive.Add(-1)
			q.totalProcessed.Add(1)
			q.totalTokens.Add(int64(tokensGenerated))
		}, nil
	}

	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer func() {
			if err != nil {
				cancel()
			}
		}()
	}

	// Fast path: a slot is free right now.
	select {
	case q.sem <- struct{}{}:
		q.currentActive.Add(1)
		return q.makeRelease(), nil
	default:
	}

	// Reserve a queue slot. The CAS loop keeps check and increment atomic
	// so concurrent arrivals cannot all pass the capacity check.
	if q.maxQueueSize > 0 {
		for {
			queued := q.currentQueued.Load()
			if queued >= q.maxQueueSize {
				q.totalRejected.Add(1)
				q.logger.Warn("request rejected: queue full",
					zap.Int64("queued", queued),
					zap.Int64("max_queue", q.maxQueueSize))
				return nil, ErrQueueFull
			}
			if q.currentQueued.CompareAndSwap(queued, queued+1) {
				break
			}
		}
	} else {
		q.currentQueued.Add(1)
	}
	queueStart := time.Now()

	q.logger.Debug("request queued",
		zap.Int64("queue_depth", q.currentQueued.Load()))

	select {
	case q.sem <- struct{}{}:
		q.currentQueued.Add(-1)
		q.currentActive.Add(1)
		q.logger.Debug("request dequeued",
			zap.Duration("wait_time", time.Since(queueStart)))
		return q.makeRelease(), nil

	case <-ctx.Done():
		q.currentQueued.Add(-1)
		if ctx.Err() == context.DeadlineExceeded {
			q.totalTimedOut.Add(1)
			q.logger.Warn("request timed out in queue",
				zap.Duration("wait_time", time.Since(queueStart)),
				zap.Duration("timeout", q.timeout))
			return nil, ErrRequestTimeout
		}
		return nil, ctx.Err()
	}
}

func (q *RequestQueue) makeRelease() func(tokensGenerated int) {
	return func(tokensGenerated int) {
		q.currentActive.Add(-1)
		q.totalProcessed.Add(1)
		q.totalTokens.Add(int64(tokensGenerated))
		<-q.sem
	}
}

// Stats returns a snapshot of the queue counters.
func (q *RequestQueue) Stats() QueueStats {
	return QueueStats{
		CurrentActive:  q.currentActive.Load(),
		CurrentQueued:  q.currentQueued.Load(),
		TotalProcessed: q.totalProcessed.Load(),
		TotalRejected:  q.totalRejected.Load(),
		TotalTimedOut:  q.totalTimedOut.Load(),
		TotalTokens:    q.totalTokens.Load(),
		MaxConcurrent:  q.maxConcurrent,
		MaxQueueSize:   q.maxQueueSize,
	}
}

// QueueStats holds queue counters.
type QueueStats struct {
	CurrentActive  int64 `json:"current_active"`
	CurrentQueued  int64 `json:"current_queued"`
	TotalProcessed int64 `json:"total_processed"`
	TotalRejected  int64 `json:"total_rejected"`
	TotalTimedOut  int64 `json:"total_timed_out"`
	TotalTokens    int64 `json:"total_tokens"`
	MaxConcurrent  int64 `json:"max_concurrent"`
	MaxQueueSize   int64 `json:"max_queue_size"`
}

// IsEnabled reports whether concurrency limiting is on.
func (q *RequestQueue) IsEnabled() bool {
	return q.sem != nil
}
