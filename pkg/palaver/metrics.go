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

package palaver

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the generation service.
type Metrics struct {
	Requests        *prometheus.CounterVec
	GeneratedTokens prometheus.Counter
	Duration        prometheus.Histogram
	QueueDepth      prometheus.GaugeFunc
}

// NewMetrics builds and registers the service metrics on reg.
func NewMetrics(reg prometheus.Registerer, queue *RequestQueue) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "palaver",
			Name:      "generate_requests_total",
			Help:      "Generation requests by outcome.",
		}, []string{"status"}),
		GeneratedTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "palaver",
			Name:      "generated_tokens_total",
			Help:      "Tokens produced across all requests.",
		}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "palaver",
			Name:      "generate_duration_seconds",
			Help:      "End-to-end generation latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "palaver",
			Name:      "queue_depth",
			Help:      "Requests currently waiting for a generator.",
		}, func() float64 {
			return float64(queue.Stats().CurrentQueued)
		}),
	}
	reg.MustRegister(m.Requests, m.GeneratedTokens, m.Duration, m.QueueDepth)
	return m
}
