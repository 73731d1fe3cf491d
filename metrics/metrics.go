// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics registers the Prometheus collectors for the
// transport core's health: pool exhaustion, ring backpressure, parser
// protocol errors, continuation blocking, and live connection count.
// Registration style follows internal/rescue.panicTotal and the
// teacher's former controller/metrics.go: package-level promauto
// collectors under the common.App namespace, exported through plain
// functions instead of a struct so call sites don't thread a metrics
// handle through every layer.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetd/emberd/common"
	"github.com/packetd/emberd/internal/labels"
	"github.com/packetd/emberd/logger"
)

var (
	poolExhaustedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "number of times a BufferPool.Acquire found no free slot",
		},
	)

	ringNoSpaceTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Subsystem: "ring",
			Name:      "no_space_total",
			Help:      "number of SendBuffer.Queue calls rejected for lack of ring space",
		},
	)

	parserProtocolErrorTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Subsystem: "parser",
			Name:      "protocol_error_total",
			Help:      "number of requests rejected with a protocol error, by reason",
		},
		[]string{"reason"},
	)

	continuationWouldBlockTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: common.App,
			Subsystem: "dispatch",
			Name:      "would_block_total",
			Help:      "number of continuation/deferred readiness checks that returned ErrWouldBlock",
		},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: common.App,
			Subsystem: "server",
			Name:      "active_connections",
			Help:      "number of connections currently accepted by the server loop",
		},
	)
)

// PoolExhausted increments the pool exhaustion counter.
func PoolExhausted() {
	poolExhaustedTotal.Inc()
}

// RingNoSpace increments the ring backpressure counter.
func RingNoSpace() {
	ringNoSpaceTotal.Inc()
}

var seenProtocolErrorReasons sync.Map // map[uint64]struct{}

// ParserProtocolError increments the parser error counter for reason,
// e.g. "method_too_long", "headers_too_large". The first time a given
// reason is observed it also logs once at warn level; an embedded
// device under a slow-loris-style probe can otherwise produce the same
// line thousands of times a second. The label set is hashed with
// internal/labels the same way the teacher deduplicated series keys.
func ParserProtocolError(reason string) {
	parserProtocolErrorTotal.WithLabelValues(reason).Inc()

	key := labels.Labels{{Name: "reason", Value: reason}}.Hash()
	if _, seen := seenProtocolErrorReasons.LoadOrStore(key, struct{}{}); !seen {
		logger.Warnf("first occurrence of parser protocol error reason: %s", reason)
	}
}

// ContinuationWouldBlock increments the would-block counter. Callers
// must not also treat dispatch.ErrWouldBlock as a logged failure.
func ContinuationWouldBlock() {
	continuationWouldBlockTotal.Inc()
}

// ConnectionOpened increments the active-connection gauge.
func ConnectionOpened() {
	activeConnections.Inc()
}

// ConnectionClosed decrements the active-connection gauge.
func ConnectionClosed() {
	activeConnections.Dec()
}
