// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package telemetry provides opt-in Prometheus metrics for the tracker and
// the write queue. It is safe to call from hot paths: when disabled, every
// Observe function returns after a single atomic load.
package telemetry

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the telemetry module.
//
// MetricsAddr, when non-empty, starts a dedicated HTTP server that serves
// /metrics. If the API server already exposes /metrics, leave it empty.
type Config struct {
	Enabled     bool
	MetricsAddr string
}

// PendingSource reports the write queue backlog.
type PendingSource interface {
	Pending() int64
}

// KeyCounts reports how many keys the tracker holds per map.
type KeyCounts func() (users, scopes, cooldowns int)

var (
	modEnabled atomic.Bool

	pendingSrc atomic.Pointer[PendingSource]
	keysSrc    atomic.Pointer[KeyCounts]

	// Label cardinality is bounded: kind and status are small fixed sets.
	spamChecksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guildest_spam_checks_total",
		Help: "Total number of messages run through the spam check",
	})
	spamDetectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guildest_spam_events_total",
		Help: "Total number of spam detections",
	})
	chatActivityTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guildest_chat_activity_total",
		Help: "Total number of messages recorded as chat activity",
	})
	chatTriggersTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "guildest_chat_triggers_total",
		Help: "Total number of conversation engagement triggers",
	})
	writesEnqueuedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guildest_writes_enqueued_total",
		Help: "Total number of write ops accepted by the write queue",
	}, []string{"kind"})
	writesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "guildest_writes_total",
		Help: "Total number of write ops processed by the worker, by outcome",
	}, []string{"kind", "status"})
	writeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "guildest_write_duration_seconds",
		Help:    "Time spent in the persister per write op",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"kind"})
	writeWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "guildest_write_queue_wait_seconds",
		Help:    "Time a write op spent queued before the worker picked it up",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
	})
	queuePending = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "guildest_write_queue_pending",
		Help: "Write ops enqueued but not yet processed",
	}, func() float64 {
		if p := pendingSrc.Load(); p != nil {
			return float64((*p).Pending())
		}
		return 0
	})
	trackerUsers = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "guildest_tracker_users",
		Help: "Users with spam history held in memory",
	}, func() float64 { u, _, _ := keyCounts(); return float64(u) })
	trackerScopes = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "guildest_tracker_scopes",
		Help: "Scopes with an activity window held in memory",
	}, func() float64 { _, s, _ := keyCounts(); return float64(s) })
	trackerCooldowns = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "guildest_tracker_cooldowns",
		Help: "Scopes with a recorded engagement cooldown",
	}, func() float64 { _, _, c := keyCounts(); return float64(c) })
)

func init() {
	// Register metrics eagerly. If no Prometheus endpoint is exposed, the registration is harmless.
	prometheus.MustRegister(
		spamChecksTotal, spamDetectionsTotal, chatActivityTotal, chatTriggersTotal,
		writesEnqueuedTotal, writesTotal, writeLatency, writeWait,
		queuePending, trackerUsers, trackerScopes, trackerCooldowns,
	)
}

// Enable configures the module. Safe to call multiple times; subsequent calls
// replace the enabled flag. It returns the standalone metrics server when one
// was started so the caller can shut it down.
func Enable(cfg Config) *http.Server {
	modEnabled.Store(cfg.Enabled)
	if cfg.Enabled && cfg.MetricsAddr != "" {
		return startMetricsEndpoint(cfg.MetricsAddr)
	}
	return nil
}

// Enabled reports whether telemetry is active.
func Enabled() bool { return modEnabled.Load() }

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler { return promhttp.Handler() }

// WatchQueue points the pending gauge at q.
func WatchQueue(q PendingSource) {
	if q == nil {
		pendingSrc.Store(nil)
		return
	}
	pendingSrc.Store(&q)
}

// WatchTracker points the tracker key gauges at fn.
func WatchTracker(fn KeyCounts) {
	if fn == nil {
		keysSrc.Store(nil)
		return
	}
	keysSrc.Store(&fn)
}

func keyCounts() (int, int, int) {
	if fn := keysSrc.Load(); fn != nil {
		return (*fn)()
	}
	return 0, 0, 0
}

// ObserveSpamCheck records one spam check outcome. Call on the hot path after
// CheckSpam returns.
func ObserveSpamCheck(flagged bool) {
	if !modEnabled.Load() {
		return
	}
	spamChecksTotal.Inc()
	if flagged {
		spamDetectionsTotal.Inc()
	}
}

// ObserveChatActivity records one RecordChatActivity outcome.
func ObserveChatActivity(triggered bool) {
	if !modEnabled.Load() {
		return
	}
	chatActivityTotal.Inc()
	if triggered {
		chatTriggersTotal.Inc()
	}
}

// QueueObserver feeds write queue events into the metrics. It satisfies
// core.Observer.
type QueueObserver struct{}

// OpEnqueued counts an accepted op.
func (QueueObserver) OpEnqueued(kind string) {
	if !modEnabled.Load() {
		return
	}
	writesEnqueuedTotal.WithLabelValues(kind).Inc()
}

// OpDone records the outcome and timings of a processed op.
func (QueueObserver) OpDone(kind string, wait, latency time.Duration, err error) {
	if !modEnabled.Load() {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	writesTotal.WithLabelValues(kind, status).Inc()
	writeLatency.WithLabelValues(kind).Observe(latency.Seconds())
	if wait > 0 {
		writeWait.Observe(wait.Seconds())
	}
}

// startMetricsEndpoint exposes /metrics on the given addr in a background goroutine.
func startMetricsEndpoint(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
	return server
}
