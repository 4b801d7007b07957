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

// Package core provides the core business logic for the guildest service.
// This file implements the write-offload queue that moves persistence off the
// message-handling path.
package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrQueueClosed is returned by Enqueue once the queue no longer accepts work:
// it was closed, or its worker has terminated. Callers must not treat it as a
// dropped write they can ignore.
var ErrQueueClosed = errors.New("write queue closed")

// DefaultFlushPollInterval is how often Flush re-reads the pending counter.
const DefaultFlushPollInterval = 10 * time.Millisecond

// OpKind tags a WriteOp.
type OpKind uint8

const (
	OpTranscription OpKind = iota + 1
	OpGeneric
	opShutdown
)

func (k OpKind) String() string {
	switch k {
	case OpTranscription:
		return "transcription"
	case OpGeneric:
		return "generic"
	case opShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("OpKind(%d)", uint8(k))
	}
}

// WriteOp is one deferred persistence request. It is created by a producer,
// consumed exactly once by the worker and never mutated in between.
type WriteOp struct {
	ID         string
	Kind       OpKind
	EnqueuedAt time.Time

	// Transcription is set for OpTranscription.
	Transcription Transcription

	// Table and Payload are set for OpGeneric. Payload is the serialized JSON
	// object; the worker decodes it before calling the persister.
	Table   string
	Payload []byte
}

// Observer receives queue events. The telemetry package implements it with
// Prometheus metrics; a nil Observer disables the hooks. The pending count is
// not pushed through it: read Pending instead.
type Observer interface {
	OpEnqueued(kind string)
	OpDone(kind string, wait, latency time.Duration, err error)
}

// Options configures a WriteQueue.
type Options struct {
	// FlushPollInterval defaults to DefaultFlushPollInterval.
	FlushPollInterval time.Duration
	Logger            *zerolog.Logger
	Observer          Observer
}

// QueueStats is a point-in-time view of the queue counters.
type QueueStats struct {
	Pending   int64
	Enqueued  int64
	Persisted int64
	Failed    int64
}

// WriteQueue accepts writes from any number of goroutines and applies them,
// one at a time and in submission order, on a single worker goroutine.
//
// Enqueue never blocks: the backlog is an unbounded FIFO. There is no timeout
// on an individual persister call, so a persister that hangs stalls the whole
// queue.
type WriteQueue struct {
	persister Persister
	log       *zerolog.Logger
	obs       Observer
	poll      time.Duration
	base      context.Context

	mu     sync.Mutex
	ops    []WriteOp
	closed bool

	wake chan struct{}
	done chan struct{}

	pending   atomic.Int64
	enqueued  atomic.Int64
	persisted atomic.Int64
	failed    atomic.Int64
}

// NewWriteQueue creates the queue and starts its worker.
func NewWriteQueue(p Persister, opts Options) *WriteQueue {
	if opts.FlushPollInterval <= 0 {
		opts.FlushPollInterval = DefaultFlushPollInterval
	}
	log := opts.Logger
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	q := &WriteQueue{
		persister: p,
		log:       log,
		obs:       opts.Observer,
		poll:      opts.FlushPollInterval,
		base:      context.Background(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go q.run()
	return q
}

// Enqueue hands op to the worker. ID and EnqueuedAt are filled in when empty.
// It returns the op id, or ErrQueueClosed.
func (q *WriteQueue) Enqueue(op WriteOp) (string, error) {
	if op.Kind != OpTranscription && op.Kind != OpGeneric {
		return "", fmt.Errorf("enqueue: unsupported op kind %s", op.Kind)
	}
	if op.Kind == OpGeneric && op.Table == "" {
		return "", errors.New("enqueue: generic write without a table name")
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.pending.Add(1)
	q.ops = append(q.ops, op)
	q.mu.Unlock()

	q.enqueued.Add(1)
	q.signal()
	if q.obs != nil {
		q.obs.OpEnqueued(op.Kind.String())
	}
	return op.ID, nil
}

// EnqueueTranscription queues a transcription write.
func (q *WriteQueue) EnqueueTranscription(scopeID, subScopeID, userID uint64, text, displayName string, durationSecs float64) (string, error) {
	return q.Enqueue(WriteOp{
		Kind: OpTranscription,
		Transcription: Transcription{
			ScopeID:      scopeID,
			SubScopeID:   subScopeID,
			UserID:       userID,
			Content:      text,
			DisplayName:  displayName,
			DurationSecs: durationSecs,
		},
	})
}

// EnqueueGeneric queues a write of payload, a serialized JSON object, to
// table.
func (q *WriteQueue) EnqueueGeneric(table string, payload []byte) (string, error) {
	return q.Enqueue(WriteOp{Kind: OpGeneric, Table: table, Payload: payload})
}

// Pending returns the number of ops enqueued but not yet fully processed.
func (q *WriteQueue) Pending() int64 { return q.pending.Load() }

// Stats returns the queue counters.
func (q *WriteQueue) Stats() QueueStats {
	return QueueStats{
		Pending:   q.pending.Load(),
		Enqueued:  q.enqueued.Load(),
		Persisted: q.persisted.Load(),
		Failed:    q.failed.Load(),
	}
}

// Flush blocks until the pending count reaches zero or ctx is done, polling
// every FlushPollInterval. It is a best-effort drain: an Enqueue racing with
// Flush may be missed. Stop producing first if you need a strict barrier.
func (q *WriteQueue) Flush(ctx context.Context) error {
	if q.pending.Load() == 0 {
		return nil
	}
	ticker := time.NewTicker(q.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if q.pending.Load() == 0 {
				return nil
			}
		}
	}
}

// Close stops accepting new ops and queues the shutdown sentinel behind the
// existing backlog. It does not wait for the worker; use Shutdown or Done for
// that. Safe to call more than once.
func (q *WriteQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.ops = append(q.ops, WriteOp{Kind: opShutdown})
	q.mu.Unlock()
	q.signal()
}

// Shutdown closes the queue and waits until the worker has drained the
// backlog and exited, or ctx is done.
func (q *WriteQueue) Shutdown(ctx context.Context) error {
	q.Close()
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("write queue shutdown with %d pending: %w", q.pending.Load(), ctx.Err())
	}
}

// Done is closed once the worker has exited.
func (q *WriteQueue) Done() <-chan struct{} { return q.done }

func (q *WriteQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
