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

package core

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type call struct {
	kind  string
	opID  string
	key   string // transcription content or table name
	tr    Transcription
	rec   Record
	order int
}

// recordingPersister keeps every call in order. fail and panicOn select
// contents (or tables) that should error or panic; gate, when non-nil, blocks
// each call until it can receive.
type recordingPersister struct {
	mu    sync.Mutex
	calls []call

	fail    map[string]bool
	panicOn map[string]bool
	gate    chan struct{}
	active  atomic.Int32
	overlap atomic.Bool
}

func (p *recordingPersister) enter(c call) error {
	if p.active.Add(1) > 1 {
		p.overlap.Store(true)
	}
	defer p.active.Add(-1)
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	c.order = len(p.calls)
	p.calls = append(p.calls, c)
	p.mu.Unlock()
	if p.panicOn[c.key] {
		panic("boom: " + c.key)
	}
	if p.fail[c.key] {
		return errors.New("forced persister error")
	}
	return nil
}

func (p *recordingPersister) SaveTranscription(ctx context.Context, t Transcription) error {
	return p.enter(call{kind: "transcription", opID: OpIDFromContext(ctx), key: t.Content, tr: t})
}

func (p *recordingPersister) ApplyGeneric(ctx context.Context, table string, rec Record) error {
	return p.enter(call{kind: "generic", opID: OpIDFromContext(ctx), key: table, rec: rec})
}

func (p *recordingPersister) snapshot() []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]call(nil), p.calls...)
}

func flushCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// TestWriteQueue_FIFOAndFlush verifies that after N enqueues Flush returns
// once every op was applied exactly once, in submission order.
func TestWriteQueue_FIFOAndFlush(t *testing.T) {
	p := &recordingPersister{}
	q := NewWriteQueue(p, Options{})
	defer q.Close()

	const n = 500
	for i := 0; i < n; i++ {
		var err error
		if i%2 == 0 {
			_, err = q.EnqueueTranscription(1, 2, uint64(i), strconv.Itoa(i), "user", 1.5)
		} else {
			_, err = q.EnqueueGeneric(fmt.Sprintf("t%d", i), []byte(`{"i":`+strconv.Itoa(i)+`}`))
		}
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.Flush(flushCtx(t)); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if got := q.Pending(); got != 0 {
		t.Fatalf("pending after flush = %d", got)
	}

	calls := p.snapshot()
	if len(calls) != n {
		t.Fatalf("persister saw %d calls, want %d", len(calls), n)
	}
	for i, c := range calls {
		if i%2 == 0 {
			if c.kind != "transcription" || c.key != strconv.Itoa(i) || c.tr.UserID != uint64(i) {
				t.Fatalf("call %d out of order: %+v", i, c)
			}
			if c.tr.ScopeID != 1 || c.tr.SubScopeID != 2 || c.tr.DisplayName != "user" || c.tr.DurationSecs != 1.5 {
				t.Fatalf("call %d fields not passed verbatim: %+v", i, c.tr)
			}
		} else {
			if c.kind != "generic" || c.key != fmt.Sprintf("t%d", i) || c.rec["i"] != int64(i) {
				t.Fatalf("call %d out of order: %+v", i, c)
			}
		}
	}
	if p.overlap.Load() {
		t.Fatalf("persister was called concurrently")
	}
	if st := q.Stats(); st.Enqueued != n || st.Persisted != n || st.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

// TestWriteQueue_ConcurrentProducers checks per-producer ordering and that no
// op is lost or duplicated when many goroutines enqueue at once.
func TestWriteQueue_ConcurrentProducers(t *testing.T) {
	p := &recordingPersister{}
	q := NewWriteQueue(p, Options{})
	defer q.Close()

	const producers, perProducer = 8, 250
	var wg sync.WaitGroup
	for g := 0; g < producers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := q.EnqueueTranscription(uint64(g), 0, uint64(i), "", "", 0); err != nil {
					t.Errorf("enqueue: %v", err)
					return
				}
			}
		}(g)
	}
	wg.Wait()
	if err := q.Flush(flushCtx(t)); err != nil {
		t.Fatalf("flush: %v", err)
	}

	next := make(map[uint64]uint64)
	calls := p.snapshot()
	if len(calls) != producers*perProducer {
		t.Fatalf("got %d calls, want %d", len(calls), producers*perProducer)
	}
	for _, c := range calls {
		if c.tr.UserID != next[c.tr.ScopeID] {
			t.Fatalf("producer %d: got seq %d, want %d", c.tr.ScopeID, c.tr.UserID, next[c.tr.ScopeID])
		}
		next[c.tr.ScopeID]++
	}
}

// TestWriteQueue_FailuresDoNotStopTheQueue ensures errors, panics and bad
// payloads are counted and the worker carries on with the next op.
func TestWriteQueue_FailuresDoNotStopTheQueue(t *testing.T) {
	p := &recordingPersister{
		fail:    map[string]bool{"bad": true},
		panicOn: map[string]bool{"boom": true},
	}
	q := NewWriteQueue(p, Options{})
	defer q.Close()

	q.EnqueueTranscription(1, 1, 1, "ok-1", "", 0)
	q.EnqueueTranscription(1, 1, 1, "bad", "", 0)
	q.EnqueueTranscription(1, 1, 1, "boom", "", 0)
	q.EnqueueGeneric("levels", []byte(`not json`))
	q.EnqueueGeneric("levels", []byte(`[1,2,3]`))
	q.EnqueueTranscription(1, 1, 1, "ok-2", "", 0)

	if err := q.Flush(flushCtx(t)); err != nil {
		t.Fatalf("flush: %v", err)
	}
	calls := p.snapshot()
	// the two malformed payloads never reach the persister
	if len(calls) != 4 || calls[0].key != "ok-1" || calls[3].key != "ok-2" {
		t.Fatalf("unexpected calls: %+v", calls)
	}
	if st := q.Stats(); st.Failed != 4 || st.Persisted != 2 || st.Pending != 0 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestWriteQueue_EnqueueAfterClose(t *testing.T) {
	q := NewWriteQueue(&recordingPersister{}, Options{})
	q.Close()
	q.Close() // idempotent

	if _, err := q.EnqueueTranscription(1, 1, 1, "late", "", 0); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	select {
	case <-q.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("worker did not exit after Close")
	}
	if q.Pending() != 0 {
		t.Fatalf("rejected op must not be counted as pending")
	}
}

// TestWriteQueue_CloseDoesNotWait verifies Close returns while the worker is
// still busy, and that the backlog queued before Close is still applied.
func TestWriteQueue_CloseDoesNotWait(t *testing.T) {
	p := &recordingPersister{gate: make(chan struct{})}
	q := NewWriteQueue(p, Options{})

	for i := 0; i < 3; i++ {
		if _, err := q.EnqueueTranscription(1, 1, uint64(i), strconv.Itoa(i), "", 0); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	returned := make(chan struct{})
	go func() {
		q.Close()
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close blocked on a busy worker")
	}
	select {
	case <-q.Done():
		t.Fatalf("worker exited before draining its backlog")
	default:
	}

	close(p.gate)
	if err := q.Shutdown(flushCtx(t)); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := len(p.snapshot()); n != 3 {
		t.Fatalf("expected backlog of 3 to be applied, got %d", n)
	}
}

func TestWriteQueue_FlushHonoursContext(t *testing.T) {
	p := &recordingPersister{gate: make(chan struct{})}
	q := NewWriteQueue(p, Options{FlushPollInterval: time.Millisecond})
	defer func() {
		close(p.gate)
		q.Close()
	}()

	q.EnqueueTranscription(1, 1, 1, "stuck", "", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := q.Flush(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if q.Pending() != 1 {
		t.Fatalf("pending = %d, want 1 while the persister is stuck", q.Pending())
	}
}

func TestWriteQueue_ShutdownTimeout(t *testing.T) {
	p := &recordingPersister{gate: make(chan struct{})}
	q := NewWriteQueue(p, Options{})
	defer close(p.gate)

	q.EnqueueTranscription(1, 1, 1, "stuck", "", 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestWriteQueue_RejectsInvalidOps(t *testing.T) {
	q := NewWriteQueue(&recordingPersister{}, Options{})
	defer q.Close()

	if _, err := q.Enqueue(WriteOp{}); err == nil {
		t.Fatalf("expected error for zero kind")
	}
	if _, err := q.Enqueue(WriteOp{Kind: opShutdown}); err == nil {
		t.Fatalf("producers must not enqueue the shutdown sentinel")
	}
	if _, err := q.EnqueueGeneric("", []byte(`{}`)); err == nil {
		t.Fatalf("expected error for empty table")
	}
	if q.Pending() != 0 {
		t.Fatalf("rejected ops must not be counted")
	}
}

func TestWriteQueue_OpIDReachesPersister(t *testing.T) {
	p := &recordingPersister{}
	q := NewWriteQueue(p, Options{})
	defer q.Close()

	id, err := q.EnqueueGeneric("audit", []byte(`{"a":1}`))
	if err != nil || id == "" {
		t.Fatalf("enqueue: id=%q err=%v", id, err)
	}
	custom, _ := q.Enqueue(WriteOp{ID: "fixed-id", Kind: OpTranscription})
	if custom != "fixed-id" {
		t.Fatalf("caller-provided id replaced: %q", custom)
	}
	if err := q.Flush(flushCtx(t)); err != nil {
		t.Fatalf("flush: %v", err)
	}
	calls := p.snapshot()
	if calls[0].opID != id || calls[1].opID != "fixed-id" {
		t.Fatalf("op ids not propagated: %q %q", calls[0].opID, calls[1].opID)
	}
}

type countingObserver struct {
	mu       sync.Mutex
	enqueued map[string]int
	done     map[string]int
	errs     int
}

func (o *countingObserver) OpEnqueued(kind string) {
	o.mu.Lock()
	o.enqueued[kind]++
	o.mu.Unlock()
}

func (o *countingObserver) OpDone(kind string, wait, latency time.Duration, err error) {
	o.mu.Lock()
	o.done[kind]++
	if err != nil {
		o.errs++
	}
	o.mu.Unlock()
}

func TestWriteQueue_Observer(t *testing.T) {
	obs := &countingObserver{enqueued: map[string]int{}, done: map[string]int{}}
	q := NewWriteQueue(&recordingPersister{fail: map[string]bool{"x": true}}, Options{Observer: obs})

	q.EnqueueTranscription(1, 1, 1, "a", "", 0)
	q.EnqueueGeneric("x", []byte(`{}`))
	if err := q.Shutdown(flushCtx(t)); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.enqueued["transcription"] != 1 || obs.enqueued["generic"] != 1 {
		t.Fatalf("enqueued = %v", obs.enqueued)
	}
	if obs.done["transcription"] != 1 || obs.done["generic"] != 1 || obs.errs != 1 {
		t.Fatalf("done = %v errs=%d", obs.done, obs.errs)
	}
}

type panickingObserver struct{}

func (panickingObserver) OpEnqueued(string) {}
func (panickingObserver) OpDone(string, time.Duration, time.Duration, error) {
	panic("observer boom")
}

func TestWriteQueue_ObserverPanicKeepsWorkerAlive(t *testing.T) {
	p := &recordingPersister{}
	q := NewWriteQueue(p, Options{Observer: panickingObserver{}})
	defer q.Close()

	for i := 0; i < 3; i++ {
		if _, err := q.EnqueueTranscription(1, 1, 1, strconv.Itoa(i), "", 0); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	if err := q.Flush(flushCtx(t)); err != nil {
		t.Fatalf("flush: %v (pending=%d)", err, q.Pending())
	}
	select {
	case <-q.Done():
		t.Fatalf("worker exited after an observer panic")
	default:
	}
	if st := q.Stats(); st.Persisted != 3 || st.Pending != 0 {
		t.Fatalf("stats = %+v", st)
	}
	if _, err := q.EnqueueGeneric("after", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue after panic: %v", err)
	}
	if err := q.Flush(flushCtx(t)); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if got := len(p.snapshot()); got != 4 {
		t.Fatalf("calls=%d want 4", got)
	}
}

func TestOpKind_String(t *testing.T) {
	if OpTranscription.String() != "transcription" || OpGeneric.String() != "generic" || OpKind(9).String() != "OpKind(9)" {
		t.Fatalf("unexpected OpKind strings")
	}
}
