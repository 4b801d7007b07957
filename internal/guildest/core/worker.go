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

// The write queue's single consumer.

package core

import (
	"fmt"
	"time"
)

// run is the worker loop. It takes the whole backlog at once, applies it in
// order and goes back to sleep until the next signal. It exits when it reaches
// the shutdown sentinel.
func (q *WriteQueue) run() {
	defer close(q.done)
	q.log.Debug().Msg("write queue worker started")

	var batch []WriteOp
	for {
		q.mu.Lock()
		batch, q.ops = q.ops, batch[:0]
		q.mu.Unlock()

		if len(batch) == 0 {
			<-q.wake
			continue
		}
		for i := range batch {
			op := batch[i]
			batch[i] = WriteOp{}
			if op.Kind == opShutdown {
				q.log.Debug().Msg("write queue worker stopped")
				return
			}
			q.process(op)
		}
	}
}

// process applies one op and always releases its pending slot, whether the
// persister succeeded, failed or panicked. Failures are logged, not retried.
func (q *WriteQueue) process(op WriteOp) {
	defer q.pending.Add(-1)
	start := time.Now()
	err := q.apply(op)
	latency := time.Since(start)

	if err != nil {
		q.failed.Add(1)
		ev := q.log.Error().Err(err).
			Str("op_id", op.ID).
			Str("kind", op.Kind.String())
		if op.Kind == OpGeneric {
			ev = ev.Str("table", op.Table)
		}
		ev.Dur("latency", latency).Msg("write failed")
	} else {
		q.persisted.Add(1)
	}

	q.notifyDone(op, start.Sub(op.EnqueuedAt), latency, err)
}

// notifyDone reports a finished op to the observer. An observer panic is
// logged and dropped so it cannot take the worker down with it.
func (q *WriteQueue) notifyDone(op WriteOp, wait, latency time.Duration, err error) {
	if q.obs == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.log.Error().Str("op_id", op.ID).Interface("panic", r).Msg("write observer panicked")
		}
	}()
	q.obs.OpDone(op.Kind.String(), wait, latency, err)
}

func (q *WriteQueue) apply(op WriteOp) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("persister panic: %v", r)
		}
	}()
	ctx := WithOpID(q.base, op.ID)
	switch op.Kind {
	case OpTranscription:
		return q.persister.SaveTranscription(ctx, op.Transcription)
	case OpGeneric:
		rec, err := DecodeRecord(op.Payload)
		if err != nil {
			return err
		}
		return q.persister.ApplyGeneric(ctx, op.Table, rec)
	default:
		return fmt.Errorf("unsupported op kind %s", op.Kind)
	}
}
