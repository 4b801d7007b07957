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

// Package core provides the write-offload queue and its supporting pieces:
// the Persister contract the worker calls into, process-level counters and the
// tracker janitor.
package core

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Transcription is one voice transcription to be stored. ScopeID is the guild,
// SubScopeID the voice channel.
type Transcription struct {
	ScopeID      uint64  `json:"scope_id"`
	SubScopeID   uint64  `json:"sub_scope_id"`
	UserID       uint64  `json:"user_id"`
	Content      string  `json:"content"`
	DisplayName  string  `json:"display_name,omitempty"`
	DurationSecs float64 `json:"duration_secs"`
}

// Persister is the storage side of the write queue. The queue calls it from a
// single goroutine, one operation at a time and in submission order, so
// implementations need not be safe for concurrent use by the queue.
//
// The op id of the write being applied is available through OpIDFromContext;
// adapters that support it use it as an idempotency key.
type Persister interface {
	SaveTranscription(ctx context.Context, t Transcription) error
	ApplyGeneric(ctx context.Context, table string, rec Record) error
}

// FinalReporter is implemented by persisters that can print an end-of-process
// summary.
type FinalReporter interface {
	PrintFinalMetrics()
}

// NewMockPersister creates a persister that only logs what it would write.
// It backs the "mock" adapter and keeps totals for the shutdown summary.
func NewMockPersister(log *zerolog.Logger) *MockPersister {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &MockPersister{log: log, tables: make(map[string]int64)}
}

// MockPersister logs writes instead of storing them.
type MockPersister struct {
	log *zerolog.Logger

	mu             sync.Mutex
	transcriptions int64
	tables         map[string]int64
}

// SaveTranscription logs the transcription.
func (p *MockPersister) SaveTranscription(ctx context.Context, t Transcription) error {
	p.log.Debug().
		Str("op_id", OpIDFromContext(ctx)).
		Uint64("scope_id", t.ScopeID).
		Uint64("sub_scope_id", t.SubScopeID).
		Uint64("user_id", t.UserID).
		Int("content_len", len(t.Content)).
		Float64("duration_secs", t.DurationSecs).
		Msg("persist transcription")
	p.mu.Lock()
	p.transcriptions++
	p.mu.Unlock()
	return nil
}

// ApplyGeneric logs the record.
func (p *MockPersister) ApplyGeneric(ctx context.Context, table string, rec Record) error {
	p.log.Debug().
		Str("op_id", OpIDFromContext(ctx)).
		Str("table", table).
		Int("fields", len(rec)).
		Msg("persist record")
	p.mu.Lock()
	p.tables[table]++
	p.mu.Unlock()
	return nil
}

// Totals returns the number of transcriptions and the per-table record counts
// seen so far.
func (p *MockPersister) Totals() (transcriptions int64, tables map[string]int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int64, len(p.tables))
	for k, v := range p.tables {
		out[k] = v
	}
	return p.transcriptions, out
}

// PrintFinalMetrics logs a single summary of what was persisted, the hot-path
// counters and the configured thresholds.
func (p *MockPersister) PrintFinalMetrics() {
	transcriptions, tables := p.Totals()
	ev := p.log.Info().Int64("transcriptions", transcriptions)
	names := make([]string, 0, len(tables))
	for k := range tables {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		ev = ev.Int64("table."+name, tables[name])
	}
	logHotPathTotals(ev)
	ev.Msg("final persistence metrics")
}
