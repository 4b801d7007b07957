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

package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"guildest/internal/guildest/core"
)

// LogEntry is one line of the JSONL write log.
type LogEntry struct {
	Kind          string              `json:"kind"`
	OpID          string              `json:"op_id,omitempty"`
	Transcription *core.Transcription `json:"transcription,omitempty"`
	Table         string              `json:"table,omitempty"`
	Record        core.Record         `json:"record,omitempty"`
	TsUnixMs      int64               `json:"ts_unix_ms"`
}

// FilePersister appends every write to a JSONL file for audit or replay.
// Lines are buffered and reach the file within flushEvery, even when no
// further write arrives; Flush and Close force it.
type FilePersister struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	flushEvery time.Duration
	lastFlush  time.Time
	timer      *time.Timer // armed while unflushed lines are buffered
	closed     bool
	guard      tableGuard
}

func NewFilePersister(path string, allowTables []string) (*FilePersister, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open write log: %w", err)
	}
	return &FilePersister{
		f:          f,
		w:          bufio.NewWriterSize(f, 1<<20),
		path:       path,
		flushEvery: 100 * time.Millisecond,
		lastFlush:  time.Now(),
		guard:      newTableGuard(allowTables),
	}, nil
}

func (s *FilePersister) SaveTranscription(ctx context.Context, t core.Transcription) error {
	return s.append(LogEntry{Kind: core.OpTranscription.String(), OpID: core.OpIDFromContext(ctx), Transcription: &t})
}

func (s *FilePersister) ApplyGeneric(ctx context.Context, table string, rec core.Record) error {
	if err := s.guard.check(table); err != nil {
		return err
	}
	return s.append(LogEntry{Kind: core.OpGeneric.String(), OpID: core.OpIDFromContext(ctx), Table: table, Record: rec})
}

func (s *FilePersister) append(e LogEntry) error {
	e.TsUnixMs = time.Now().UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := json.NewEncoder(s.w).Encode(&e); err != nil {
		return fmt.Errorf("append %s: %w", s.path, err)
	}
	if time.Since(s.lastFlush) > s.flushEvery {
		if err := s.flushLocked(); err != nil {
			return fmt.Errorf("flush %s: %w", s.path, err)
		}
		return nil
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.flushEvery, s.flushPending)
	}
	return nil
}

// flushPending runs from the timer so the tail of a burst is not held back
// until the next write.
func (s *FilePersister) flushPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if s.closed {
		return
	}
	_ = s.flushLocked()
}

func (s *FilePersister) flushLocked() error {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.lastFlush = time.Now()
	return s.w.Flush()
}

func (s *FilePersister) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *FilePersister) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	_ = s.flushLocked()
	return s.f.Close()
}

// ReadLog reads a write log for replay. Malformed lines are skipped.
func ReadLog(path string) ([]LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []LogEntry
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<20)
	scanner.Buffer(buf, 1<<26)
	for scanner.Scan() {
		var e LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err == nil {
			out = append(out, e)
		}
	}
	return out, scanner.Err()
}
