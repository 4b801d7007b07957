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
	"context"
	"encoding/json"
	"fmt"
	"time"

	"guildest/internal/guildest/core"
)

// KafkaProducer is a minimal abstraction over a Kafka client.
//
// Requirements:
//   - Idempotent producer ON (enable.idempotence=true)
//   - The op id is used as the message key so broker dedup + per-key ordering are preserved
//   - Acks=all is recommended
//
// Note: We intentionally avoid importing a specific Kafka library.
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

// KafkaPersister publishes writes as Kafka messages. Downstream consumers
// materialize them and must ignore op ids they have already applied.
type KafkaPersister struct {
	producer       KafkaProducer
	topic          string
	guard          tableGuard
	defaultTimeout time.Duration
}

func NewKafkaPersister(p KafkaProducer, topic string, allowTables []string) *KafkaPersister {
	return &KafkaPersister{producer: p, topic: topic, guard: newTableGuard(allowTables), defaultTimeout: 10 * time.Second}
}

// SaveTranscription publishes a TranscriptionMessage with header kind=transcription.
func (k *KafkaPersister) SaveTranscription(ctx context.Context, t core.Transcription) error {
	opID := opIDOrNew(ctx)
	b, err := json.Marshal(TranscriptionMessage{OpID: opID, Transcription: t, TsUnixMs: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshal kafka message: %w", err)
	}
	return k.produce(ctx, opID, b, map[string]string{"kind": core.OpTranscription.String()})
}

// ApplyGeneric publishes a RecordMessage with headers kind=generic and table=<table>.
func (k *KafkaPersister) ApplyGeneric(ctx context.Context, table string, rec core.Record) error {
	if err := k.guard.check(table); err != nil {
		return err
	}
	opID := opIDOrNew(ctx)
	b, err := json.Marshal(RecordMessage{OpID: opID, Table: table, Record: rec, TsUnixMs: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshal kafka message: %w", err)
	}
	return k.produce(ctx, opID, b, map[string]string{"kind": core.OpGeneric.String(), "table": table})
}

func (k *KafkaPersister) produce(ctx context.Context, opID string, value []byte, headers map[string]string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); !ok && k.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, k.defaultTimeout)
		defer cancel()
	}
	headers["content-type"] = "application/json"
	if err := k.producer.Produce(ctx, k.topic, []byte(opID), value, headers); err != nil {
		return fmt.Errorf("kafka produce topic=%s op=%s: %w", k.topic, opID, err)
	}
	return nil
}
