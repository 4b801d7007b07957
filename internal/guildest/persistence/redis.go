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

	"github.com/google/uuid"
)

// RedisEvaler abstracts the minimal surface we need from a Redis client.
// Implementations may wrap github.com/redis/go-redis/v9 (Cmdable.Eval) or any equivalent.
type RedisEvaler interface {
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// RedisPersister appends writes to Redis lists using a Lua script:
// 1) SETNX guildest:op:<op_id> 1
// 2) If set -> RPUSH <list> <json>
// 3) EXPIRE the marker (TTL) for leak protection
// If SETNX fails (already applied), returns OK and makes no changes.
type RedisPersister struct {
	client    RedisEvaler
	markerTTL time.Duration
	guard     tableGuard
}

// NewRedisPersister returns a persister with the given client and marker TTL.
// markerTTL bounds how long a replayed op is recognized; choose a duration
// comfortably larger than the longest shutdown drain.
func NewRedisPersister(client RedisEvaler, markerTTL time.Duration, allowTables []string) *RedisPersister {
	if markerTTL <= 0 {
		markerTTL = 24 * time.Hour
	}
	return &RedisPersister{client: client, markerTTL: markerTTL, guard: newTableGuard(allowTables)}
}

// redisLuaScript returns 1 if the value was appended, 0 if the op was already applied.
const redisLuaScript = `
local listKey = KEYS[1]
local markerKey = KEYS[2]
local value = ARGV[1]
local ttlSeconds = tonumber(ARGV[2])
local set = redis.call('SETNX', markerKey, 1)
if set == 1 then
  redis.call('RPUSH', listKey, value)
  if ttlSeconds and ttlSeconds > 0 then
    redis.call('EXPIRE', markerKey, ttlSeconds)
  end
  return 1
else
  return 0
end
`

// Key layout helpers (public for consumers reading the lists).
func RedisTranscriptionsKey() string      { return "guildest:transcriptions" }
func RedisTableKey(table string) string   { return fmt.Sprintf("guildest:table:%s", table) }
func RedisOpMarkerKey(opID string) string { return fmt.Sprintf("guildest:op:%s", opID) }

// TranscriptionMessage is the JSON stored for a transcription (Redis list entry
// or Kafka message value).
type TranscriptionMessage struct {
	OpID string `json:"op_id"`
	core.Transcription
	TsUnixMs int64 `json:"ts_unix_ms"`
}

// RecordMessage is the JSON stored for a generic write.
type RecordMessage struct {
	OpID     string      `json:"op_id"`
	Table    string      `json:"table"`
	Record   core.Record `json:"record"`
	TsUnixMs int64       `json:"ts_unix_ms"`
}

// SaveTranscription appends the transcription to guildest:transcriptions.
func (r *RedisPersister) SaveTranscription(ctx context.Context, t core.Transcription) error {
	opID := opIDOrNew(ctx)
	b, err := json.Marshal(TranscriptionMessage{OpID: opID, Transcription: t, TsUnixMs: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshal transcription: %w", err)
	}
	return r.append(ctx, RedisTranscriptionsKey(), opID, b)
}

// ApplyGeneric appends the record to guildest:table:<table>.
func (r *RedisPersister) ApplyGeneric(ctx context.Context, table string, rec core.Record) error {
	if err := r.guard.check(table); err != nil {
		return err
	}
	opID := opIDOrNew(ctx)
	b, err := json.Marshal(RecordMessage{OpID: opID, Table: table, Record: rec, TsUnixMs: time.Now().UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return r.append(ctx, RedisTableKey(table), opID, b)
}

func (r *RedisPersister) append(ctx context.Context, listKey, opID string, value []byte) error {
	keys := []string{listKey, RedisOpMarkerKey(opID)}
	args := []interface{}{string(value), int(r.markerTTL.Seconds())}
	if _, err := r.client.Eval(ctx, redisLuaScript, keys, args...); err != nil {
		return fmt.Errorf("redis eval list=%s op=%s: %w", listKey, opID, err)
	}
	return nil
}

// opIDOrNew returns the queue's op id, or a fresh one for writes made outside
// the queue so the marker never collides.
func opIDOrNew(ctx context.Context) string {
	if id := core.OpIDFromContext(ctx); id != "" {
		return id
	}
	return uuid.NewString()
}
