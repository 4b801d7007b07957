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
	"errors"
	"fmt"
	"io"
	"time"

	"guildest/internal/guildest/core"

	"github.com/rs/zerolog"
)

// Options holds the knobs for BuildPersister.
type Options struct {
	SQLitePath     string
	FilePath       string
	PostgresDSN    string
	RedisAddr      string
	RedisMarkerTTL time.Duration
	KafkaTopic     string
	AllowTables    []string
	Logger         *zerolog.Logger
}

// BuildPersister constructs a core.Persister based on a string selector.
// Supported adapters:
//   - "mock": logs writes only (default)
//   - "sqlite": SQLPersister on modernc.org/sqlite; SQLitePath defaults to guildest.db
//   - "postgres": SQLPersister on pgx; PostgresDSN is required
//   - "redis": RedisPersister; a logging client is used when RedisAddr is empty
//   - "kafka": KafkaPersister with a logging producer
//   - "file": FilePersister appending JSONL; FilePath defaults to guildest-writes.jsonl
//
// SQL adapters are migrated before returning. Persisters holding connections
// implement io.Closer.
func BuildPersister(ctx context.Context, adapter string, opts Options) (core.Persister, error) {
	log := opts.Logger
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	switch adapter {
	case "", "mock":
		return core.NewMockPersister(log), nil
	case "sqlite":
		path := opts.SQLitePath
		if path == "" {
			path = "guildest.db"
		}
		db, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, NewSQLPersister(db, DialectSQLite, opts.AllowTables, log))
	case "postgres":
		if opts.PostgresDSN == "" {
			return nil, errors.New("postgres adapter requires a dsn")
		}
		db, err := OpenPostgres(ctx, opts.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return migrated(ctx, NewSQLPersister(db, DialectPostgres, opts.AllowTables, log))
	case "redis":
		var evaler RedisEvaler
		if opts.RedisAddr != "" {
			evaler = NewGoRedisEvaler(opts.RedisAddr)
		} else {
			evaler = LoggingRedisEvaler{Log: log}
		}
		return &closingRedis{RedisPersister: NewRedisPersister(evaler, opts.RedisMarkerTTL, opts.AllowTables), evaler: evaler}, nil
	case "kafka":
		topic := opts.KafkaTopic
		if topic == "" {
			topic = "guildest-writes"
		}
		return NewKafkaPersister(LoggingKafkaProducer{Log: log}, topic, opts.AllowTables), nil
	case "file":
		path := opts.FilePath
		if path == "" {
			path = "guildest-writes.jsonl"
		}
		fp, err := NewFilePersister(path, opts.AllowTables)
		if err != nil {
			return nil, err
		}
		return fp, nil
	default:
		return nil, fmt.Errorf("unknown persistence adapter: %s", adapter)
	}
}

func migrated(ctx context.Context, p *SQLPersister) (core.Persister, error) {
	if err := p.Migrate(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// closingRedis closes the Redis client, if it has one, with the persister.
type closingRedis struct {
	*RedisPersister
	evaler RedisEvaler
}

func (c *closingRedis) Close() error {
	if cl, ok := c.evaler.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}
