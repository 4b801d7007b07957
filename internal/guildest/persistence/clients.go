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

	"guildest/pkg/textutil"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// LoggingRedisEvaler only logs the Lua evaluation. It lets a local run select
// the Redis adapter without a Redis server.
type LoggingRedisEvaler struct {
	Log *zerolog.Logger
}

func (l LoggingRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if l.Log != nil {
		l.Log.Info().Int("script_len", len(script)).Strs("keys", keys).Interface("args", args).Msg("redis eval (logging client)")
	}
	return int64(1), nil
}

// GoRedisEvaler implements RedisEvaler on top of github.com/redis/go-redis/v9.
type GoRedisEvaler struct{ c *redis.Client }

// NewGoRedisEvaler connects lazily to addr (host:port).
func NewGoRedisEvaler(addr string) *GoRedisEvaler {
	opt := &redis.Options{Addr: addr}
	return &GoRedisEvaler{c: redis.NewClient(opt)}
}

// NewGoRedisEvalerFromClient wraps an existing client.
func NewGoRedisEvalerFromClient(c *redis.Client) *GoRedisEvaler { return &GoRedisEvaler{c: c} }

func (g *GoRedisEvaler) Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	return g.c.Eval(ctx, script, keys, args...).Result()
}

// Ping checks connectivity.
func (g *GoRedisEvaler) Ping(ctx context.Context) error { return g.c.Ping(ctx).Err() }

// Close releases the client's connections.
func (g *GoRedisEvaler) Close() error { return g.c.Close() }

// LoggingKafkaProducer only logs the produced message. It lets a local run
// select the Kafka adapter without a broker.
type LoggingKafkaProducer struct {
	Log *zerolog.Logger
}

func (l LoggingKafkaProducer) Produce(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if l.Log != nil {
		l.Log.Info().
			Str("topic", topic).
			Bytes("key", key).
			Str("value", textutil.Truncate(string(value), 256)).
			Interface("headers", headers).
			Msg("kafka produce (logging producer)")
	}
	return nil
}
