//go:build e2e

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

package e2e

import (
	"context"
	"net/http"
	"os"
	"testing"
	"time"

	"guildest/internal/guildest/persistence"

	"github.com/redis/go-redis/v9"
)

// TestE2E_RedisGenericWrites requires REDIS_ADDR (e.g. 127.0.0.1:6379).
func TestE2E_RedisGenericWrites(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping: REDIS_ADDR not set")
	}
	rc := redis.NewClient(&redis.Options{Addr: addr})
	defer rc.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping: Redis not reachable on %s: %v", addr, err)
	}

	table := uniq("e2e_levels")
	listKey := persistence.RedisTableKey(table)
	t.Cleanup(func() { _ = rc.Del(context.Background(), listKey).Err() })

	rs := buildAndStartServer(t, "--persistence.adapter=redis", "--persistence.redis_addr="+addr)

	const n = 5
	for i := 0; i < n; i++ {
		status, _ := rs.postJSON(t, "/v1/records/"+table, map[string]any{"user_id": i, "xp": i * 10})
		if status != http.StatusAccepted {
			t.Fatalf("enqueue %d: status %d", i, status)
		}
	}
	if status, out := rs.postJSON(t, "/v1/flush?timeout=5s", nil); status != http.StatusOK {
		t.Fatalf("flush: %d %v", status, out)
	}

	got, err := rc.LLen(context.Background(), listKey).Result()
	if err != nil {
		t.Fatalf("LLEN: %v", err)
	}
	if got != n {
		t.Fatalf("list length=%d want %d", got, n)
	}
}
