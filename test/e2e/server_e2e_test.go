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
	"path/filepath"
	"runtime"
	"testing"

	"guildest/internal/guildest/persistence"
)

// TestE2E_SpamDetection drives one user past the default threshold (20 in 10s).
func TestE2E_SpamDetection(t *testing.T) {
	rs := buildAndStartServer(t)

	var out map[string]any
	for i := 0; i < 21; i++ {
		var status int
		status, out = rs.postJSON(t, "/v1/spam", map[string]any{"user_id": 77, "ts": 1000.0 + float64(i)*0.1})
		if status != http.StatusOK {
			t.Fatalf("spam check %d: status %d", i, status)
		}
		if i < 20 && out["spam"] == true {
			t.Fatalf("flagged too early at message %d", i+1)
		}
	}
	if out["spam"] != true {
		t.Fatalf("21st message should be spam: %v", out)
	}
}

// TestE2E_EngagementTriggers forces trigger_chance=1 so the first active
// conversation triggers and the cooldown suppresses the next one.
func TestE2E_EngagementTriggers(t *testing.T) {
	rs := buildAndStartServer(t, "--tracker.trigger_chance=1")

	triggers := 0
	for i := 0; i < 12; i++ {
		_, out := rs.postJSON(t, "/v1/activity", map[string]any{
			"scope_id": 5, "user_id": 100 + i%3, "content": "hey", "ts": 2000.0 + float64(i),
		})
		if out["trigger"] == true {
			triggers++
		}
	}
	if triggers != 1 {
		t.Fatalf("expected exactly one trigger inside the cooldown, got %d", triggers)
	}
}

// TestE2E_SQLiteDrainOnShutdown enqueues transcriptions and stops the process
// immediately; graceful shutdown must persist every accepted write.
func TestE2E_SQLiteDrainOnShutdown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs SIGINT for graceful shutdown")
	}
	dbPath := filepath.Join(t.TempDir(), "e2e.db")
	rs := buildAndStartServer(t, "--persistence.adapter=sqlite", "--persistence.sqlite_path="+dbPath)

	const n = 200
	for i := 0; i < n; i++ {
		status, _ := rs.postJSON(t, "/v1/transcriptions", map[string]any{
			"scope_id": 1, "sub_scope_id": 2, "user_id": 3 + i, "content": "line", "duration_secs": 0.5,
		})
		if status != http.StatusAccepted {
			t.Fatalf("enqueue %d: status %d", i, status)
		}
	}
	rs.stop(t)

	db, err := persistence.OpenSQLite(context.Background(), dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	var got int
	if err := db.QueryRow(`SELECT COUNT(*) FROM transcriptions`).Scan(&got); err != nil {
		t.Fatalf("count: %v", err)
	}
	if got != n {
		t.Fatalf("persisted %d transcriptions, want %d", got, n)
	}
}
