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
	"sync"
	"testing"
	"time"

	"guildest/pkg/activity"
)

type fakeEvictor struct {
	mu      sync.Mutex
	cutoffs []float64
}

func (f *fakeEvictor) EvictIdle(cutoff float64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return 1
}

func (f *fakeEvictor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestJanitor_CutoffUsesEvictionAge(t *testing.T) {
	ev := &fakeEvictor{}
	j := NewJanitor(ev, time.Minute, time.Hour, nil)
	fixed := time.Unix(1_700_000_000, 0)
	j.now = func() time.Time { return fixed }

	if n := j.runEvictionCycle(); n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if got, want := ev.cutoffs[0], float64(1_700_000_000-60); got != want {
		t.Fatalf("cutoff=%v want %v", got, want)
	}
}

func TestJanitor_StartStop(t *testing.T) {
	ev := &fakeEvictor{}
	j := NewJanitor(ev, time.Minute, 2*time.Millisecond, nil)
	j.Start()
	j.Start() // second start is a no-op

	deadline := time.Now().Add(5 * time.Second)
	for ev.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	j.Stop()
	j.Stop()
	if ev.calls() == 0 {
		t.Fatalf("janitor never ran")
	}
}

func TestJanitor_DisabledWithZeroInterval(t *testing.T) {
	ev := &fakeEvictor{}
	j := NewJanitor(ev, time.Minute, 0, nil)
	j.Start()
	j.Stop()
	if ev.calls() != 0 {
		t.Fatalf("disabled janitor should not run")
	}
}

// TestJanitor_WithTracker drives a real tracker: a user idle past the eviction
// age disappears, an active one stays.
func TestJanitor_WithTracker(t *testing.T) {
	tr := activity.New()
	base := time.Unix(1_700_000_000, 0)
	tr.CheckSpam(1, activity.Seconds(base.Add(-2*time.Hour)))
	tr.CheckSpam(2, activity.Seconds(base))

	j := NewJanitor(tr, time.Hour, time.Hour, nil)
	j.now = func() time.Time { return base }
	j.runEvictionCycle()

	if st := tr.Stats(); st.Users != 1 {
		t.Fatalf("expected one remaining user, got %+v", st)
	}
	if _, n := tr.CheckSpam(2, activity.Seconds(base)); n != 2 {
		t.Fatalf("active user history should survive, count=%d", n)
	}
}
