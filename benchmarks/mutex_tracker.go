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

// Package benchmarks compares the lock-striped activity.Tracker against a
// straightforward single-mutex tracker. The baseline doubles as a reference
// model for equivalence tests.
package benchmarks

import (
	"sync"
	"time"

	"guildest/pkg/activity"
)

type scopeEvent struct {
	ts   float64
	user uint64
}

// MutexTracker implements CheckSpam and RecordChatActivity with one global
// mutex and plain slices.
type MutexTracker struct {
	cfg activity.Config

	mu        sync.Mutex
	spam      map[uint64][]float64
	scopes    map[uint64][]scopeEvent
	cooldowns map[uint64]float64
}

func NewMutexTracker(cfg activity.Config) *MutexTracker {
	return &MutexTracker{
		cfg:       cfg,
		spam:      make(map[uint64][]float64),
		scopes:    make(map[uint64][]scopeEvent),
		cooldowns: make(map[uint64]float64),
	}
}

func secs(d time.Duration) float64 { return d.Seconds() }

func (m *MutexTracker) CheckSpam(userID uint64, now float64) (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now - secs(m.cfg.SpamWindow)
	var kept []float64
	for _, ts := range m.spam[userID] {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	m.spam[userID] = kept
	return len(kept) > m.cfg.SpamThreshold, len(kept)
}

func (m *MutexTracker) RecordChatActivity(scopeID, userID uint64, now float64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := append(m.scopes[scopeID], scopeEvent{ts: now, user: userID})
	cutoff := now - secs(m.cfg.ChatWindow)
	for len(events) > 0 && events[0].ts < cutoff {
		events = events[1:]
	}
	m.scopes[scopeID] = events

	active := now - secs(m.cfg.ChatActiveWindow)
	msgs := 0
	users := make(map[uint64]struct{})
	for _, e := range events {
		if e.ts >= active {
			msgs++
			users[e.user] = struct{}{}
		}
	}
	if msgs < m.cfg.ChatMinMessages || len(users) < m.cfg.ChatMinUsers {
		return false
	}
	if last, ok := m.cooldowns[scopeID]; ok && now-last < secs(m.cfg.ChatCooldown) {
		return false
	}
	if activity.Rand(now, scopeID, userID) < m.cfg.TriggerChance {
		m.cooldowns[scopeID] = now
		return true
	}
	return false
}
