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

// Package activity provides a thread-safe, in-memory sliding-window tracker
// for per-user spam detection and per-scope conversational engagement.
//
// All timestamps are caller-supplied seconds (float64), so tests can drive the
// tracker with an injected clock. Pruning is lazy: a key's history is trimmed
// only when that key is touched again.
package activity

import (
	"math"
	"strings"
	"sync/atomic"
	"time"
)

// Config holds the tracker thresholds. It is fixed at construction.
type Config struct {
	// SpamWindow is how far back CheckSpam looks.
	SpamWindow time.Duration
	// SpamThreshold is the count a user must strictly exceed within SpamWindow
	// to be flagged.
	SpamThreshold int

	// ChatWindow bounds the per-scope history kept between calls. It is coarser
	// than ChatActiveWindow.
	ChatWindow time.Duration
	// ChatActiveWindow is the window the activity thresholds are evaluated over.
	ChatActiveWindow time.Duration
	ChatMinMessages  int
	ChatMinUsers     int
	// ChatCooldown is the minimum time between two triggers in the same scope.
	ChatCooldown time.Duration
	// TriggerChance is the probability in [0, 1] that an active scope triggers.
	TriggerChance float64

	// Shards sets the number of lock stripes per map (rounded up to a power of
	// two). Zero picks a value from GOMAXPROCS.
	Shards int
}

// DefaultConfig returns the production thresholds: more than 20 messages in
// 10s is spam; 6 messages from 3 users within 20s is an active conversation,
// which triggers 35% of the time with a 45s cooldown.
func DefaultConfig() Config {
	return Config{
		SpamWindow:       10 * time.Second,
		SpamThreshold:    20,
		ChatWindow:       30 * time.Second,
		ChatActiveWindow: 20 * time.Second,
		ChatMinMessages:  6,
		ChatMinUsers:     3,
		ChatCooldown:     45 * time.Second,
		TriggerChance:    0.35,
	}
}

// userHistory holds one user's recent message timestamps.
type userHistory struct {
	ts     []float64
	newest float64
}

// Tracker tracks spam and chat activity. A single instance is meant to be
// shared by every message handler in the process.
type Tracker struct {
	cfg Config

	spamWindow   float64
	chatWindow   float64
	activeWindow float64
	cooldown     float64

	spam      *stripedMap[*userHistory]
	activity  *stripedMap[*window]
	cooldowns *stripedMap[float64]

	recovered atomic.Int64
}

// New creates a tracker using DefaultConfig.
func New() *Tracker {
	return NewWithConfig(DefaultConfig())
}

// NewWithConfig creates a tracker with the given thresholds. TriggerChance is
// clamped to [0, 1] and negative durations are treated as zero.
func NewWithConfig(cfg Config) *Tracker {
	if cfg.TriggerChance < 0 || math.IsNaN(cfg.TriggerChance) {
		cfg.TriggerChance = 0
	}
	if cfg.TriggerChance > 1 {
		cfg.TriggerChance = 1
	}
	shards := cfg.Shards
	if shards <= 0 {
		shards = defaultShards()
	}
	cfg.Shards = nextPow2(shards)
	return &Tracker{
		cfg:          cfg,
		spamWindow:   seconds(cfg.SpamWindow),
		chatWindow:   seconds(cfg.ChatWindow),
		activeWindow: seconds(cfg.ChatActiveWindow),
		cooldown:     seconds(cfg.ChatCooldown),
		spam:         newStripedMap[*userHistory](cfg.Shards),
		activity:     newStripedMap[*window](cfg.Shards),
		cooldowns:    newStripedMap[float64](cfg.Shards),
	}
}

// Config returns the effective configuration.
func (t *Tracker) Config() Config { return t.cfg }

// CheckSpam records a message from userID at now and reports whether the user
// has sent more than SpamThreshold messages within SpamWindow, along with the
// number of messages in the window (including this one).
func (t *Tracker) CheckSpam(userID uint64, now float64) (isSpam bool, count int) {
	if !finite(now) {
		return false, 0
	}
	defer func() {
		if r := recover(); r != nil {
			t.recovered.Add(1)
			isSpam, count = false, 0
		}
	}()

	cutoff := now - t.spamWindow
	sh := t.spam.lock(userID)
	defer sh.mu.Unlock()

	h := sh.m[userID]
	if h == nil {
		h = &userHistory{}
		sh.m[userID] = h
	}
	kept := h.ts[:0]
	for _, ts := range h.ts {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	h.ts = append(kept, now)
	if len(h.ts) == 1 || now > h.newest {
		h.newest = now
	}

	count = len(h.ts)
	return count > t.cfg.SpamThreshold, count
}

// RecordChatActivity records a message from userID in scopeID at now and
// reports whether the bot should join the conversation.
//
// A scope triggers when, within ChatActiveWindow, it has seen at least
// ChatMinMessages messages from at least ChatMinUsers distinct users, no
// trigger happened in the last ChatCooldown, and the deterministic draw
// Rand(now, scopeID, userID) falls below TriggerChance.
func (t *Tracker) RecordChatActivity(scopeID, userID uint64, now float64) (trigger bool) {
	if !finite(now) {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			t.recovered.Add(1)
			trigger = false
		}
	}()

	sh := t.activity.lock(scopeID)
	defer sh.mu.Unlock()

	w := sh.m[scopeID]
	if w == nil {
		w = &window{}
		sh.m[scopeID] = w
	}
	w.push(event{ts: now, user: userID})
	w.pruneBefore(now - t.chatWindow)

	if !t.isActive(w.live(), now-t.activeWindow) {
		return false
	}

	// The scope's activity shard stays locked while the cooldown is read and
	// written, so concurrent callers in one scope cannot both trigger.
	cs := t.cooldowns.lock(scopeID)
	defer cs.mu.Unlock()

	if last, ok := cs.m[scopeID]; ok && now-last < t.cooldown {
		return false
	}
	if Rand(now, scopeID, userID) < t.cfg.TriggerChance {
		cs.m[scopeID] = now
		return true
	}
	return false
}

// isActive reports whether events at or after cutoff meet both the message
// and the distinct-user minimums.
func (t *Tracker) isActive(events []event, cutoff float64) bool {
	minMsgs, minUsers := t.cfg.ChatMinMessages, t.cfg.ChatMinUsers

	var stack [16]uint64
	seen := stack[:0]
	msgs := 0
	for _, e := range events {
		if e.ts < cutoff {
			continue
		}
		msgs++
		if len(seen) < minUsers && !containsID(seen, e.user) {
			seen = append(seen, e.user)
		}
		if msgs >= minMsgs && len(seen) >= minUsers {
			return true
		}
	}
	return msgs >= minMsgs && len(seen) >= minUsers
}

func containsID(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// ClearUser drops all spam history for userID.
func (t *Tracker) ClearUser(userID uint64) {
	t.spam.delete(userID)
}

// ClearGuild drops the activity window and cooldown for scopeID.
func (t *Tracker) ClearGuild(scopeID uint64) {
	t.activity.delete(scopeID)
	t.cooldowns.delete(scopeID)
}

// EvictIdle removes whole keys whose most recent timestamp is older than
// cutoff and returns how many entries were dropped across the three maps.
// Live keys are never trimmed here; that still happens lazily on access.
func (t *Tracker) EvictIdle(cutoff float64) int {
	n := t.spam.deleteIf(func(h *userHistory) bool { return h.newest < cutoff })
	n += t.activity.deleteIf(func(w *window) bool { return w.newest < cutoff })
	// a cooldown older than cutoff-ChatCooldown can no longer block a trigger
	n += t.cooldowns.deleteIf(func(last float64) bool { return last+t.cooldown < cutoff })
	return n
}

// Stats is a point-in-time count of tracked keys.
type Stats struct {
	Users     int
	Scopes    int
	Cooldowns int
	Recovered int64
}

// Stats returns the number of keys held by each map. Shards are visited one at
// a time, so the result is not an atomic snapshot.
func (t *Tracker) Stats() Stats {
	return Stats{
		Users:     t.spam.len(),
		Scopes:    t.activity.len(),
		Cooldowns: t.cooldowns.len(),
		Recovered: t.recovered.Load(),
	}
}

// Recovered returns how many hot-path calls recovered from a panic and
// returned the safe default.
func (t *Tracker) Recovered() int64 { return t.recovered.Load() }

// ShouldRecord reports whether a message counts toward chat activity: bot
// authors and messages starting with the command prefix never do.
func ShouldRecord(isBot bool, content, prefix string) bool {
	if isBot {
		return false
	}
	return prefix == "" || !strings.HasPrefix(content, prefix)
}

// Seconds converts t to the float seconds the tracker works in.
func Seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return d.Seconds()
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
