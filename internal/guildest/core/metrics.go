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

// Package core contains shared, process-level counters used for the final
// end-of-process summary. They are plain atomics so the hot path never
// allocates or locks to record them.
package core

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var (
	spamChecks   atomic.Int64
	spamFlagged  atomic.Int64
	chatRecorded atomic.Int64
	chatTriggers atomic.Int64

	// thresholds holds human-readable configuration captured at startup.
	thresholdsMu sync.RWMutex
	thresholds   = make(map[string]string)
)

// RecordSpamCheck counts one CheckSpam call and whether it flagged the user.
func RecordSpamCheck(flagged bool) {
	spamChecks.Add(1)
	if flagged {
		spamFlagged.Add(1)
	}
}

// RecordChatActivity counts one RecordChatActivity call and whether it
// triggered an engagement.
func RecordChatActivity(triggered bool) {
	chatRecorded.Add(1)
	if triggered {
		chatTriggers.Add(1)
	}
}

// Threshold setters capture runtime configuration knobs for final printing.
func SetThreshold(name string, value string) {
	thresholdsMu.Lock()
	thresholds[name] = value
	thresholdsMu.Unlock()
}

func SetThresholdInt64(name string, v int64)            { SetThreshold(name, fmt.Sprintf("%d", v)) }
func SetThresholdDuration(name string, d time.Duration) { SetThreshold(name, d.String()) }
func SetThresholdFloat64(name string, f float64)        { SetThreshold(name, fmt.Sprintf("%g", f)) }
func SetThresholdBool(name string, b bool)              { SetThreshold(name, fmt.Sprintf("%t", b)) }

// HotPathTotals is a snapshot of the tracker counters.
type HotPathTotals struct {
	SpamChecks   int64
	SpamFlagged  int64
	ChatRecorded int64
	ChatTriggers int64
}

// GetHotPathTotals provides a snapshot of current counters.
func GetHotPathTotals() HotPathTotals {
	return HotPathTotals{
		SpamChecks:   spamChecks.Load(),
		SpamFlagged:  spamFlagged.Load(),
		ChatRecorded: chatRecorded.Load(),
		ChatTriggers: chatTriggers.Load(),
	}
}

// getThresholdSnapshot returns a copy of thresholds for stable iteration.
func getThresholdSnapshot() map[string]string {
	thresholdsMu.RLock()
	defer thresholdsMu.RUnlock()
	out := make(map[string]string, len(thresholds))
	for k, v := range thresholds {
		out[k] = v
	}
	return out
}

func logHotPathTotals(ev *zerolog.Event) {
	tot := GetHotPathTotals()
	ev.Int64("spam_checks", tot.SpamChecks).
		Int64("spam_flagged", tot.SpamFlagged).
		Int64("chat_recorded", tot.ChatRecorded).
		Int64("chat_triggers", tot.ChatTriggers)

	th := getThresholdSnapshot()
	keys := make([]string, 0, len(th))
	for k := range th {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := zerolog.Dict()
	for _, k := range keys {
		d = d.Str(k, th[k])
	}
	ev.Dict("thresholds", d)
}

// resetHotPathTotals resets counters to zero. Intended for tests only.
func resetHotPathTotals() {
	spamChecks.Store(0)
	spamFlagged.Store(0)
	chatRecorded.Store(0)
	chatTriggers.Store(0)
}

// resetThresholdsForTests clears the thresholds registry. Intended for tests only.
func resetThresholdsForTests() {
	thresholdsMu.Lock()
	defer thresholdsMu.Unlock()
	for k := range thresholds {
		delete(thresholds, k)
	}
}
