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

// Package core provides the core business logic for the guildest service.
// This file implements the optional background janitor that drops tracker
// keys which have gone quiet.
package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"guildest/pkg/activity"
)

// Evictor is the part of the activity tracker the janitor needs.
type Evictor interface {
	EvictIdle(cutoff float64) int
}

// Janitor periodically removes tracker keys that have not been touched for
// evictionAge. Live keys are still pruned lazily by the tracker itself; the
// janitor only reclaims memory held by users and scopes that went silent.
type Janitor struct {
	tracker          Evictor
	evictionAge      time.Duration
	evictionInterval time.Duration
	now              func() time.Time
	log              *zerolog.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  uint32
	stopped  uint32
}

// NewJanitor creates a janitor. An evictionInterval <= 0 makes Start a no-op.
func NewJanitor(tracker Evictor, evictionAge, evictionInterval time.Duration, log *zerolog.Logger) *Janitor {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &Janitor{
		tracker:          tracker,
		evictionAge:      evictionAge,
		evictionInterval: evictionInterval,
		now:              time.Now,
		log:              log,
		stopChan:         make(chan struct{}),
	}
}

// Start launches the eviction loop.
func (j *Janitor) Start() {
	if j.evictionInterval <= 0 || !atomic.CompareAndSwapUint32(&j.started, 0, 1) {
		return
	}
	j.log.Info().Dur("interval", j.evictionInterval).Dur("age", j.evictionAge).Msg("starting tracker janitor")
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.evictionLoop()
	}()
}

// Stop stops the eviction loop and waits for it to exit.
func (j *Janitor) Stop() {
	if !atomic.CompareAndSwapUint32(&j.stopped, 0, 1) {
		return
	}
	close(j.stopChan)
	j.wg.Wait()
}

func (j *Janitor) evictionLoop() {
	ticker := time.NewTicker(j.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.runEvictionCycle()
		case <-j.stopChan:
			return
		}
	}
}

// runEvictionCycle drops every key idle for longer than evictionAge.
func (j *Janitor) runEvictionCycle() int {
	cutoff := activity.Seconds(j.now().Add(-j.evictionAge))
	n := j.tracker.EvictIdle(cutoff)
	if n > 0 {
		j.log.Debug().Int("evicted", n).Msg("evicted idle tracker keys")
	}
	return n
}
