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

package activity

import (
	"runtime"
	"sync"
)

// cache line size varies; we over-pad to 128 bytes to avoid false sharing
// between neighbouring shard mutexes.
const shardPad = 128 - 16

type shard[V any] struct {
	mu sync.Mutex
	m  map[uint64]V
	_  [shardPad]byte
}

// stripedMap is a lock-striped map keyed by uint64. Operations on keys that
// land in different shards never contend; operations on the same key are
// serialized by its shard mutex.
type stripedMap[V any] struct {
	shards []shard[V]
	mask   uint64
}

func newStripedMap[V any](n int) *stripedMap[V] {
	n = nextPow2(n)
	s := &stripedMap[V]{shards: make([]shard[V], n), mask: uint64(n - 1)}
	for i := range s.shards {
		s.shards[i].m = make(map[uint64]V)
	}
	return s
}

// lock returns the shard owning key with its mutex held. The caller unlocks.
func (s *stripedMap[V]) lock(key uint64) *shard[V] {
	sh := &s.shards[mix64(key)&s.mask]
	sh.mu.Lock()
	return sh
}

func (s *stripedMap[V]) delete(key uint64) {
	sh := s.lock(key)
	delete(sh.m, key)
	sh.mu.Unlock()
}

func (s *stripedMap[V]) len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// deleteIf walks every shard, one at a time, removing entries for which drop
// returns true. It returns the number of removed entries.
func (s *stripedMap[V]) deleteIf(drop func(V) bool) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for k, v := range sh.m {
			if drop(v) {
				delete(sh.m, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// defaultShards = next_pow2(4×GOMAXPROCS), capped to [16, 1024]
func defaultShards() int {
	return max(16, min(1024, 4*runtime.GOMAXPROCS(0)))
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	n := 1
	for n < x {
		n <<= 1
	}
	return n
}
