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

// event is a single message observed in a scope.
type event struct {
	ts   float64
	user uint64
}

// window is an append-at-back, pop-at-front queue of events, oldest first.
// buf[head:] holds the live events; the dead prefix is compacted away once it
// dominates the slice so memory stays proportional to the live window.
type window struct {
	buf    []event
	head   int
	newest float64
}

func (w *window) push(e event) {
	w.buf = append(w.buf, e)
	if e.ts > w.newest || len(w.buf)-w.head == 1 {
		w.newest = e.ts
	}
}

func (w *window) len() int { return len(w.buf) - w.head }

// pruneBefore drops events from the front while their timestamp is < cutoff.
func (w *window) pruneBefore(cutoff float64) {
	for w.head < len(w.buf) && w.buf[w.head].ts < cutoff {
		w.buf[w.head] = event{}
		w.head++
	}
	if w.head == len(w.buf) {
		w.buf = w.buf[:0]
		w.head = 0
		return
	}
	if w.head >= 32 && w.head*2 >= len(w.buf) {
		n := copy(w.buf, w.buf[w.head:])
		w.buf = w.buf[:n]
		w.head = 0
	}
}

// live returns the events currently held, oldest first. The slice aliases the
// window and must not be retained past the shard lock.
func (w *window) live() []event { return w.buf[w.head:] }
