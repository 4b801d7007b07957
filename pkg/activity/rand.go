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

import "math"

// Rand derives a value in [0, 1) from the timestamp's bit pattern and the two
// ids. It is a pure function: identical inputs always give the identical value,
// which makes engagement decisions reproducible in tests. Not suitable for
// anything security related.
func Rand(ts float64, scopeID, userID uint64) float64 {
	seed := (math.Float64bits(ts) ^ scopeID ^ userID) * 0x5851f42d4c957f2d
	// top 53 bits -> exact float64 in [0, 1)
	return float64(mix64(seed)>>11) / (1 << 53)
}

// mix64 is the SplitMix64 finalizer. It is also used to spread keys across
// shards so sequential ids do not pile into one stripe.
func mix64(z uint64) uint64 {
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}
