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

// Package textutil holds the small string helpers used around message
// handling: truncation for chat replies, moderation duration parsing and
// phrase matching.
package textutil

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// DefaultLimit keeps replies safely under the 2000 character message cap.
const DefaultLimit = 1700

const ellipsis = "..."

var durationRe = regexp.MustCompile(`^(\d+)([smhdw])$`)

var unitSeconds = map[string]uint64{
	"s": 1,
	"m": 60,
	"h": 3600,
	"d": 86400,
	"w": 604800,
}

// Truncate returns text unchanged when it fits in limit bytes. Otherwise it
// keeps the first limit-3 bytes and appends "...", or, when limit <= 3, keeps
// the first limit bytes with no marker. A cut never splits a UTF-8 sequence;
// it backs off to the previous rune boundary instead.
func Truncate(text string, limit int) string {
	if limit < 0 {
		limit = 0
	}
	if len(text) <= limit {
		return text
	}
	if limit > len(ellipsis) {
		return cut(text, limit-len(ellipsis)) + ellipsis
	}
	return cut(text, limit)
}

// TruncateDefault truncates to DefaultLimit.
func TruncateDefault(text string) string { return Truncate(text, DefaultLimit) }

func cut(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ParseDurationSecs parses strings like "10m", "2h" or "1w" into seconds.
// ok is false for anything that does not match ^(\d+)([smhdw])$ or that
// overflows.
func ParseDurationSecs(s string) (secs uint64, ok bool) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	mul := unitSeconds[m[2]]
	if v > math.MaxUint64/mul {
		return 0, false
	}
	return v * mul, true
}

// ParseDuration is ParseDurationSecs as a time.Duration. Values that do not
// fit in a Duration are reported as invalid.
func ParseDuration(s string) (time.Duration, bool) {
	secs, ok := ParseDurationSecs(s)
	if !ok || secs > uint64(math.MaxInt64/int64(time.Second)) {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// ContainsPhrase reports whether phrase occurs in text, ignoring case.
func ContainsPhrase(text, phrase string) bool {
	return strings.Contains(strings.ToLower(text), strings.ToLower(phrase))
}
