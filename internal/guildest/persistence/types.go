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

// Package persistence provides the storage adapters behind the write queue:
// SQL (SQLite or Postgres), Redis, Kafka and a JSONL file log.
//
// Every adapter implements core.Persister. Writes carry the op id assigned by
// the queue (core.OpIDFromContext); adapters use it as an idempotency key so a
// replayed op is applied at most once.
package persistence

import (
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrInvalidIdentifier is returned for table or column names that are not
	// plain SQL identifiers.
	ErrInvalidIdentifier = errors.New("invalid identifier")
	// ErrTableNotAllowed is returned when an allow-list is configured and the
	// target table is not on it.
	ErrTableNotAllowed = errors.New("table not allowed")
)

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidIdentifier reports whether name can be used as a table or column name.
func ValidIdentifier(name string) bool {
	return len(name) <= 63 && identRe.MatchString(name)
}

// tableGuard validates generic write targets.
type tableGuard struct {
	allow map[string]struct{}
}

func newTableGuard(allow []string) tableGuard {
	if len(allow) == 0 {
		return tableGuard{}
	}
	m := make(map[string]struct{}, len(allow))
	for _, t := range allow {
		m[t] = struct{}{}
	}
	return tableGuard{allow: m}
}

func (g tableGuard) check(table string) error {
	if !ValidIdentifier(table) {
		return fmt.Errorf("table %q: %w", table, ErrInvalidIdentifier)
	}
	if g.allow != nil {
		if _, ok := g.allow[table]; !ok {
			return fmt.Errorf("table %q: %w", table, ErrTableNotAllowed)
		}
	}
	return nil
}
