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
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Record is a decoded generic write: column name to value. Top-level JSON
// numbers become int64 when they are integral and fit, float64 otherwise, so
// 64-bit snowflake ids survive the round trip. Nested objects and arrays are
// left as decoded by encoding/json.
type Record map[string]any

// ErrInvalidRecord is returned when a generic payload is not a JSON object.
var ErrInvalidRecord = errors.New("generic payload must be a JSON object")

// DecodeRecord decodes a serialized generic payload.
func DecodeRecord(payload []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode generic payload: %w", err)
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, ErrInvalidRecord
	}
	rec := make(Record, len(obj))
	for k, v := range obj {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				rec[k] = i
			} else if f, err := n.Float64(); err == nil {
				rec[k] = f
			} else {
				rec[k] = n.String()
			}
			continue
		}
		rec[k] = v
	}
	return rec, nil
}

// Columns returns the record's keys in sorted order.
func (r Record) Columns() []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
