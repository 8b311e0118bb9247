// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package hlc implements the replica-version token: a hybrid logical
// clock pairing a wall-clock nanosecond component with a logical tie
// breaker, the same shape CockroachDB changefeeds use for resolved
// timestamps. The engine treats the rendered form as the "opaque,
// lexicographically comparable string" spec'd for the replica version;
// Time is the structured value that produces it.
package hlc

import (
	"fmt"
	"strconv"
	"strings"
)

// A Time is a single point on the hybrid logical clock.
type Time struct {
	nanos   int64
	logical int
}

// New constructs a Time from its components.
func New(nanos int64, logical int) Time {
	return Time{nanos: nanos, logical: logical}
}

// Zero returns the minimum Time, ordered before every non-zero value.
func Zero() Time { return Time{} }

// Nanos returns the wall-clock component.
func (t Time) Nanos() int64 { return t.nanos }

// Logical returns the tie-breaking component.
func (t Time) Logical() int { return t.logical }

// IsZero reports whether t is the zero Time.
func (t Time) IsZero() bool { return t.nanos == 0 && t.logical == 0 }

// Compare returns -1, 0, or 1 as a orders before, equal to, or after b.
func Compare(a, b Time) int {
	switch {
	case a.nanos < b.nanos:
		return -1
	case a.nanos > b.nanos:
		return 1
	case a.logical < b.logical:
		return -1
	case a.logical > b.logical:
		return 1
	default:
		return 0
	}
}

// Less reports whether a orders strictly before b.
func Less(a, b Time) bool { return Compare(a, b) < 0 }

// Next returns the immediate logical successor of t, used to advance
// past a timestamp that has already been fully processed without
// requiring a new wall-clock reading.
func (t Time) Next() Time {
	return Time{nanos: t.nanos, logical: t.logical + 1}
}

// String renders the Time as the zero-padded "<nanos>-<logical>" token
// that is stamped onto committed rows and compared lexicographically by
// callers that only see the opaque string form (spec.md's "Replica
// version").
func (t Time) String() string {
	return fmt.Sprintf("%020d-%010d", t.nanos, t.logical)
}

// Parse is the inverse of String.
func Parse(s string) (Time, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return Time{}, fmt.Errorf("hlc: malformed token %q", s)
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Time{}, fmt.Errorf("hlc: malformed nanos in %q: %w", s, err)
	}
	logical, err := strconv.Atoi(parts[1])
	if err != nil {
		return Time{}, fmt.Errorf("hlc: malformed logical in %q: %w", s, err)
	}
	return Time{nanos: nanos, logical: logical}, nil
}
