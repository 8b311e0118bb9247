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

package ivm

import "github.com/cockroachdb/zero-cache/internal/store"

// Start skips rows strictly preceding a given row prefix, or including
// it when inclusive, against the upstream's declared order (spec.md
// §4.2.7). It is used to implement keyset pagination atop an OrderBy.
//
// Start is mechanically a Filter whose predicate compares each row's
// sort-key tuple to the fixed start point, so it is built directly atop
// Filter's add/remove/edit decomposition rather than duplicating it.
type Start struct {
	*Filter
}

var _ Operator = (*Start)(nil)

// NewStart wraps upstream, admitting only rows at-or-after row
// (inclusive) or strictly after it.
func NewStart(upstream Operator, row map[string]store.Value, inclusive bool) *Start {
	terms := upstream.Schema()
	pred := func(r store.Row) bool {
		c := cmpTuple(terms, r, row)
		if inclusive {
			return c >= 0
		}
		return c > 0
	}
	return &Start{Filter: NewFilter(upstream, pred)}
}
