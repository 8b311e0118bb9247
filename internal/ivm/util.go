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

// rowsEqual compares two rows column-by-column; Limit uses it to
// distinguish a genuine content edit from a membership-only change.
func rowsEqual(a, b store.Row) bool {
	if len(a.Cols) != len(b.Cols) {
		return false
	}
	for col, av := range a.Cols {
		bv, ok := b.Cols[col]
		if !ok || !av.Equal(bv) {
			return false
		}
	}
	return true
}

// cmpTuple compares row against a start-point tuple (the row prefix of
// an internal/ast StartPoint) over the ordered sequence of sort
// terms, honoring each term's direction. It returns <0 if row sorts
// strictly before the tuple, 0 if equal on every named column, >0 if
// strictly after. Columns present in terms but absent from the tuple
// are treated as equal (the tuple is a prefix).
func cmpTuple(terms []Ordering, row store.Row, tuple map[string]store.Value) int {
	for _, t := range terms {
		tv, ok := tuple[t.Column]
		if !ok {
			continue
		}
		c := store.Compare(row.Get(t.Column), tv)
		if t.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return 0
}
