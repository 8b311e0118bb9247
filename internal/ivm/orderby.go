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

import (
	"sort"

	"github.com/cockroachdb/zero-cache/internal/store"
)

// OrderBy declares a new output order over explicit columns (spec.md
// §4.2.6), the only operator permitted to do so. When a row's sort
// columns change under an edit, the edit is decomposed into a remove
// at the old position and an add at the new one so a consumer
// re-rendering an ordered array never needs to infer the old index.
type OrderBy struct {
	upstream Operator
	terms    []Ordering

	ml     *multiListener
	handle Handle
}

var _ Operator = (*OrderBy)(nil)

// NewOrderBy sorts upstream by terms. Callers are expected to have
// already appended any missing primary-key tie-break columns (done by
// internal/ast.Complete).
func NewOrderBy(upstream Operator, terms []Ordering) *OrderBy {
	o := &OrderBy{upstream: upstream, terms: terms, ml: newMultiListener()}
	o.handle = upstream.OnChange(o.onChange)
	return o
}

// Schema implements Operator, returning the declared order.
func (o *OrderBy) Schema() []Ordering { return o.terms }

// Fetch implements Operator.
func (o *OrderBy) Fetch(constraint store.Constraint) []OutputRow {
	rows := o.upstream.Fetch(constraint)
	sorted := append([]OutputRow(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return o.less(sorted[i].Row, sorted[j].Row) })
	return sorted
}

// OnChange implements Operator.
func (o *OrderBy) OnChange(cb Listener) Handle { return o.ml.add(cb) }

// Destroy implements Operator.
func (o *OrderBy) Destroy() { o.handle.Close() }

func (o *OrderBy) less(a, b store.Row) bool {
	for _, t := range o.terms {
		c := store.Compare(a.Get(t.Column), b.Get(t.Column))
		if t.Desc {
			c = -c
		}
		if c != 0 {
			return c < 0
		}
	}
	return false
}

func (o *OrderBy) sortKeyChanged(old, new_ store.Row) bool {
	for _, t := range o.terms {
		if !old.Get(t.Column).Equal(new_.Get(t.Column)) {
			return true
		}
	}
	return false
}

func (o *OrderBy) onChange(c Change) {
	if c.Kind != Edit {
		o.ml.emit(c)
		return
	}
	if o.sortKeyChanged(c.Old.Row, c.New.Row) {
		o.ml.emit(Change{Kind: Remove, Old: c.Old})
		o.ml.emit(Change{Kind: Add, New: c.New})
		return
	}
	o.ml.emit(c)
}
