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

// Predicate evaluates a row, stateless (spec.md §4.2.1).
type Predicate func(store.Row) bool

// Filter is the stateless predicate operator (spec.md §4.2.1).
// add/remove pass through when the predicate holds; edit decomposes
// into add, remove, or edit depending on how the predicate evaluates
// on the old and new rows. Children pass through unchanged.
type Filter struct {
	upstream Operator
	pred     Predicate

	ml     *multiListener
	handle Handle
}

var _ Operator = (*Filter)(nil)

// NewFilter wraps upstream with pred.
func NewFilter(upstream Operator, pred Predicate) *Filter {
	f := &Filter{upstream: upstream, pred: pred, ml: newMultiListener()}
	f.handle = upstream.OnChange(f.onChange)
	return f
}

// Schema implements Operator: a Filter never reorders its input.
func (f *Filter) Schema() []Ordering { return f.upstream.Schema() }

// Fetch implements Operator.
func (f *Filter) Fetch(constraint store.Constraint) []OutputRow {
	rows := f.upstream.Fetch(constraint)
	ret := rows[:0:0]
	for _, r := range rows {
		if f.pred(r.Row) {
			ret = append(ret, r)
		}
	}
	return ret
}

// OnChange implements Operator.
func (f *Filter) OnChange(cb Listener) Handle { return f.ml.add(cb) }

// Destroy implements Operator.
func (f *Filter) Destroy() { f.handle.Close() }

func (f *Filter) onChange(c Change) {
	switch c.Kind {
	case Add:
		if f.pred(c.New.Row) {
			f.ml.emit(c)
		}
	case Remove:
		if f.pred(c.Old.Row) {
			f.ml.emit(c)
		}
	case Edit:
		oldPass := f.pred(c.Old.Row)
		newPass := f.pred(c.New.Row)
		switch {
		case oldPass && newPass:
			f.ml.emit(c)
		case oldPass && !newPass:
			f.ml.emit(Change{Kind: Remove, Old: c.Old})
		case !oldPass && newPass:
			f.ml.emit(Change{Kind: Add, New: c.New})
		}
		// else: was and remains excluded, nothing to emit.
	case Child:
		// Children pass through unchanged. Filter is stateless, so it
		// does not check whether the parent row currently satisfies
		// the predicate.
		f.ml.emit(c)
	case OutputComplete:
		f.ml.emit(c)
	}
}
