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

// Limit maintains the first N rows of its input order (spec.md
// §4.2.5). Rather than track window boundaries incrementally, it
// recomputes the full ordered upstream snapshot on every upstream
// event and diffs it against the previously-delivered window; this
// trades a bounded extra upstream Fetch per event for a simple,
// obviously-correct decomposition of "insertions shift later rows
// out" and "deletions pull from the tail" into ordinary add/remove/
// edit events.
type Limit struct {
	upstream Operator
	n        int
	storage  Storage // keyed scratch store per spec.md §4.2.8

	window []OutputRow // last delivered window, in order

	ml     *multiListener
	handle Handle
}

var _ Operator = (*Limit)(nil)

// NewLimit wraps upstream, keeping only the first n rows.
func NewLimit(upstream Operator, n int, storage Storage) *Limit {
	l := &Limit{upstream: upstream, n: n, storage: storage, ml: newMultiListener()}
	l.window = l.currentWindow()
	for _, r := range l.window {
		l.storage.Put(l.windowKey(r.Key), true)
	}
	l.handle = upstream.OnChange(l.onChange)
	return l
}

// Schema implements Operator: Limit never reorders.
func (l *Limit) Schema() []Ordering { return l.upstream.Schema() }

// Fetch implements Operator.
func (l *Limit) Fetch(constraint store.Constraint) []OutputRow {
	if len(constraint) == 0 {
		return append([]OutputRow(nil), l.window...)
	}
	// A constrained fetch (e.g. this Limit scoped beneath a parent row,
	// as for a RELATED child with a LIMIT) filters the current global
	// window: it does not apply the limit of n separately per parent.
	var ret []OutputRow
	for _, r := range l.window {
		if constraint.Matches(r.Row) {
			ret = append(ret, r)
		}
	}
	return ret
}

// OnChange implements Operator.
func (l *Limit) OnChange(cb Listener) Handle { return l.ml.add(cb) }

// Destroy implements Operator.
func (l *Limit) Destroy() {
	l.handle.Close()
	for _, r := range l.window {
		l.storage.Delete(l.windowKey(r.Key))
	}
}

func (l *Limit) windowKey(key store.Key) string { return "limit-window:" + string(key) }

func (l *Limit) currentWindow() []OutputRow {
	all := l.upstream.Fetch(nil)
	if len(all) > l.n {
		all = all[:l.n]
	}
	return all
}

func (l *Limit) onChange(c Change) {
	if c.Kind == OutputComplete {
		l.ml.emit(c)
		return
	}

	newWindow := l.currentWindow()
	newByKey := make(map[store.Key]OutputRow, len(newWindow))
	for _, r := range newWindow {
		newByKey[r.Key] = r
	}
	oldByKey := make(map[store.Key]OutputRow, len(l.window))
	for _, r := range l.window {
		oldByKey[r.Key] = r
		l.storage.Delete(l.windowKey(r.Key))
	}

	// Range the ordered l.window/newWindow slices, not the maps above,
	// so the emitted event sequence is a deterministic function of
	// upstream order rather than Go's randomized map iteration (spec.md
	// §8 determinism and ordering-stability properties). The maps exist
	// only for O(1) membership/equality lookups.
	for _, r := range l.window {
		if _, stillIn := newByKey[r.Key]; !stillIn {
			l.ml.emit(Change{Kind: Remove, Old: r})
		}
	}
	for _, r := range newWindow {
		old, wasIn := oldByKey[r.Key]
		switch {
		case !wasIn:
			l.ml.emit(Change{Kind: Add, New: r})
		case !rowsEqual(old.Row, r.Row):
			l.ml.emit(Change{Kind: Edit, Old: old, New: r})
		}
		l.storage.Put(l.windowKey(r.Key), true)
	}

	// A child change beneath a row that remains in the window passes
	// through untouched; beneath a row that fell out of the window it
	// is already covered by the Remove emitted above.
	if c.Kind == Child {
		if _, stillIn := newByKey[c.ParentKey]; stillIn {
			l.ml.emit(c)
		}
	}

	l.window = newWindow
}
