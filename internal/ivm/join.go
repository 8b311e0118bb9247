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

// JoinMode selects which side of a correlation drives change delivery
// (spec.md §4.2.2).
type JoinMode int

// Join modes.
const (
	// JoinNormal: the parent side drives. A parent push yields a
	// matching child fetch; children are attached lazily to the
	// emitted row. A child push is translated into a "child" change
	// against the parent(s) it correlates to.
	JoinNormal JoinMode = iota
	// JoinFlipped: the child side is expected to be smaller, or the
	// join sits beneath an OR branch; child pushes are still
	// forwarded as "child" changes but are never suppressed even when
	// the parent row itself hasn't changed.
	JoinFlipped
)

// Correlation names the compound key binding a parent row to its
// matching child rows: parent.Cols[i] == child.Cols[i] for every i.
type Correlation struct {
	ParentCols []string
	ChildCols  []string
}

// buildConstraint extracts the correlation value out of row (whose own
// columns are named by fromCols) and restates it in terms of toCols,
// for use as a fetch constraint against the opposite side.
func buildConstraint(row store.Row, fromCols, toCols []string) store.Constraint {
	c := make(store.Constraint, len(toCols))
	for i, col := range toCols {
		c[col] = row.Get(fromCols[i])
	}
	return c
}

// Join implements the RELATED/correlated-subquery operator of spec.md
// §4.2.2: it binds a parent operator to a child operator via a
// Correlation and attaches the child as a named, lazily-fetched
// relationship on every parent row it emits.
type Join struct {
	name string // relationship name surfaced in Child changes
	mode JoinMode
	corr Correlation

	parent   Operator
	child    Operator
	singular bool
	hidden   bool

	ml           *multiListener
	parentHandle Handle
	childHandle  Handle
}

var _ Operator = (*Join)(nil)

// NewJoin wires parent and child through corr under relationship name.
// singular marks a to-one relationship, surfaced to consumers via
// ChildRef.Singular. hidden marks a junction hop that the array-view
// materializer must splice out (spec.md §3).
func NewJoin(name string, mode JoinMode, parent, child Operator, corr Correlation, singular, hidden bool) *Join {
	j := &Join{name: name, mode: mode, corr: corr, parent: parent, child: child, singular: singular, hidden: hidden, ml: newMultiListener()}
	j.parentHandle = parent.OnChange(j.onParentChange)
	j.childHandle = child.OnChange(j.onChildChange)
	return j
}

// Schema implements Operator: a Join never reorders its parent input.
func (j *Join) Schema() []Ordering { return j.parent.Schema() }

// Fetch implements Operator, attaching a lazy ChildRef to every row.
func (j *Join) Fetch(constraint store.Constraint) []OutputRow {
	rows := j.parent.Fetch(constraint)
	ret := make([]OutputRow, len(rows))
	for i, r := range rows {
		ret[i] = j.attach(r)
	}
	return ret
}

// OnChange implements Operator.
func (j *Join) OnChange(cb Listener) Handle { return j.ml.add(cb) }

// Destroy implements Operator.
func (j *Join) Destroy() {
	j.parentHandle.Close()
	j.childHandle.Close()
}

func (j *Join) attach(r OutputRow) OutputRow {
	if r.Children == nil {
		r.Children = make(map[string]ChildRef, 1)
	} else {
		children := make(map[string]ChildRef, len(r.Children)+1)
		for k, v := range r.Children {
			children[k] = v
		}
		r.Children = children
	}
	r.Children[j.name] = ChildRef{
		Op:       j.child,
		Scope:    buildConstraint(r.Row, j.corr.ParentCols, j.corr.ChildCols),
		Singular: j.singular,
		Hidden:   j.hidden,
	}
	return r
}

func (j *Join) onParentChange(c Change) {
	switch c.Kind {
	case Add:
		c.New = j.attach(c.New)
	case Remove:
		c.Old = j.attach(c.Old)
	case Edit:
		c.Old = j.attach(c.Old)
		c.New = j.attach(c.New)
	}
	j.ml.emit(c)
}

// onChildChange translates a child-side push into Child events against
// every parent row the child row correlates to. In JoinNormal mode this
// is the only path by which a child mutation becomes visible; in
// JoinFlipped mode the same translation applies (spec.md: "flipped
// joins forward child changes as child on the parent without
// suppressing them").
func (j *Join) onChildChange(c Change) {
	switch c.Kind {
	case Add:
		j.forwardChild(c.New.Row, c)
	case Remove:
		j.forwardChild(c.Old.Row, c)
	case Edit:
		// Old and new child rows may correlate to different parents if
		// the correlation columns themselves changed; handle both.
		if sameCorrelation(c.Old.Row, c.New.Row, j.corr.ChildCols) {
			j.forwardChild(c.New.Row, c)
		} else {
			j.forwardChild(c.Old.Row, Change{Kind: Remove, Old: c.Old})
			j.forwardChild(c.New.Row, Change{Kind: Add, New: c.New})
		}
	case Child:
		// A grandchild change; c.ParentKey names the child-side row it
		// sits under, so look that row up and re-key the change against
		// our own parent.
		for _, r := range j.child.Fetch(nil) {
			if r.Key == c.ParentKey {
				j.forwardChild(r.Row, c)
				break
			}
		}
	}
}

func sameCorrelation(old, new_ store.Row, cols []string) bool {
	for _, col := range cols {
		if !old.Get(col).Equal(new_.Get(col)) {
			return false
		}
	}
	return true
}

func (j *Join) forwardChild(childRow store.Row, inner Change) {
	constraint := buildConstraint(childRow, j.corr.ChildCols, j.corr.ParentCols)
	for _, p := range j.parent.Fetch(constraint) {
		innerCopy := inner
		j.ml.emit(Change{Kind: Child, ParentKey: p.Key, RelName: j.name, Inner: &innerCopy})
	}
}

// Exists realizes an existence predicate (spec.md §4.2.3): a join whose
// child-side output is discarded, producing instead an add/remove
// toggle on the parent row driven by whether at least one matching
// child row currently exists. It is used to compile correlated EXISTS
// subqueries into the Filter predicate chain.
type Exists struct {
	corr    Correlation
	flip    bool
	storage Storage

	parent Operator
	child  Operator

	ml           *multiListener
	parentHandle Handle
	childHandle  Handle
}

var _ Operator = (*Exists)(nil)

// NewExists wires parent/child for existence testing. flip is recorded
// but does not change how the existence test is evaluated: both
// settings probe the child side from each parent row and count
// matches per parent (NOT EXISTS is rejected earlier, by internal/ast).
func NewExists(parent, child Operator, corr Correlation, flip bool, storage Storage) *Exists {
	e := &Exists{corr: corr, flip: flip, storage: storage, parent: parent, child: child, ml: newMultiListener()}
	e.parentHandle = parent.OnChange(e.onParentChange)
	e.childHandle = child.OnChange(e.onChildChange)
	return e
}

// Schema implements Operator.
func (e *Exists) Schema() []Ordering { return e.parent.Schema() }

// Fetch implements Operator: only parent rows with a matching child.
func (e *Exists) Fetch(constraint store.Constraint) []OutputRow {
	rows := e.parent.Fetch(constraint)
	ret := rows[:0:0]
	for _, r := range rows {
		childConstraint := buildConstraint(r.Row, e.corr.ParentCols, e.corr.ChildCols)
		if len(e.child.Fetch(childConstraint)) > 0 {
			ret = append(ret, r)
		}
	}
	return ret
}

// OnChange implements Operator.
func (e *Exists) OnChange(cb Listener) Handle { return e.ml.add(cb) }

// Destroy implements Operator.
func (e *Exists) Destroy() {
	e.parentHandle.Close()
	e.childHandle.Close()
	if e.storage != nil {
		for _, k := range e.storageKeys() {
			e.storage.Delete(k)
		}
	}
}

func (e *Exists) storageKeys() []string {
	var keys []string
	e.storage.Range(func(k string, _ any) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

func (e *Exists) countKey(key store.Key) string { return "exists:" + string(key) }

func (e *Exists) count(key store.Key) int {
	v, ok := e.storage.Get(e.countKey(key))
	if !ok {
		return 0
	}
	return v.(int)
}

func (e *Exists) setCount(key store.Key, n int) {
	if n <= 0 {
		e.storage.Delete(e.countKey(key))
		return
	}
	e.storage.Put(e.countKey(key), n)
}

func (e *Exists) onParentChange(c Change) {
	switch c.Kind {
	case Add:
		childConstraint := buildConstraint(c.New.Row, e.corr.ParentCols, e.corr.ChildCols)
		n := len(e.child.Fetch(childConstraint))
		e.setCount(c.New.Key, n)
		if n > 0 {
			e.ml.emit(c)
		}
	case Remove:
		existed := e.count(c.Old.Key) > 0
		e.setCount(c.Old.Key, 0)
		if existed {
			e.ml.emit(c)
		}
	case Edit:
		existed := e.count(c.Old.Key) > 0
		childConstraint := buildConstraint(c.New.Row, e.corr.ParentCols, e.corr.ChildCols)
		n := len(e.child.Fetch(childConstraint))
		e.setCount(c.New.Key, n)
		switch {
		case existed && n > 0:
			e.ml.emit(c)
		case existed && n == 0:
			e.ml.emit(Change{Kind: Remove, Old: c.Old})
		case !existed && n > 0:
			e.ml.emit(Change{Kind: Add, New: c.New})
		}
	}
}

func (e *Exists) onChildChange(c Change) {
	var childRow store.Row
	var delta int
	switch c.Kind {
	case Add:
		childRow, delta = c.New.Row, 1
	case Remove:
		childRow, delta = c.Old.Row, -1
	default:
		return
	}
	parentConstraint := buildConstraint(childRow, e.corr.ChildCols, e.corr.ParentCols)
	for _, p := range e.parent.Fetch(parentConstraint) {
		before := e.count(p.Key)
		after := before + delta
		e.setCount(p.Key, after)
		switch {
		case before == 0 && after > 0:
			e.ml.emit(Change{Kind: Add, New: p})
		case before > 0 && after == 0:
			e.ml.emit(Change{Kind: Remove, Old: p})
		}
	}
}
