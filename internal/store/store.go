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

package store

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/cockroachdb/zero-cache/internal/util/hlc"
)

// ChangeKind distinguishes the three mutation shapes a Row Source can
// push, per spec.md §4.1.
type ChangeKind int

// Change kinds.
const (
	ChangeAdd ChangeKind = iota
	ChangeRemove
	ChangeEdit
)

// A Change is one push() call's worth of work against a single table.
type Change struct {
	Kind     ChangeKind
	Table    string
	Old, New Row // Old is unset for Add; New is unset for Remove.
	Version  hlc.Time
}

// Sentinel errors for push()/fetch(), named directly in spec.md §4.1.
var (
	// ErrPrimaryKeyViolation is returned by push(add) when the key
	// already exists.
	ErrPrimaryKeyViolation = errors.New("store: primary key violation")
	// ErrNotFound is returned by push(remove)/push(edit) when the key
	// is absent.
	ErrNotFound = errors.New("store: row not found")
	// ErrSchemaMismatch is returned when a column's value does not
	// match its declared Kind.
	ErrSchemaMismatch = errors.New("store: column kind mismatch")
)

// Constraint is an equality-only predicate map from column to value,
// used by fetch() per spec.md §4.1.
type Constraint map[string]Value

// Matches reports whether row satisfies every column/value pair in c.
func (c Constraint) Matches(row Row) bool {
	for col, want := range c {
		if !row.Get(col).Equal(want) {
			return false
		}
	}
	return true
}

// SortKey is one (column, ascending) ordering term.
type SortKey struct {
	Column string
	Desc   bool
}

// Observer receives committed Changes for a table, starting strictly
// after the replica version supplied to Connect. Changes for a single
// commit batch are delivered in the batch's internal order and are
// interleaved consistently across tables within that batch (spec.md
// §4.1 "Guarantees").
type Observer interface {
	OnChange(Change)
}

// ObserverFunc adapts a function to an Observer.
type ObserverFunc func(Change)

// OnChange implements Observer.
func (f ObserverFunc) OnChange(c Change) { f(c) }

// Handle is returned by Connect and must be released via Close once
// the caller no longer needs updates.
type Handle interface {
	Close()
}

// Table is a single table's row-addressable store: the home of C1's
// push/fetch/connect contract.
type Table struct {
	spec *TableSpec

	mu struct {
		sync.RWMutex
		rows map[Key]Row
		// order keeps primary keys in ascending sorted order so that
		// fetch() with the default order can do a linear scan without
		// re-sorting on every call. Maintained incrementally by push.
		order []Key
	}

	obsMu     sync.Mutex
	observers map[*observerHandle]struct{}
}

type observerHandle struct {
	table *Table
	cb    Observer
}

func (h *observerHandle) Close() {
	h.table.obsMu.Lock()
	defer h.table.obsMu.Unlock()
	delete(h.table.observers, h)
}

// NewTable constructs an empty, in-memory Table for the given spec.
func NewTable(spec *TableSpec) *Table {
	t := &Table{spec: spec, observers: make(map[*observerHandle]struct{})}
	t.mu.rows = make(map[Key]Row)
	return t
}

// Spec returns the table's schema definition.
func (t *Table) Spec() *TableSpec { return t.spec }

// Connect registers an Observer for changes committed after this call.
// The `sorts` parameter is accepted for interface symmetry with
// spec.md §4.1 ("connect(sorts)") but the in-memory Table always
// delivers changes in primary-key-scoped commit order; operators that
// need a different physical order re-sort downstream.
func (t *Table) Connect(_ []SortKey, obs Observer) Handle {
	h := &observerHandle{table: t, cb: obs}
	t.obsMu.Lock()
	t.observers[h] = struct{}{}
	t.obsMu.Unlock()
	return h
}

func (t *Table) notify(c Change) {
	t.obsMu.Lock()
	obs := make([]Observer, 0, len(t.observers))
	for h := range t.observers {
		obs = append(obs, h.cb)
	}
	t.obsMu.Unlock()
	for _, o := range obs {
		o.OnChange(c)
	}
}

// Push applies one Change to the table, atomically with respect to
// Fetch and to other observers: see Database.ApplyBatch for the batch-atomic
// variant used by the replicator.
func (t *Table) Push(c Change) error {
	t.mu.Lock()
	if err := t.applyLocked(&c); err != nil {
		t.mu.Unlock()
		return err
	}
	t.mu.Unlock()
	t.notify(c)
	return nil
}

func (t *Table) applyLocked(c *Change) error {
	switch c.Kind {
	case ChangeAdd:
		if err := t.checkRow(c.New); err != nil {
			return err
		}
		key := KeyOf(t.spec.PrimaryKey, c.New)
		if _, found := t.mu.rows[key]; found {
			return ErrPrimaryKeyViolation
		}
		t.insertLocked(key, c.New)
	case ChangeRemove:
		key := KeyOf(t.spec.PrimaryKey, c.Old)
		existing, found := t.mu.rows[key]
		if !found {
			return ErrNotFound
		}
		c.Old = existing
		t.removeLocked(key)
	case ChangeEdit:
		if err := t.checkRow(c.New); err != nil {
			return err
		}
		oldKey := KeyOf(t.spec.PrimaryKey, c.Old)
		existing, found := t.mu.rows[oldKey]
		if !found {
			return ErrNotFound
		}
		c.Old = existing
		newKey := KeyOf(t.spec.PrimaryKey, c.New)
		if newKey != oldKey {
			t.removeLocked(oldKey)
			t.insertLocked(newKey, c.New)
		} else {
			t.mu.rows[oldKey] = c.New
		}
	}
	return nil
}

func (t *Table) insertLocked(key Key, row Row) {
	t.mu.rows[key] = row
	idx := sort.Search(len(t.mu.order), func(i int) bool { return t.mu.order[i] > key })
	t.mu.order = append(t.mu.order, "")
	copy(t.mu.order[idx+1:], t.mu.order[idx:])
	t.mu.order[idx] = key
}

func (t *Table) removeLocked(key Key) {
	delete(t.mu.rows, key)
	idx := sort.Search(len(t.mu.order), func(i int) bool { return t.mu.order[i] >= key })
	if idx < len(t.mu.order) && t.mu.order[idx] == key {
		t.mu.order = append(t.mu.order[:idx], t.mu.order[idx+1:]...)
	}
}

func (t *Table) checkRow(row Row) error {
	for name, v := range row.Cols {
		kind, ok := t.spec.Col(name)
		if !ok {
			return errors.Wrapf(ErrSchemaMismatch, "unknown column %s.%s", t.spec.Name, name)
		}
		if v.Kind != KindNull && v.Kind != kind {
			return errors.Wrapf(ErrSchemaMismatch, "%s.%s: expected %s, got %s", t.spec.Name, name, kind, v.Kind)
		}
	}
	return nil
}

// Fetch returns rows matching constraint in primary-key ascending
// order (the only order the in-memory table indexes). A nil
// constraint matches every row.
func (t *Table) Fetch(constraint Constraint) []Row {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ret := make([]Row, 0, len(t.mu.order))
	for _, key := range t.mu.order {
		row := t.mu.rows[key]
		if constraint == nil || constraint.Matches(row) {
			ret = append(ret, row)
		}
	}
	return ret
}

// Get returns a single row by primary key.
func (t *Table) Get(key Key) (Row, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	row, ok := t.mu.rows[key]
	return row, ok
}

// Len reports the number of rows currently stored.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.mu.order)
}
