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
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/cockroachdb/zero-cache/internal/util/hlc"
)

// A Database is the full row-addressable replica: every Table in the
// schema, plus the current replica version. It is the thing the
// replicator (C7) writes to and the dataflow sources (C1) read from.
type Database struct {
	schema *Schema
	tables map[string]*Table

	mu      sync.RWMutex
	version hlc.Time
	events  *EventLog
}

// NewDatabase constructs a Database backing every table in schema.
func NewDatabase(schema *Schema) *Database {
	d := &Database{
		schema: schema,
		tables: make(map[string]*Table, len(schema.Tables)),
		events: NewEventLog(1024),
	}
	for name, spec := range schema.Tables {
		d.tables[name] = NewTable(spec)
	}
	return d
}

// Schema returns the registered schema.
func (d *Database) Schema() *Schema { return d.schema }

// Table returns the named table's row source, or nil if unknown.
func (d *Database) Table(name string) *Table { return d.tables[name] }

// Events returns the runtime event log (spec.md §6,
// `_zero_runtime_events`).
func (d *Database) Events() *EventLog { return d.events }

// Version returns the most recently committed replica version.
func (d *Database) Version() hlc.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// Mutation is one row-level change within a transaction, as decoded
// from the external change stream (spec.md §6).
type Mutation struct {
	Table string
	Kind  ChangeKind
	Old   Row // required for Remove and Edit
	New   Row // required for Add and Edit
}

// ApplyBatch applies every Mutation atomically: either all of them are
// visible to observers stamped with the new version, or none are. This
// is the C7 replicator's only write path into C1 (spec.md §4.7
// "Apply mutations in arrival order").
//
// Readers (Table.Fetch) never observe a partial batch because the
// whole method holds the Database-wide write lock for its duration;
// per-table Table.Push is not used here precisely to keep the commit
// atomic across tables sharing one transaction.
func (d *Database) ApplyBatch(version hlc.Time, muts []Mutation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !hlc.Less(d.version, version) && !d.version.IsZero() {
		return errors.Errorf("store: replica version must strictly increase: have %s, got %s", d.version, version)
	}

	// Validate every mutation before applying any of them, so a single
	// bad mutation can't leave the batch half-applied.
	resolved := make([]*Table, len(muts))
	for i, m := range muts {
		t, ok := d.tables[m.Table]
		if !ok {
			return errors.Wrapf(ErrSchemaMismatch, "unknown table %s", m.Table)
		}
		resolved[i] = t
	}

	changes := make([]struct {
		t *Table
		c Change
	}, len(muts))
	for i, m := range muts {
		t := resolved[i]
		c := Change{Kind: m.Kind, Table: m.Table, Old: m.Old, New: m.New, Version: version}
		if c.Kind != ChangeRemove {
			if c.New.Cols == nil {
				c.New.Cols = map[string]Value{}
			}
			c.New.Version = version.String()
		}
		t.mu.Lock()
		if err := t.applyLocked(&c); err != nil {
			// Roll back everything already applied in this batch.
			for j := i - 1; j >= 0; j-- {
				undo(resolved[j], changes[j].c)
			}
			t.mu.Unlock()
			return errors.Wrapf(err, "applying mutation %d against %s", i, m.Table)
		}
		t.mu.Unlock()
		changes[i] = struct {
			t *Table
			c Change
		}{t, c}
	}

	d.version = version
	d.events.Append(EventKind("commit"), "applied "+strconv.Itoa(len(muts))+" mutation(s) at "+version.String())

	for _, tc := range changes {
		tc.t.notify(tc.c)
	}
	return nil
}

// undo best-effort reverses a single applied change during batch
// rollback. It is only reachable while still holding the Database lock,
// so no other observer has seen the partially-applied batch yet.
func undo(t *Table, c Change) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch c.Kind {
	case ChangeAdd:
		key := KeyOf(t.spec.PrimaryKey, c.New)
		t.removeLocked(key)
	case ChangeRemove:
		key := KeyOf(t.spec.PrimaryKey, c.Old)
		t.insertLocked(key, c.Old)
	case ChangeEdit:
		newKey := KeyOf(t.spec.PrimaryKey, c.New)
		oldKey := KeyOf(t.spec.PrimaryKey, c.Old)
		t.removeLocked(newKey)
		t.insertLocked(oldKey, c.Old)
	}
}
