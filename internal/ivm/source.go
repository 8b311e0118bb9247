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

// Source is a pipeline leaf: it adapts a store.Table's push/fetch
// contract (C1) to the Operator interface (C2), in primary-key
// ascending order (spec.md §4.2's tie-break rule).
type Source struct {
	table *store.Table
	pk    []string

	ml     *multiListener
	handle store.Handle
}

var _ Operator = (*Source)(nil)

// NewSource wires a Source atop table.
func NewSource(table *store.Table) *Source {
	s := &Source{table: table, pk: table.Spec().PrimaryKey, ml: newMultiListener()}
	s.handle = table.Connect(nil, store.ObserverFunc(s.onStoreChange))
	return s
}

// Schema implements Operator: sources are always ordered by primary
// key ascending.
func (s *Source) Schema() []Ordering {
	ret := make([]Ordering, len(s.pk))
	for i, c := range s.pk {
		ret[i] = Ordering{Column: c}
	}
	return ret
}

// Fetch implements Operator.
func (s *Source) Fetch(constraint store.Constraint) []OutputRow {
	rows := s.table.Fetch(constraint)
	ret := make([]OutputRow, len(rows))
	for i, r := range rows {
		ret[i] = OutputRow{Key: store.KeyOf(s.pk, r), Row: r}
	}
	return ret
}

// OnChange implements Operator.
func (s *Source) OnChange(cb Listener) Handle {
	return s.ml.add(cb)
}

// Destroy implements Operator.
func (s *Source) Destroy() {
	s.handle.Close()
}

func (s *Source) onStoreChange(c store.Change) {
	switch c.Kind {
	case store.ChangeAdd:
		s.ml.emit(Change{Kind: Add, New: OutputRow{Key: store.KeyOf(s.pk, c.New), Row: c.New}})
	case store.ChangeRemove:
		s.ml.emit(Change{Kind: Remove, Old: OutputRow{Key: store.KeyOf(s.pk, c.Old), Row: c.Old}})
	case store.ChangeEdit:
		oldKey := store.KeyOf(s.pk, c.Old)
		newKey := store.KeyOf(s.pk, c.New)
		if oldKey == newKey {
			s.ml.emit(Change{
				Kind: Edit,
				Old:  OutputRow{Key: oldKey, Row: c.Old},
				New:  OutputRow{Key: newKey, Row: c.New},
			})
		} else {
			// Key changed: spec.md §4.2 requires decomposing into
			// remove+add since Edit is only valid "when the key is
			// unchanged".
			s.ml.emit(Change{Kind: Remove, Old: OutputRow{Key: oldKey, Row: c.Old}})
			s.ml.emit(Change{Kind: Add, New: OutputRow{Key: newKey, Row: c.New}})
		}
	}
}
