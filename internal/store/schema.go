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
	"fmt"
	"sort"

	"github.com/pkg/errors"
)

// Cardinality distinguishes the two relationship shapes from spec.md §3.
type Cardinality int

// Relationship cardinalities.
const (
	CardinalityOne Cardinality = iota
	CardinalityMany
)

// ColSpec describes one typed column.
type ColSpec struct {
	Name string
	Kind Kind
}

// TableSpec describes a table's shape: its columns, primary key, any
// secondary unique keys, and the always-last zero-version column that
// is never exposed to client queries (spec.md §3 invariant).
type TableSpec struct {
	Name          string
	Columns       []ColSpec
	PrimaryKey    []string
	SecondaryKeys [][]string
}

// Col looks up a column's Kind by name.
func (t *TableSpec) Col(name string) (Kind, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c.Kind, true
		}
	}
	return KindNull, false
}

// Relationship is a one-hop or two-hop correlation declared on a
// source table, per spec.md §3.
type Relationship struct {
	Name        string
	SourceTable string
	DestTable   string
	Cardinality Cardinality

	// SourceCols/DestCols correlate the source table's columns to the
	// destination table's columns for a one-hop relationship.
	SourceCols []string
	DestCols   []string

	// Junction, when non-empty, names an intermediate table through
	// which a two-hop relationship is realized; JunctionSourceCols and
	// JunctionDestCols are the two ordered correlations on either side
	// of it. The junction table is never exposed to the view tree
	// (spec.md §4.2.3).
	Junction          string
	JunctionSourceCols []string
	JunctionDestCols   []string
}

// IsTwoHop reports whether r passes through a junction table.
func (r Relationship) IsTwoHop() bool { return r.Junction != "" }

// Schema is a set of tables plus the relationships between them. The
// relationship graph is validated to be acyclic at registration time
// (DESIGN NOTES §9: "the builder rejects any relationship that would
// close a cycle").
type Schema struct {
	Tables        map[string]*TableSpec
	Relationships map[string]map[string]*Relationship // table -> relationship name -> rel
}

// NewSchema constructs an empty Schema.
func NewSchema() *Schema {
	return &Schema{
		Tables:        make(map[string]*TableSpec),
		Relationships: make(map[string]map[string]*Relationship),
	}
}

// AddTable registers a table, appending the zero-version column
// bookkeeping implied by spec.md §3 ("zero-version column ... always
// last"). The version column itself is not stored in TableSpec.Columns;
// it travels on Row.Version instead.
func (s *Schema) AddTable(spec TableSpec) error {
	if len(spec.PrimaryKey) == 0 {
		return errors.Errorf("table %s: primary key must be non-empty", spec.Name)
	}
	if _, found := s.Tables[spec.Name]; found {
		return errors.Errorf("table %s: already registered", spec.Name)
	}
	cp := spec
	cp.Columns = append([]ColSpec(nil), spec.Columns...)
	s.Tables[spec.Name] = &cp
	return nil
}

// AddRelationship registers a relationship, rejecting it if it would
// close a cycle in the observer graph (DESIGN NOTES §9).
func (s *Schema) AddRelationship(rel Relationship) error {
	if _, found := s.Tables[rel.SourceTable]; !found {
		return errors.Errorf("relationship %s: unknown source table %s", rel.Name, rel.SourceTable)
	}
	if _, found := s.Tables[rel.DestTable]; !found {
		return errors.Errorf("relationship %s: unknown dest table %s", rel.Name, rel.DestTable)
	}
	if s.wouldCycle(rel.SourceTable, rel.DestTable) {
		return errors.Errorf(
			"relationship %s: %s -> %s would close a cycle in the relationship graph",
			rel.Name, rel.SourceTable, rel.DestTable)
	}
	if s.Relationships[rel.SourceTable] == nil {
		s.Relationships[rel.SourceTable] = make(map[string]*Relationship)
	}
	cp := rel
	s.Relationships[rel.SourceTable][rel.Name] = &cp
	return nil
}

// wouldCycle reports whether adding an edge from -> to would close a
// cycle, by checking whether `from` is already reachable from `to`.
func (s *Schema) wouldCycle(from, to string) bool {
	if from == to {
		return true
	}
	seen := map[string]bool{to: true}
	stack := []string{to}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, rel := range s.Relationships[cur] {
			next := rel.DestTable
			if next == from {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}

// Relationship looks up a named relationship on a table.
func (s *Schema) Relationship(table, name string) (*Relationship, bool) {
	byName, ok := s.Relationships[table]
	if !ok {
		return nil, false
	}
	rel, ok := byName[name]
	return rel, ok
}

// Key is the concatenated primary-key value of a row, used as a map
// key and for ordered comparison.
type Key string

// KeyOf extracts the primary-key Key from a row, given the ordered
// list of primary key column names.
func KeyOf(pk []string, row Row) Key {
	parts := make([]string, len(pk))
	for i, col := range pk {
		parts[i] = renderValue(row.Get(col))
	}
	return Key(fmt.Sprintf("%v", parts))
}

func renderValue(v Value) string {
	switch v.Kind {
	case KindNull:
		return "\x00null"
	case KindBool:
		if v.Bool {
			return "\x01true"
		}
		return "\x01false"
	case KindInt64:
		return fmt.Sprintf("\x02%020d", v.Int)
	case KindFloat64:
		return fmt.Sprintf("\x03%g", v.Float)
	case KindString:
		return "\x04" + v.Str
	case KindBytes, KindJSON:
		return "\x05" + string(v.Bytes)
	default:
		return ""
	}
}

// sortedTableNames returns t's table names in deterministic order, used
// by tests and diagnostics that need reproducible output.
func (s *Schema) sortedTableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for n := range s.Tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
