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

// Package ivm implements the incremental view maintenance dataflow
// operators named in spec.md C2: Filter, Join (normal/flipped/
// existence/two-hop), FanOut/FanIn/UnionFanIn, Limit, OrderBy, and
// Start. Every operator conforms to the same small contract (Fetch,
// OnChange, Destroy) so the pipeline builder in internal/pipeline can
// wire them together without a type switch per operator kind.
package ivm

import "github.com/cockroachdb/zero-cache/internal/store"

// ChangeKind enumerates the five change shapes from spec.md §4.2.
type ChangeKind int

// Change kinds.
const (
	Add ChangeKind = iota
	Remove
	Edit
	Child
	OutputComplete
)

// String implements fmt.Stringer, mostly for test failure output.
func (k ChangeKind) String() string {
	switch k {
	case Add:
		return "add"
	case Remove:
		return "remove"
	case Edit:
		return "edit"
	case Child:
		return "child"
	case OutputComplete:
		return "output-complete"
	default:
		return "unknown"
	}
}

// OutputRow is a single row emitted by an operator, plus handles to its
// named relationship children. A child relationship is represented
// lazily as the child Operator together with the constraint that scopes
// it to this parent row, matching spec.md's "mapping name -> lazy
// child sequence".
type OutputRow struct {
	Key      store.Key
	Row      store.Row
	Children map[string]ChildRef
}

// ChildRef lazily exposes one named relationship beneath a parent row.
// Hidden marks a two-hop junction hop (spec.md §3, §4.2.3): the
// array-view materializer splices a Hidden ref's own children up into
// its parent's relationship map rather than exposing the junction rows
// themselves.
type ChildRef struct {
	Op       Operator
	Scope    store.Constraint
	Singular bool
	Hidden   bool
}

// Rows pulls the child rows for this relationship right now.
func (c ChildRef) Rows() []OutputRow {
	if c.Op == nil {
		return nil
	}
	return c.Op.Fetch(c.Scope)
}

// Change is a single event an operator delivers to its listeners.
type Change struct {
	Kind ChangeKind

	// New/Old carry the Add/Remove/Edit payload. Remove and the "old"
	// side of Edit always carry the last-known children, per spec.md's
	// "Must carry the last-known children" rule.
	New OutputRow
	Old OutputRow

	// Child-change fields (Kind == Child): ParentKey/RelName locate the
	// already-emitted parent this event attaches beneath, and Inner is
	// the nested change against the child relationship's own operator.
	ParentKey store.Key
	RelName   string
	Inner     *Change
}

// Listener receives Change events in commit order.
type Listener func(Change)

// Ordering is one (column, direction) term of an operator's declared
// output order (spec.md §4.2's "ordered input schema").
type Ordering struct {
	Column string
	Desc   bool
}

// Handle unsubscribes a Listener previously registered with OnChange.
type Handle interface {
	Close()
}

// Operator is the uniform capability set every dataflow stage
// implements (DESIGN NOTES §9 "Dynamic dispatch"): fetch, subscribe,
// destroy.
type Operator interface {
	// Schema returns the ordered (column, direction) pairs defining
	// this operator's output order (spec.md §4.2's ordering rule).
	Schema() []Ordering

	// Fetch returns the operator's current rows matching constraint,
	// in Schema order.
	Fetch(constraint store.Constraint) []OutputRow

	// OnChange registers a listener for subsequent events. Listeners
	// registered after the operator has already hydrated do not
	// replay history; callers that need the current state should
	// Fetch first and then OnChange, within the same synchronous
	// batch, to avoid missing an interleaved update (spec.md §5:
	// "Operator evaluation is synchronous within a batch").
	OnChange(Listener) Handle

	// Destroy releases upstream subscriptions and any scratch storage
	// obtained via a Storage factory (spec.md §4.2.8).
	Destroy()
}

// Storage is the keyed scratch store that Limit, Exists and FanIn
// request from the runtime. Join (in either mode) keeps no scratch
// state, and UnionFanIn's merge buffer is a plain map rather than a
// Storage. It is opaque to the operator and is expected to survive
// only for the operator's lifetime (spec.md §4.2.8).
type Storage interface {
	Get(key string) (any, bool)
	Put(key string, value any)
	Delete(key string)
	// Range calls fn for every stored entry; iteration order is
	// unspecified.
	Range(fn func(key string, value any) bool)
}

// StorageFactory mints a fresh Storage for one operator instance.
type StorageFactory func() Storage

// multiListener fans a single upstream subscription out to N
// downstream listeners, used by every operator that has more than one
// consumer (e.g. a source shared by two branches of an OR).
type multiListener struct {
	listeners map[*listenerHandle]struct{}
}

type listenerHandle struct {
	owner *multiListener
	cb    Listener
}

func (h *listenerHandle) Close() {
	delete(h.owner.listeners, h)
}

func newMultiListener() *multiListener {
	return &multiListener{listeners: make(map[*listenerHandle]struct{})}
}

func (m *multiListener) add(cb Listener) Handle {
	h := &listenerHandle{owner: m, cb: cb}
	m.listeners[h] = struct{}{}
	return h
}

func (m *multiListener) emit(c Change) {
	// Snapshot first: a listener callback may itself call OnChange or
	// Close, which would otherwise mutate the map mid-range.
	cbs := make([]Listener, 0, len(m.listeners))
	for h := range m.listeners {
		cbs = append(cbs, h.cb)
	}
	for _, cb := range cbs {
		cb(c)
	}
}
