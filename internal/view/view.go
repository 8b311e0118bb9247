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

// Package view implements the Array View (spec.md C4): the
// client-facing materialization of a pipeline root, including its
// hydration state machine and listener fan-out.
package view

import (
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/zero-cache/internal/ivm"
	"github.com/cockroachdb/zero-cache/internal/store"
)

// State is the view's hydration state machine (spec.md §4.4):
// unknown -> complete on first hydration end; unknown|complete ->
// error(cause) if the query upstream reports an error.
type State int

// View states.
const (
	StateUnknown State = iota
	StateComplete
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateComplete:
		return "complete"
	case StateError:
		return "error"
	default:
		return "invalid"
	}
}

// Row is one materialized client-facing row: its columns plus its
// named relationships. A Hidden ivm.ChildRef (a two-hop junction,
// spec.md §3) is never itself turned into a Row; its own children are
// spliced directly into this row's Relationships map instead, so the
// junction table never reaches the view tree.
type Row struct {
	Key           store.Key
	Cols          map[string]store.Value
	Relationships map[string]Relationship
}

// Relationship is a materialized named child: a single slot when
// Singular, otherwise an ordered array.
type Relationship struct {
	Singular bool
	Rows     []Row
}

// Snapshot is the payload delivered to a listener.
type Snapshot struct {
	State State
	Rows  []Row
	Cause error
}

// Listener observes View snapshots.
type Listener func(Snapshot)

// Handle unsubscribes a Listener.
type Handle interface {
	Close()
}

// View wraps a pipeline root operator (spec.md C4). It recomputes its
// materialized row array from the root's current Fetch result on every
// upstream event rather than tracking positions incrementally itself;
// the root operators (internal/ivm) already did the incremental work,
// so this is a bounded, in-memory re-read rather than a re-execution
// of the query.
type View struct {
	root ivm.Operator

	mu struct {
		sync.Mutex
		state     State
		rows      []Row
		cause     error
		lastEmpty bool // true if the last emission was StateUnknown with zero rows
		listeners map[*listenerHandle]struct{}
	}

	ttlMu sync.Mutex
	ttl   time.Duration

	handle ivm.Handle
}

type listenerHandle struct {
	owner *View
	cb    Listener
}

func (h *listenerHandle) Close() {
	h.owner.mu.Lock()
	delete(h.owner.mu.listeners, h)
	h.owner.mu.Unlock()
}

// New wraps root. The in-memory C1 store (internal/store) hydrates
// synchronously, so a freshly built View's first Fetch already
// reflects the complete initial result set; New transitions straight
// to StateComplete rather than waiting for a later OutputComplete
// event that a purely in-memory pipeline never needs to emit. A
// future networked row source that hydrates asynchronously would
// instead construct the View in StateUnknown and rely on the
// OutputComplete event already threaded through every operator.
func New(root ivm.Operator) *View {
	v := &View{root: root}
	v.mu.listeners = make(map[*listenerHandle]struct{})
	v.handle = root.OnChange(v.onChange)
	v.refresh(true)
	return v
}

// AddListener registers cb for subsequent snapshots.
func (v *View) AddListener(cb Listener) Handle {
	h := &listenerHandle{owner: v, cb: cb}
	v.mu.Lock()
	v.mu.listeners[h] = struct{}{}
	v.mu.Unlock()
	return h
}

// Data returns the current snapshot without registering a listener.
func (v *View) Data() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snapshotLocked()
}

// UpdateTTL records the view's idle retention window, returned by TTL.
// The view-syncer (C8) keeps its own copy of the TTL on each query
// entry and does not read this one for its Idle -> Purged decision.
func (v *View) UpdateTTL(ttl time.Duration) {
	v.ttlMu.Lock()
	v.ttl = ttl
	v.ttlMu.Unlock()
}

// TTL returns the current idle retention window.
func (v *View) TTL() time.Duration {
	v.ttlMu.Lock()
	defer v.ttlMu.Unlock()
	return v.ttl
}

// SetError transitions the view to StateError, e.g. when the
// permission transformer or a source fetch fails (spec.md §4.8).
// Unlike a clean removal, this does not dispose the pipeline; the
// caller (the view-syncer) is responsible for disposal via Destroy.
func (v *View) SetError(cause error) {
	v.mu.Lock()
	v.mu.state = StateError
	v.mu.cause = cause
	v.mu.Unlock()
	v.emit()
}

// Destroy releases the upstream subscription and the pipeline root.
func (v *View) Destroy() {
	v.handle.Close()
	v.root.Destroy()
}

func (v *View) onChange(c ivm.Change) {
	if v.mu.state == StateError {
		return
	}
	complete := c.Kind == ivm.OutputComplete
	v.refresh(complete)
}

// refresh recomputes the materialized row array from root.Fetch and
// emits a snapshot, honoring the "consecutive unknown-empty collapse"
// rule (spec.md §4.4).
func (v *View) refresh(complete bool) {
	v.mu.Lock()
	rows := materialize(v.root.Fetch(nil))
	v.mu.rows = rows
	if complete {
		v.mu.state = StateComplete
	}
	emptyUnknown := v.mu.state == StateUnknown && len(rows) == 0
	skip := emptyUnknown && v.mu.lastEmpty
	v.mu.lastEmpty = emptyUnknown
	v.mu.Unlock()

	if skip {
		return
	}
	v.emit()
}

func (v *View) emit() {
	v.mu.Lock()
	snap := v.snapshotLocked()
	cbs := make([]Listener, 0, len(v.mu.listeners))
	for h := range v.mu.listeners {
		cbs = append(cbs, h.cb)
	}
	v.mu.Unlock()

	for _, cb := range cbs {
		cb(snap)
	}
}

func (v *View) snapshotLocked() Snapshot {
	return Snapshot{State: v.mu.state, Rows: v.mu.rows, Cause: v.mu.cause}
}

// materialize converts the pipeline root's lazily-childed OutputRows
// into the fully-realized client row tree, splicing Hidden refs (the
// two-hop junction hop) directly into their parent's relationships.
func materialize(rows []ivm.OutputRow) []Row {
	ret := make([]Row, len(rows))
	for i, r := range rows {
		ret[i] = materializeRow(r)
	}
	return ret
}

func materializeRow(r ivm.OutputRow) Row {
	rels := make(map[string]Relationship, len(r.Children))
	names := make([]string, 0, len(r.Children))
	for name := range r.Children {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ref := r.Children[name]
		if ref.Hidden {
			spliceHidden(ref, rels)
			continue
		}
		rels[name] = Relationship{Singular: ref.Singular, Rows: materialize(ref.Rows())}
	}

	return Row{Key: r.Key, Cols: r.Row.Cols, Relationships: rels}
}

// spliceHidden flattens a junction hop: every child row it matches
// contributes its own (already-exposed) relationships directly into
// the grandparent's relationship map, as if the junction were never
// there (spec.md §3, §4.2.3).
func spliceHidden(ref ivm.ChildRef, into map[string]Relationship) {
	for _, junctionRow := range ref.Rows() {
		for name, childRef := range junctionRow.Children {
			if childRef.Hidden {
				// Junction chains deeper than one hop are not part of
				// the spec, but recursing keeps this total rather than
				// silently dropping data if one appears.
				spliceHidden(childRef, into)
				continue
			}
			existing := into[name]
			existing.Singular = childRef.Singular
			existing.Rows = append(existing.Rows, materialize(childRef.Rows())...)
			into[name] = existing
		}
	}
}
