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
	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/zero-cache/internal/store"
)

// FanOut broadcasts every upstream change to N independent branch
// listeners, one per OR operand (spec.md §4.2.4). It does not itself
// implement Operator: branches each see the same change stream and the
// terminator (FanIn or UnionFanIn) is the operator the rest of the
// pipeline observes.
type FanOut struct {
	upstream Operator
	branches []*multiListener
	handle   Handle
}

// NewFanOut wires n branch listeners atop upstream.
func NewFanOut(upstream Operator, n int) *FanOut {
	f := &FanOut{upstream: upstream, branches: make([]*multiListener, n)}
	for i := range f.branches {
		f.branches[i] = newMultiListener()
	}
	f.handle = upstream.OnChange(f.broadcast)
	return f
}

// Schema returns the shared upstream ordering; every branch must agree
// (spec.md: "branches must share ordering").
func (f *FanOut) Schema() []Ordering { return f.upstream.Schema() }

// Fetch delegates straight to upstream; branches apply their own
// predicate when consuming via Branch, not via Fetch.
func (f *FanOut) Fetch(constraint store.Constraint) []OutputRow { return f.upstream.Fetch(constraint) }

// Branch returns the i'th branch as a standalone Operator view, so
// downstream Filter/Join stages can be built atop it independently.
func (f *FanOut) Branch(i int) Operator {
	return &fanOutBranch{parent: f, index: i}
}

// Destroy releases the upstream subscription.
func (f *FanOut) Destroy() { f.handle.Close() }

func (f *FanOut) broadcast(c Change) {
	for _, b := range f.branches {
		b.emit(c)
	}
}

// fanOutBranch adapts one FanOut branch to the Operator interface.
type fanOutBranch struct {
	parent *FanOut
	index  int
}

var _ Operator = (*fanOutBranch)(nil)

func (b *fanOutBranch) Schema() []Ordering { return b.parent.Schema() }
func (b *fanOutBranch) Fetch(constraint store.Constraint) []OutputRow {
	return b.parent.upstream.Fetch(constraint)
}
func (b *fanOutBranch) OnChange(cb Listener) Handle { return b.parent.branches[b.index].add(cb) }
func (b *fanOutBranch) Destroy()                    {}

// FanIn is the simple-OR terminator (spec.md §4.2.4): it unions branch
// outputs by row key, suppressing a duplicate add/remove when more
// than one branch currently matches the same row.
type FanIn struct {
	branches []Operator
	storage  Storage // key -> count of branches currently holding it

	// dispatch receives every branch delivery; it defaults to
	// f.onBranchChange but UnionFanIn overrides it after embedding a
	// *FanIn so branch events route through its own merge logic instead
	// of FanIn's. Branch subscriptions call through this field (not
	// f.onBranchChange directly) so the override takes effect.
	dispatch func(int, Change)

	ml      *multiListener
	handles []Handle
}

var _ Operator = (*FanIn)(nil)

// NewFanIn merges branches into a single deduplicated Operator.
func NewFanIn(branches []Operator, storage Storage) *FanIn {
	f := &FanIn{branches: branches, storage: storage, ml: newMultiListener()}
	f.dispatch = f.onBranchChange
	f.handles = make([]Handle, len(branches))
	for i, b := range branches {
		idx := i
		f.handles[idx] = b.OnChange(func(c Change) { f.dispatch(idx, c) })
	}
	return f
}

// Schema implements Operator.
func (f *FanIn) Schema() []Ordering { return f.branches[0].Schema() }

// Fetch implements Operator, deduplicating by row key across branches.
func (f *FanIn) Fetch(constraint store.Constraint) []OutputRow {
	seen := make(map[store.Key]bool)
	var ret []OutputRow
	for _, b := range f.branches {
		for _, r := range b.Fetch(constraint) {
			if seen[r.Key] {
				continue
			}
			seen[r.Key] = true
			ret = append(ret, r)
		}
	}
	return ret
}

// OnChange implements Operator.
func (f *FanIn) OnChange(cb Listener) Handle { return f.ml.add(cb) }

// Destroy implements Operator.
func (f *FanIn) Destroy() {
	for _, h := range f.handles {
		h.Close()
	}
}

func (f *FanIn) refKey(key store.Key) string { return "fanin:" + string(key) }

func (f *FanIn) refCount(key store.Key) int {
	v, ok := f.storage.Get(f.refKey(key))
	if !ok {
		return 0
	}
	return v.(int)
}

func (f *FanIn) setRefCount(key store.Key, n int) {
	if n <= 0 {
		f.storage.Delete(f.refKey(key))
		return
	}
	f.storage.Put(f.refKey(key), n)
}

func (f *FanIn) onBranchChange(_ int, c Change) {
	switch c.Kind {
	case Add:
		before := f.refCount(c.New.Key)
		f.setRefCount(c.New.Key, before+1)
		if before == 0 {
			f.ml.emit(c)
		}
	case Remove:
		before := f.refCount(c.Old.Key)
		after := before - 1
		f.setRefCount(c.Old.Key, after)
		if after == 0 {
			f.ml.emit(c)
		}
	case Edit:
		// The row is already represented regardless of branch count;
		// forward the edit so consumers see the new content.
		f.ml.emit(c)
	case Child:
		f.ml.emit(c)
	case OutputComplete:
		f.ml.emit(c)
	}
}

// UnionFanIn is the existence-aware OR terminator (spec.md §4.2.4): in
// addition to FanIn's dedup-by-key behavior, it merges concurrent
// cross-branch deliveries of a `child` change for the same parent row
// within one batch, per the spec's merge table "child" row. FanOut
// broadcasts every upstream change verbatim to all branches, and Filter
// forwards Child unconditionally regardless of its own predicate
// (filter.go), so a child change sourced above the FanOut reaches every
// branch and, absent this merge, would otherwise reach FanIn's
// listeners once per branch instead of once overall.
//
// onBranchChange overrides FanIn's (via the dispatch field FanIn wires
// branch subscriptions through), so add/remove/edit still flow through
// FanIn's existing refcount-based dedup unchanged; only Child routes
// through mergeChild.
type UnionFanIn struct {
	*FanIn

	// pending holds, per (parent row, relationship), the last Child
	// change delivered for the current batch, keyed so a second branch
	// delivering the identical upstream event can be recognized and
	// merged instead of re-emitted.
	pending map[childKey]Change

	err error // sticky: first merge-table violation encountered
}

// childKey identifies one parent row's named relationship, the
// granularity at which UnionFanIn's merge table operates.
type childKey struct {
	parent  store.Key
	relName string
}

// NewUnionFanIn builds the existence-aware terminator.
func NewUnionFanIn(branches []Operator, storage Storage) *UnionFanIn {
	u := &UnionFanIn{FanIn: NewFanIn(branches, storage), pending: make(map[childKey]Change)}
	u.dispatch = u.onBranchChange
	return u
}

// onBranchChange overrides FanIn.onBranchChange for Child events only;
// everything else keeps FanIn's existing dedup behavior.
func (u *UnionFanIn) onBranchChange(idx int, c Change) {
	if c.Kind != Child {
		u.FanIn.onBranchChange(idx, c)
		return
	}
	u.mergeChild(c)
}

// mergeChild implements the merge table's "child" row. A second branch
// re-delivering the same upstream child event carries the identical
// *Change in Inner (Filter never copies it), which is how a same-batch
// duplicate is distinguished from a later, independent child change for
// the same parent/relationship.
func (u *UnionFanIn) mergeChild(c Change) {
	key := childKey{parent: c.ParentKey, relName: c.RelName}
	prev, ok := u.pending[key]

	if !ok || prev.Inner != c.Inner {
		u.pending[key] = c
		u.ml.emit(c)
		return
	}

	merged, err := MergeChild(prev, c)
	if err != nil {
		u.fail(err)
		return
	}
	u.pending[key] = merged
}

// fail records the first merge-table violation (sticky) and logs it;
// spec.md classifies this as an internal invariant violation that
// should abort the batch and transition the owning view to its error
// state, which Err lets the pipeline-advance driver do.
func (u *UnionFanIn) fail(err error) {
	if u.err == nil {
		u.err = err
	}
	log.WithError(err).Error("ivm: union fan-in merge aborted")
}

// Err returns the first merge-table violation this UnionFanIn has
// encountered, if any.
func (u *UnionFanIn) Err() error { return u.err }

// MergeChild folds a child-change from one branch into another for the
// same parent row, per the spec's merge table row "child". Relationship
// names that collide are combined by letting the most recent inner
// change win; distinct relationship names coexist untouched since each
// is independently keyed in OutputRow.Children.
func MergeChild(into, from Change) (Change, error) {
	if into.Kind != Child || from.Kind != Child {
		return Change{}, errUnionFanInMergeKind(into.Kind, from.Kind)
	}
	if into.RelName != from.RelName {
		// Distinct relationship names never collide; callers key
		// pending by relationship name so this never fires in practice.
		// This is defensive: returning `into` unmodified keeps the merge
		// total rather than panicking on a caller bug.
		return into, nil
	}
	merged := into
	merged.Inner = from.Inner
	return merged, nil
}

func errUnionFanInMergeKind(left, right ChangeKind) error {
	return &mergeError{left: left, right: right}
}

type mergeError struct {
	left, right ChangeKind
}

func (e *mergeError) Error() string {
	return "ivm: invalid UnionFanIn merge of " + e.left.String() + " with " + e.right.String()
}
