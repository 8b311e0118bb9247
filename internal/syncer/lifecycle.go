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

package syncer

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/zero-cache/internal/cvr"
	"github.com/cockroachdb/zero-cache/internal/util/faults"
	"github.com/cockroachdb/zero-cache/internal/view"
)

// persist builds a Delta via fill and applies it as one CVR
// transaction (spec.md §4.8 step 4: "Persist CVR delta atomically").
func (s *Syncer) persist(ctx context.Context, fill func(*cvr.Delta)) error {
	delta := cvr.NewDelta()
	fill(delta)
	return s.persistDelta(ctx, delta)
}

// persistDelta opens a fresh CVR handle, applies delta, and commits.
// Each call is its own row-locked transaction rather than the actor
// holding one handle open for its entire lifetime, so that a
// concurrently running purger can still observe (and skip, via FOR
// UPDATE SKIP LOCKED) this client-group between batches.
func (s *Syncer) persistDelta(ctx context.Context, delta *cvr.Delta) error {
	h, err := s.cvrStore.Begin(ctx, s.clientGroupID)
	if err != nil {
		return err
	}
	if err := h.ApplyDelta(ctx, delta); err != nil {
		_ = h.Rollback(ctx)
		return err
	}
	return h.Commit(ctx)
}

// scheduleIdle transitions a query with no remaining subscriber to
// Idle and, after graceDelay, disposes it if it is still undesired
// (spec.md §4.8: "Complete -> Idle after TTL; Idle queries whose TTL
// elapses before any client re-subscribes are purged"). The delay
// itself runs off the actor's loop so a quick resubscribe within the
// grace window cancels the disposal for free: the command simply finds
// desiredBy non-empty and does nothing.
func (s *Syncer) scheduleIdle(ctx context.Context, hash string, q *queryEntry) {
	if q.state != StateError {
		q.state = StateIdle
	}
	delay := s.graceDelay
	if q.ttl > 0 && q.ttl < delay {
		delay = q.ttl
	}
	go func() {
		select {
		case <-time.After(delay):
		case <-s.closed:
			return
		}
		c := cmd{fn: func() error { return s.disposeIfIdle(ctx, hash) }, done: make(chan error, 1)}
		select {
		case s.cmds <- c:
			<-c.done
		case <-s.closed:
		}
	}()
}

func (s *Syncer) disposeIfIdle(ctx context.Context, hash string) error {
	q, ok := s.queries[hash]
	if !ok || len(q.desiredBy) > 0 {
		return nil
	}
	s.disposeQuery(hash, q)
	q.state = StatePurged
	return s.persist(ctx, func(d *cvr.Delta) {
		d.RemoveQueries = []string{hash}
	})
}

func (s *Syncer) disposeQuery(hash string, q *queryEntry) {
	delete(s.queries, hash)
	if q.view != nil {
		activeQueries.Dec()
	}
	if q.viewClose != nil {
		q.viewClose.Close()
	}
	if q.view != nil {
		q.view.Destroy()
	}
}

// rebuildAll recompiles every hosted query's pipeline under the
// current auth claims (spec.md S6), replacing each queryEntry's view
// and pipeline in place while preserving its desiredBy set and CVR
// identity. A query whose rebuild now fails transitions to Error
// instead of silently keeping the stale, no-longer-authorized pipeline
// alive.
func (s *Syncer) rebuildAll(ctx context.Context) error {
	for hash, q := range s.queries {
		if q.request == nil {
			continue
		}
		s.rebuildOne(ctx, hash, q)
	}
	return nil
}

func (s *Syncer) rebuildOne(ctx context.Context, hash string, q *queryEntry) {
	prepared, _, err := s.prepare(q.request)
	if err != nil {
		s.failQuery(q, err)
		return
	}
	root, err := s.build(prepared)
	if err != nil {
		s.failQuery(q, err)
		return
	}
	if q.viewClose != nil {
		q.viewClose.Close()
	}
	if q.view != nil {
		q.view.Destroy()
	}

	v := view.New(root)
	v.UpdateTTL(q.ttl)
	q.view = v
	q.state = StateHydrating
	q.cause = nil
	q.viewClose = v.AddListener(func(snap view.Snapshot) { s.onViewSnapshot(hash, snap) })

	if err := s.applyViewSnapshot(ctx, hash, v.Data()); err != nil {
		s.failQuery(q, err)
	}
}

func (s *Syncer) failQuery(q *queryEntry, err error) {
	q.state = StateError
	q.cause = err
	log.WithError(err).Warn("syncer: auth change invalidated a hosted query")
}

// teardownAll disposes every hosted pipeline and then releases every
// shared source. Pipelines are disposed in map iteration order, not in
// reverse-construction order.
func (s *Syncer) teardownAll() {
	for hash, q := range s.queries {
		s.disposeQuery(hash, q)
	}
	for table, op := range s.sources {
		op.Destroy()
		delete(s.sources, table)
	}
}

func unknownTableError(table string) error {
	return faults.Invariant("syncer: unknown table %q", table)
}
