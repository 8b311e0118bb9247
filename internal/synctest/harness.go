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

// Package synctest provides an in-memory, end-to-end test harness for
// exercising a complete internal/syncer.Syncer against the scenarios
// of spec.md §8, without a live CockroachDB/Postgres instance.
// Grounded on internal/sinktest/all/fixture.go's "one Fixture bundling
// every database-backed service a test needs" pattern, with the
// database itself replaced by an in-memory internal/store.Database and
// the CVR store replaced by MemCVRStore.
package synctest

import (
	"context"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cockroachdb/zero-cache/internal/cvr"
	"github.com/cockroachdb/zero-cache/internal/permissions"
	"github.com/cockroachdb/zero-cache/internal/store"
	"github.com/cockroachdb/zero-cache/internal/syncer"
	"github.com/cockroachdb/zero-cache/internal/util/hlc"
	"github.com/cockroachdb/zero-cache/internal/util/notify"
	"github.com/cockroachdb/zero-cache/internal/util/stopper"
)

// MemCVRStore is an in-process syncer.CVRStore double: it serializes
// Begin calls per client-group with a plain mutex in place of the real
// store's row-level FOR UPDATE lock.
type MemCVRStore struct {
	mu    sync.Mutex
	byGID map[string]*cvr.Snapshot
}

// NewMemCVRStore constructs an empty store.
func NewMemCVRStore() *MemCVRStore {
	return &MemCVRStore{byGID: make(map[string]*cvr.Snapshot)}
}

// Begin implements syncer.CVRStore.
func (m *MemCVRStore) Begin(_ context.Context, clientGroupID string) (syncer.CVRHandle, error) {
	m.mu.Lock()
	snap, ok := m.byGID[clientGroupID]
	if !ok {
		snap = &cvr.Snapshot{
			ClientGroupID: clientGroupID,
			LastActive:    time.Now(),
			Queries:       make(map[string]cvr.QueryRecord),
			Clients:       mapset.NewThreadUnsafeSet[string](),
			Desires:       make(map[string]mapset.Set[string]),
			Rows:          make(map[cvr.RowRef]mapset.Set[string]),
			Versions:      make(map[cvr.RowRef]hlc.Time),
		}
		m.byGID[clientGroupID] = snap
	}
	return &memCVRHandle{store: m, snap: snap}, nil
}

// Snapshot returns the current state for a client-group, for test
// assertions on CVR row coverage (spec.md §8 property 7).
func (m *MemCVRStore) Snapshot(clientGroupID string) *cvr.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byGID[clientGroupID]
}

type memCVRHandle struct {
	store *MemCVRStore
	snap  *cvr.Snapshot
}

func (h *memCVRHandle) Snapshot() *cvr.Snapshot { return h.snap }

func (h *memCVRHandle) ApplyDelta(_ context.Context, delta *cvr.Delta) error {
	delta.Apply(h.snap)
	return nil
}

func (h *memCVRHandle) Commit(_ context.Context) error {
	h.store.mu.Unlock()
	return nil
}

func (h *memCVRHandle) Rollback(_ context.Context) error {
	h.store.mu.Unlock()
	return nil
}

// RecordingSink is a syncer.Sink that accumulates every PokeMessage it
// receives, for assertion in tests.
type RecordingSink struct {
	mu    sync.Mutex
	pokes []syncer.PokeMessage
}

// Poke implements syncer.Sink.
func (s *RecordingSink) Poke(m syncer.PokeMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pokes = append(s.pokes, m)
	return nil
}

// Drain returns and clears every PokeMessage recorded so far.
func (s *RecordingSink) Drain() []syncer.PokeMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pokes
	s.pokes = nil
	return out
}

// Harness bundles an in-memory database, CVR store, recording sink and
// a running Syncer, the minimal set of services spec.md §8's scenarios
// drive end to end.
type Harness struct {
	Schema *store.Schema
	DB     *store.Database
	CVR    *MemCVRStore
	Sink   *RecordingSink
	Syncer *syncer.Syncer

	stopCtx *stopper.Context
}

// New constructs a Harness for one client-group, wiring a fresh
// in-memory Database over schema and an open permissions.Policy unless
// policy narrows it.
func New(clientGroupID string, schema *store.Schema, policy permissions.Policy) *Harness {
	h := &Harness{
		Schema: schema,
		DB:     store.NewDatabase(schema),
		CVR:    NewMemCVRStore(),
		Sink:   &RecordingSink{},
	}
	version := notify.VarOf(hlc.New(1, 0))
	h.Syncer = syncer.New(clientGroupID, schema, h.DB, h.CVR, policy, h.Sink, version, 20*time.Millisecond)
	h.stopCtx = stopper.WithContext(context.Background())
	h.stopCtx.Go(func(ctx *stopper.Context) error { return h.Syncer.Run(ctx) })
	return h
}

// Stop tears down the harness's Syncer.
func (h *Harness) Stop() {
	h.stopCtx.Stop(time.Second)
}

// WaitForPokes polls Sink until at least min PokeMessages have
// accumulated, then drains and returns them. It returns whatever has
// accumulated once the deadline elapses, possibly fewer than min.
func (h *Harness) WaitForPokes(min int, timeout time.Duration) []syncer.PokeMessage {
	deadline := time.Now().Add(timeout)
	for {
		h.Sink.mu.Lock()
		ready := len(h.Sink.pokes) >= min || time.Now().After(deadline)
		h.Sink.mu.Unlock()
		if ready {
			return h.Sink.Drain()
		}
		time.Sleep(5 * time.Millisecond)
	}
}
