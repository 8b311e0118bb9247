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
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cockroachdb/zero-cache/internal/cvr"
	"github.com/cockroachdb/zero-cache/internal/util/hlc"
)

// fakeCVRStore is an in-process CVRStore double: it serializes Begin
// calls per client-group with a plain mutex in place of FOR UPDATE, so
// internal/synctest-style tests can exercise a Syncer's CVR-persisting
// paths without a live Postgres pool.
type fakeCVRStore struct {
	mu    sync.Mutex
	byGID map[string]*cvr.Snapshot
}

func newFakeCVRStore() *fakeCVRStore {
	return &fakeCVRStore{byGID: make(map[string]*cvr.Snapshot)}
}

func (f *fakeCVRStore) Begin(_ context.Context, clientGroupID string) (CVRHandle, error) {
	f.mu.Lock()
	snap, ok := f.byGID[clientGroupID]
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
		f.byGID[clientGroupID] = snap
	}
	return &fakeCVRHandle{store: f, snap: snap}, nil
}

type fakeCVRHandle struct {
	store *fakeCVRStore
	snap  *cvr.Snapshot
}

func (h *fakeCVRHandle) Snapshot() *cvr.Snapshot { return h.snap }

func (h *fakeCVRHandle) ApplyDelta(_ context.Context, delta *cvr.Delta) error {
	delta.Apply(h.snap)
	return nil
}

func (h *fakeCVRHandle) Commit(_ context.Context) error {
	h.store.mu.Unlock()
	return nil
}

func (h *fakeCVRHandle) Rollback(_ context.Context) error {
	h.store.mu.Unlock()
	return nil
}
