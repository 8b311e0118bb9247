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
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/zero-cache/internal/ast"
	"github.com/cockroachdb/zero-cache/internal/cvr"
	"github.com/cockroachdb/zero-cache/internal/ivm"
	"github.com/cockroachdb/zero-cache/internal/permissions"
	"github.com/cockroachdb/zero-cache/internal/pipeline"
	"github.com/cockroachdb/zero-cache/internal/store"
	"github.com/cockroachdb/zero-cache/internal/view"
)

// addQuery registers a new query desired by clientID. If an equivalent
// query (same post-transform hash) is already hosted, it only records
// the new desire; otherwise it prepares and builds a fresh pipeline
// (spec.md §4.8 steps 1-3: "transform -> build -> hydrate").
func (s *Syncer) addQuery(ctx context.Context, clientID string, req QueryRequest) error {
	prepared, fp, err := s.prepare(req.AST)
	if err != nil {
		return err
	}
	hash := ast.ComputeHash(prepared).String() + fp.String()

	if q, ok := s.queries[hash]; ok {
		q.desiredBy[clientID] = struct{}{}
		return s.persist(ctx, func(d *cvr.Delta) {
			d.AddDesires[clientID] = []string{hash}
		})
	}

	buildStart := time.Now()
	root, err := s.build(prepared)
	if err != nil {
		return s.registerErrored(ctx, clientID, req, hash, err)
	}

	v := view.New(root)
	hydrationDurations.WithLabelValues(hash).Observe(time.Since(buildStart).Seconds())
	activeQueries.Inc()
	v.UpdateTTL(req.ttlOrDefault())

	q := &queryEntry{
		hash:      hash,
		request:   req.AST,
		ttl:       req.ttlOrDefault(),
		lastUse:   time.Now(),
		state:     StateHydrating,
		view:      v,
		rows:      make(map[store.Key]view.Row),
		desiredBy: map[string]struct{}{clientID: {}},
	}
	s.queries[hash] = q

	encoded, encErr := json.Marshal(prepared)
	if encErr != nil {
		encoded = nil
	}

	q.viewClose = v.AddListener(func(snap view.Snapshot) { s.onViewSnapshot(hash, snap) })

	if err := s.persist(ctx, func(d *cvr.Delta) {
		d.PutQueries = []cvr.QueryRecord{{Hash: hash, AST: encoded, TTL: q.ttl, LastUse: q.lastUse}}
		d.AddDesires[clientID] = []string{hash}
	}); err != nil {
		return err
	}

	// internal/store hydrates synchronously, so View.New already settled
	// to its initial snapshot before the listener above was attached;
	// feed it through the same diff path explicitly so the first batch
	// of adds and the Hydrating->Complete transition are not lost.
	return s.applyViewSnapshot(ctx, hash, v.Data())
}

// ttlOrDefault applies spec.md §4.8's default retention when the
// client did not specify one.
func (r QueryRequest) ttlOrDefault() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return defaultQueryTTL
}

const defaultQueryTTL = 5 * time.Minute

// registerErrored records a query whose prepared AST failed to build
// into a pipeline (e.g. a source the builder cannot resolve) in the
// Error state rather than silently dropping the client's request, so
// Inspect and a future poke's {error} payload can both surface the
// cause (spec.md §4.8 "error(cause)"). Errors from prepare (the
// permission transform, or completion against an unknown table) are
// returned to the caller instead and register no query.
func (s *Syncer) registerErrored(ctx context.Context, clientID string, req QueryRequest, hash string, cause error) error {
	q := &queryEntry{
		hash:      hash,
		request:   req.AST,
		ttl:       req.ttlOrDefault(),
		lastUse:   time.Now(),
		state:     StateError,
		cause:     cause,
		desiredBy: map[string]struct{}{clientID: {}},
	}
	s.queries[hash] = q
	log.WithError(cause).WithField("hash", hash).Warn("syncer: query build failed")
	return s.persist(ctx, func(d *cvr.Delta) {
		d.AddDesires[clientID] = []string{hash}
	})
}

// prepare runs the query-preparation pipeline of spec.md §4.8 step 1:
// permission transform, then simplification (recursed manually across
// every RELATED subquery, since ast.Simplify only descends into
// top-level WHERE and EXISTS subqueries on its own), then completion
// against the schema's primary keys.
func (s *Syncer) prepare(q *ast.Query) (*ast.Query, permissions.Fingerprint, error) {
	transformed, fp, err := s.transformer.Transform(q, s.auth)
	if err != nil {
		return nil, 0, err
	}
	completed, err := ast.Complete(simplifyRelated(transformed), s.pkLookup)
	if err != nil {
		return nil, 0, err
	}
	return completed, fp, nil
}

// simplifyRelated returns a copy of q with ast.Simplify applied to its
// own WHERE and recursively to every RELATED child's WHERE,
// compensating for ast.Simplify's own non-recursion into Related (see
// internal/ast/simplify.go: only OpExists subqueries are walked
// automatically). Like every other AST transform in this package, it
// never mutates q.
func simplifyRelated(q *ast.Query) *ast.Query {
	if q == nil {
		return nil
	}
	ret := *q
	ret.Where = ast.Simplify(q.Where)
	if len(q.Related) > 0 {
		related := make([]ast.RelatedChild, len(q.Related))
		for i, r := range q.Related {
			r.Query = simplifyRelated(r.Query)
			related[i] = r
		}
		ret.Related = related
	}
	return &ret
}

func (s *Syncer) pkLookup(table string) ([]string, bool) {
	spec, ok := s.schema.Tables[table]
	if !ok {
		return nil, false
	}
	return spec.PrimaryKey, true
}

// build compiles q into a wired pipeline, sharing one ivm.Source per
// table across every query this actor hosts (spec.md §9: "Sources are
// shared read-only across pipelines within one actor").
func (s *Syncer) build(q *ast.Query) (ivm.Operator, error) {
	b := &pipeline.Builder{
		Schema:  s.schema,
		Sources: s.sourceFor,
		Storage: ivm.NewMemStorage(),
	}
	return b.Build(q)
}

func (s *Syncer) sourceFor(table string) (ivm.Operator, error) {
	if op, ok := s.sources[table]; ok {
		return op, nil
	}
	t := s.db.Table(table)
	if t == nil {
		return nil, unknownTableError(table)
	}
	op := ivm.NewSource(t)
	s.sources[table] = op
	return op, nil
}
