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

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/zero-cache/internal/config"
	"github.com/cockroachdb/zero-cache/internal/cvr"
	"github.com/cockroachdb/zero-cache/internal/permissions"
	"github.com/cockroachdb/zero-cache/internal/replicator"
	"github.com/cockroachdb/zero-cache/internal/store"
	"github.com/cockroachdb/zero-cache/internal/syncer"
	"github.com/cockroachdb/zero-cache/internal/util/diag"
	"github.com/cockroachdb/zero-cache/internal/util/hlc"
	"github.com/cockroachdb/zero-cache/internal/util/notify"
	"github.com/cockroachdb/zero-cache/internal/util/stopper"
)

// groupState is one client-group's live Syncer plus its wire-level
// sink. Pushing the actual client-protocol transport (WebSocket
// framing, auth-token verification) is out of scope for this exercise
// (spec.md §1's "wire protocol" non-goal); groupSink below is the
// narrowest concrete Sink this module ships, recording pokes for
// inspection rather than writing them to a socket.
type groupState struct {
	syncer *syncer.Syncer
	sink   *groupSink
}

type groupSink struct {
	mu    sync.Mutex
	pokes []syncer.PokeMessage
}

func (s *groupSink) Poke(m syncer.PokeMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pokes = append(s.pokes, m)
	if len(s.pokes) > 1024 {
		s.pokes = s.pokes[len(s.pokes)-1024:]
	}
	return nil
}

func (s *groupSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pokes)
}

// groupDiagnostic adapts a groupState to diag.Diagnosable, so
// Server.diagnostics (internal/util/diag's named-component registry)
// can enumerate every client-group's Syncer for the /debug/groups
// endpoint without the endpoint handler knowing each group's shape.
type groupDiagnostic struct{ g *groupState }

type groupDiagnosticReport struct {
	syncer.Diagnostics
	PokesSent int `json:"pokesSent"`
}

func (gd groupDiagnostic) Diagnostic(ctx context.Context) (any, error) {
	d, err := gd.g.syncer.Inspect(ctx)
	if err != nil {
		return nil, err
	}
	return groupDiagnosticReport{Diagnostics: d, PokesSent: gd.g.sink.count()}, nil
}

// Server is the top-level process: one shared replicated Database, one
// CVR store, and a registry of per-client-group Syncer actors, along
// with the diagnostic HTTP surface spec.md §6 names (metrics, health).
type Server struct {
	cfg      *config.Config
	schema   *store.Schema
	db       *store.Database
	version  *notify.Var[hlc.Time]
	cvrStore *cvr.Store
	loop     *replicator.Loop

	mu          sync.Mutex
	groups      map[string]*groupState
	runCtx      *stopper.Context
	diagnostics *diag.Diagnostics
}

// GroupSyncer returns (creating if necessary) the Syncer hosting
// clientGroupID, along with its policy (spec.md §4.8's "one actor per
// client-group"). It must only be called after Run has started, since
// the new Syncer's command loop is supervised under Run's stopper.Context.
func (srv *Server) GroupSyncer(clientGroupID string, policy permissions.Policy) *syncer.Syncer {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if g, ok := srv.groups[clientGroupID]; ok {
		return g.syncer
	}
	sink := &groupSink{}
	s := syncer.New(clientGroupID, srv.schema, srv.db, syncer.WrapStore(srv.cvrStore), policy, sink, srv.version, 5*time.Second)
	g := &groupState{syncer: s, sink: sink}
	srv.groups[clientGroupID] = g
	if err := srv.diagnostics.Register(clientGroupID, groupDiagnostic{g}); err != nil {
		log.WithError(err).WithField("clientGroupID", clientGroupID).Warn("zero-cache: diagnostic registration failed")
	}
	srv.runCtx.Go(func(ctx *stopper.Context) error {
		return errors.Wrapf(s.Run(ctx), "syncer for client-group %q", clientGroupID)
	})
	return s
}

// Run starts the replicator loop and serves the diagnostic HTTP
// surface until ctx stops; every Syncer registered afterward through
// GroupSyncer is supervised under this same ctx.
func (srv *Server) Run(ctx *stopper.Context) error {
	srv.mu.Lock()
	srv.runCtx = ctx
	srv.mu.Unlock()

	ctx.Go(func(ctx *stopper.Context) error {
		return errors.Wrap(srv.loop.Run(ctx), "replicator loop")
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", srv.handleHealthz)
	mux.HandleFunc("/debug/groups", srv.handleDebugGroups)

	addr := portAddr(srv.cfg.Ports.Port)
	httpServer := &http.Server{Addr: addr, Handler: mux}
	ctx.Go(func(ctx *stopper.Context) error {
		<-ctx.Stopping()
		return httpServer.Close()
	})

	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server")
	}
	return nil
}

func (srv *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	version, _ := srv.version.Get()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":  "ok",
		"version": version.String(),
	})
}

func (srv *Server) handleDebugGroups(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(srv.diagnostics.Inspect(r.Context()))
}

func portAddr(port int) string {
	return ":" + strconv.Itoa(port)
}
