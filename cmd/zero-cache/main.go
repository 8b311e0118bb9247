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

// Command zero-cache is the spec.md §6 process: it replicates an
// upstream database into memory, maintains each client-group's desired
// queries incrementally, and serves the resulting view deltas.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	_ "github.com/cockroachdb/zero-cache/internal/replicator/mysource"
	_ "github.com/cockroachdb/zero-cache/internal/replicator/pgsource"

	"github.com/cockroachdb/zero-cache/internal/config"
	"github.com/cockroachdb/zero-cache/internal/replicator"
	"github.com/cockroachdb/zero-cache/internal/util/hlc"
	"github.com/cockroachdb/zero-cache/internal/util/log"
	"github.com/cockroachdb/zero-cache/internal/util/stopper"
)

// drainTimeout bounds how long in-flight Syncer and replicator work is
// given to wind down once a shutdown signal arrives.
const drainTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("zero-cache exited")
	}
}

func run() error {
	cfg := &config.Config{}
	cfg.Bind(pflag.CommandLine)
	pflag.Parse()
	if err := cfg.Preflight(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if err := log.Init(cfg.Log); err != nil {
		return errors.Wrap(err, "initializing logger")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stopCtx := stopper.WithContext(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("shutdown requested, draining")
		stopCtx.Stop(drainTimeout)
	}()

	srv, cleanup, err := newServer(stopCtx, cfg, unimplementedChangeSource{})
	if err != nil {
		return errors.Wrap(err, "constructing server")
	}
	defer cleanup()

	if err := srv.Run(stopCtx); err != nil {
		return errors.Wrap(err, "serving")
	}
	return stopCtx.Wait()
}

// unimplementedChangeSource is the default replicator.ChangeSource: no
// upstream decoder ships in this module (see
// ProvideReplicatorLoop's doc comment), so until one of
// internal/replicator/pgsource or mysource grows an actual
// logical-replication decoder, the replicator loop halts immediately
// with this error rather than silently idling.
type unimplementedChangeSource struct{}

func (unimplementedChangeSource) ReadInto(_ context.Context, _ hlc.Time, _ chan<- replicator.ChangeTransaction) error {
	return errors.New("no replicator.ChangeSource is wired; zero-cache ships only driver registration (pgsource/mysource), not a decoder")
}
