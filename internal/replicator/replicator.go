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

// Package replicator implements the replicator (spec.md C7): a
// single-threaded loop that consumes an ordered stream of upstream
// change transactions and applies them to internal/store atomically,
// advancing a monotonic replica version that the view-syncer (C8)
// subscribes to. Grounded on the teacher's
// internal/source/logical/serial_events.go (one OnBegin/OnData/OnCommit
// batch per transaction, committed as a unit) and
// internal/source/cdc/resolver.go (the resolved-timestamp-driven
// apply/notify loop this package generalizes away from CDC's wire
// format to an already-decoded Mutation stream).
package replicator

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/pkg/errors"

	"github.com/cockroachdb/zero-cache/internal/store"
	"github.com/cockroachdb/zero-cache/internal/util/faults"
	"github.com/cockroachdb/zero-cache/internal/util/hlc"
	"github.com/cockroachdb/zero-cache/internal/util/msort"
	"github.com/cockroachdb/zero-cache/internal/util/notify"
	"github.com/cockroachdb/zero-cache/internal/util/stopper"
)

// ErrReplicaResetRequired is returned by Loop.Run when schema drift is
// detected and the Config did not request an automatic reset (spec.md
// §4.7, §7).
var ErrReplicaResetRequired = errors.New("replicator: schema drift detected, replica reset required")

// ChangeTransaction is one committed upstream transaction: a batch of
// row mutations plus the new replica version they advance to (spec.md
// §6 "Change stream").
type ChangeTransaction struct {
	Version   hlc.Time
	Mutations []store.Mutation
}

// ChangeSource is the out-of-scope external collaborator that decodes
// the upstream change stream (spec.md §1 excludes "Postgres
// logical-replication wire decoding" itself; only this contract is
// fixed, mirroring the teacher's logical.Dialect.ReadInto). ReadInto
// delivers every transaction strictly after resumeFrom, in commit
// order, until ctx is canceled or an unrecoverable error occurs.
type ChangeSource interface {
	ReadInto(ctx context.Context, resumeFrom hlc.Time, ch chan<- ChangeTransaction) error
}

// Loop is the replicator actor (spec.md §5: "Each ... replicator runs
// as a single-threaded cooperative actor").
type Loop struct {
	db        *store.Database
	source    ChangeSource
	version   *notify.Var[hlc.Time]
	autoReset bool
}

// New constructs a Loop applying source's transactions to db. version
// is the observable replica-version variable the view-syncer (C8)
// subscribes to (mirrors resolver.marked); autoReset selects the
// spec.md §4.7/§7 SchemaDrift recovery behavior.
func New(db *store.Database, source ChangeSource, version *notify.Var[hlc.Time], autoReset bool) *Loop {
	return &Loop{db: db, source: source, version: version, autoReset: autoReset}
}

// Run drives the loop until ctx is stopped or an unrecoverable error
// occurs. It replays any version already applied to db (the "replay
// any in-flight WAL" requirement of spec.md §4.7) by resuming the
// ChangeSource from db.Version() rather than from zero.
func (l *Loop) Run(ctx *stopper.Context) error {
	ch := make(chan ChangeTransaction, 16)

	ctx.Go(func(ctx *stopper.Context) error {
		defer close(ch)
		err := l.source.ReadInto(ctx, l.db.Version(), ch)
		if err != nil {
			return errors.Wrap(err, "replicator: change source failed")
		}
		return nil
	})

	for {
		select {
		case <-ctx.Stopping():
			return nil
		case txn, ok := <-ch:
			if !ok {
				return nil
			}
			if err := l.apply(txn); err != nil {
				if faults.IsKind(err, faults.KindReplicaResetRequired) {
					if l.autoReset {
						log.WithField("version", txn.Version).Warn("replicator: schema drift, auto-reset requested")
						return err
					}
					log.WithField("version", txn.Version).Error("replicator: schema drift, halting")
					return ErrReplicaResetRequired
				}
				return err
			}
		}
	}
}

// apply applies one transaction's mutations atomically and notifies
// subscribers of the new version (spec.md §4.7 steps 2-3). A
// *store.Database error that indicates a schema/kind mismatch is
// reclassified as SchemaDrift; anything else propagates as-is, letting
// the caller apply its own IO-retry policy.
func (l *Loop) apply(txn ChangeTransaction) error {
	log.WithFields(log.Fields{"version": txn.Version.String(), "mutations": len(txn.Mutations)}).Debug("replicator: applying transaction")

	muts := msort.UniqueByKey(txn.Mutations, func(table string) []string {
		if t, ok := l.db.Schema().Tables[table]; ok {
			return t.PrimaryKey
		}
		return nil
	})

	if err := l.db.ApplyBatch(txn.Version, muts); err != nil {
		if errors.Is(err, store.ErrSchemaMismatch) {
			return faults.SchemaDrift("replicator: %v", err)
		}
		return errors.Wrap(err, "replicator: apply batch")
	}

	l.version.Set(txn.Version)
	return nil
}
