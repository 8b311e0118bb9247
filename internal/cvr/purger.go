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

package cvr

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/cockroachdb/zero-cache/internal/util/stopper"
)

// Purger sweeps client-group CVRs whose instance row has been inactive
// for longer than Threshold (spec.md §4.9: "purged by a background
// sweeper once now - lastActive > threshold and no in-flight update
// holds their lock").
type Purger struct {
	store *Store

	// Threshold is the inactivity window after which a client-group's
	// CVR becomes eligible for purge.
	Threshold time.Duration

	// InitialBatchSize and InitialInterval seed the adaptive loop
	// described by spec.md §4.9: "Batch sizes and sleep intervals
	// adapt: if the remaining purgeable count grows between rounds,
	// the batch size increases by the initial step; if zero
	// purgeable, the interval doubles up to a cap." A zero
	// InitialBatchSize disables purging (spec.md §9 open question),
	// but the loop keeps idling rather than exiting, since operators
	// upstream assume the subscription remains live.
	InitialBatchSize int
	InitialInterval  time.Duration
	MaxInterval      time.Duration
}

// NewPurger constructs a Purger against store.
func NewPurger(store *Store, threshold time.Duration, initialBatchSize int, initialInterval, maxInterval time.Duration) *Purger {
	return &Purger{
		store:            store,
		Threshold:        threshold,
		InitialBatchSize: initialBatchSize,
		InitialInterval:  initialInterval,
		MaxInterval:      maxInterval,
	}
}

// Run drives the adaptive purge loop until ctx is stopped.
func (p *Purger) Run(ctx *stopper.Context) error {
	batch := p.InitialBatchSize
	interval := p.InitialInterval
	prevRemaining := -1

	for {
		if p.InitialBatchSize == 0 {
			log.Debug("cvr: purger disabled (initialBatchSize=0), idling")
			if !p.sleep(ctx, interval) {
				return nil
			}
			continue
		}

		purged, remaining, err := p.round(ctx, batch)
		if err != nil {
			log.WithError(err).Warn("cvr: purge round failed")
		} else {
			if purged > 0 {
				purgedGroupsTotal.Add(float64(purged))
				log.WithFields(log.Fields{"purged": purged, "remaining": remaining}).Debug("cvr: purge round complete")
			}
			batch, interval = adaptBatchAndInterval(
				p.InitialBatchSize, batch, p.InitialInterval, p.MaxInterval, interval, prevRemaining, remaining)
			prevRemaining = remaining
			purgeBatchSize.Set(float64(batch))
			purgeIntervalSeconds.Set(interval.Seconds())
		}

		if !p.sleep(ctx, interval) {
			return nil
		}
	}
}

func (p *Purger) sleep(ctx *stopper.Context, interval time.Duration) bool {
	select {
	case <-time.After(interval):
		return true
	case <-ctx.Stopping():
		return false
	}
}

// adaptBatchAndInterval implements spec.md §4.9's batch/interval
// adaptation rule in isolation from any database access, so it can be
// unit tested directly. prevRemaining of -1 means "no prior round".
func adaptBatchAndInterval(
	initialBatch, batch int,
	initialInterval, maxInterval, interval time.Duration,
	prevRemaining, remaining int,
) (int, time.Duration) {
	switch {
	case prevRemaining >= 0 && remaining > prevRemaining:
		batch += initialBatch
	case remaining == 0:
		interval *= 2
		if interval > maxInterval {
			interval = maxInterval
		}
	default:
		interval = initialInterval
	}
	return batch, interval
}

// round purges at most batch client-groups whose instance row has
// been inactive past Threshold, returning how many were purged and
// how many remain purgeable afterward. It locates candidates with
// FOR UPDATE SKIP LOCKED so that a row currently held by an active
// view-syncer Handle is excluded (spec.md §8 property 7: "A CVR held
// under FOR UPDATE by one actor is never deleted by the purger").
func (p *Purger) round(ctx context.Context, batch int) (purged, remaining int, err error) {
	tx, err := p.store.pool.Begin(ctx)
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cutoff := time.Now().Add(-p.Threshold)
	t := p.store.tables

	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT client_group_id FROM %[1]s WHERE last_active < $1 ORDER BY last_active ASC LIMIT $2 FOR UPDATE SKIP LOCKED`,
		t.instances), cutoff, batch)
	if err != nil {
		return 0, 0, errors.WithStack(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, errors.WithStack(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, errors.WithStack(err)
	}

	for _, id := range ids {
		if err := p.deleteGroup(ctx, tx, id); err != nil {
			return 0, 0, err
		}
	}

	if err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT count(*) FROM %[1]s WHERE last_active < $1`, t.instances), cutoff,
	).Scan(&remaining); err != nil {
		return 0, 0, errors.WithStack(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, errors.WithStack(err)
	}
	return len(ids), remaining, nil
}

// deleteGroup cascades bottom-up per spec.md §4.9: "deletions cascade
// bottom-up: desires -> queries -> clients -> instances -> rows ->
// rowsVersion."
func (p *Purger) deleteGroup(ctx context.Context, tx pgx.Tx, groupID string) error {
	t := p.store.tables
	for _, table := range []string{t.desires, t.queries, t.clients, t.instances, t.rows, t.rowsVersion} {
		if _, err := tx.Exec(ctx,
			fmt.Sprintf(`DELETE FROM %[1]s WHERE client_group_id=$1`, table), groupID,
		); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
