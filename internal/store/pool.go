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

package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// StagingQuerier is implemented by pgxpool.Pool, pgxpool.Conn,
// pgxpool.Tx, pgx.Conn, and pgx.Tx. CVR and change-log access is
// written against this interface rather than a concrete pool type so
// that code can run inside or outside an explicit transaction
// uniformly (mirrors the teacher's internal/types.StagingQuerier).
type StagingQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...interface{}) pgx.Row
}

var (
	_ StagingQuerier = (*pgxpool.Conn)(nil)
	_ StagingQuerier = (*pgxpool.Pool)(nil)
	_ StagingQuerier = (pgx.Tx)(nil)
	_ StagingQuerier = (*pgx.Conn)(nil)
)

// Product identifies the backing SQL dialect of a pool, mirroring the
// teacher's types.Product enum.
type Product int

// Supported CVR/change-log backends.
const (
	ProductUnknown Product = iota
	ProductCockroachDB
	ProductPostgreSQL
)

// PoolInfo describes a connection pool's identity.
type PoolInfo struct {
	ConnectionString string
	Product          Product
}

// StagingPool is the injection point for the CVR and change-log
// database connection.
type StagingPool struct {
	*pgxpool.Pool
	PoolInfo
}

// Info returns the embedded PoolInfo.
func (p *StagingPool) Info() *PoolInfo { return &p.PoolInfo }
