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

// Package pgsource provides the lib/pq-backed database/sql registration
// path for upstreams that front a plain PostgreSQL logical-replication
// slot rather than a CockroachDB changefeed. The decoded-mutation
// contract (replicator.ChangeSource) is identical either way; only the
// driver registration differs, mirroring resolved_table.go's pattern of
// importing an alternate driver purely for its side effect.
package pgsource

import (
	_ "github.com/lib/pq"
)

// DriverName is the database/sql driver name registered by the
// lib/pq import above.
const DriverName = "postgres"
