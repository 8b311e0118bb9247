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

import "fmt"

// tableNames holds the CVR store's (possibly shard-scoped) table
// names, substituted into the schema and query templates in this
// package. Grounded on the teacher's internal/source/cdc/resolver.go,
// which computes its own small metadata-table schema from a single
// %[1]s-templated const the same way.
type tableNames struct {
	instances, clients, queries, desires, rows, rowsVersion string
}

func tableNamesFor(shardID string) tableNames {
	prefix := "zero_cvr"
	if shardID != "" {
		prefix = fmt.Sprintf("zero_%s_cvr", shardID)
	}
	return tableNames{
		instances:   prefix + "_instances",
		clients:     prefix + "_clients",
		queries:     prefix + "_queries",
		desires:     prefix + "_desires",
		rows:        prefix + "_rows",
		rowsVersion: prefix + "_rows_version",
	}
}

// instancesSchema backs spec.md §6's "Indexes: (clientGroupID)
// primary; (lastActive asc) on instances."
const instancesSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
  client_group_id STRING NOT NULL PRIMARY KEY,
  last_active     TIMESTAMPTZ NOT NULL,
  INDEX (last_active ASC)
)`

const clientsSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
  client_group_id STRING NOT NULL,
  client_id       STRING NOT NULL,
  PRIMARY KEY (client_group_id, client_id)
)`

const queriesSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
  client_group_id STRING NOT NULL,
  query_hash      STRING NOT NULL,
  ast             JSONB NOT NULL,
  ttl_millis      INT8 NOT NULL,
  last_use        TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (client_group_id, query_hash)
)`

const desiresSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
  client_group_id STRING NOT NULL,
  client_id       STRING NOT NULL,
  query_hash      STRING NOT NULL,
  PRIMARY KEY (client_group_id, client_id, query_hash)
)`

const rowsSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
  client_group_id STRING NOT NULL,
  table_name      STRING NOT NULL,
  row_key         STRING NOT NULL,
  query_hash      STRING NOT NULL,
  PRIMARY KEY (client_group_id, table_name, row_key, query_hash)
)`

const rowsVersionSchema = `
CREATE TABLE IF NOT EXISTS %[1]s (
  client_group_id STRING NOT NULL,
  table_name      STRING NOT NULL,
  row_key         STRING NOT NULL,
  version         STRING NOT NULL,
  PRIMARY KEY (client_group_id, table_name, row_key)
)`
