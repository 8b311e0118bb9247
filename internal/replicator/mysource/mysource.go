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

// Package mysource provides the go-sql-driver/mysql-backed
// database/sql registration path for a MySQL-flavored upstream change
// log, mirroring stdpool.OpenMySQLAsTarget's driver registration in the
// teacher.
package mysource

import (
	_ "github.com/go-sql-driver/mysql"
)

// DriverName is the database/sql driver name registered by the
// go-sql-driver/mysql import above.
const DriverName = "mysql"
