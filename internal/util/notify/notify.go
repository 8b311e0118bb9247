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

// Package notify re-exports github.com/cockroachdb/field-eng-powertools/notify
// under the project's own import path, the way the teacher keeps its own
// thin wrappers (internal/util/hlc) around small vocabulary types
// rather than importing third-party packages ad hoc at every call site.
package notify

import "github.com/cockroachdb/field-eng-powertools/notify"

// Var is the observable-value primitive used for the replica-version
// wakeup channel (C7 -> C8): Get returns the
// current value plus a channel that closes when it next changes; Set
// publishes a new value and fires that channel.
type Var[T any] = notify.Var[T]

// VarOf constructs a Var already holding v.
func VarOf[T any](v T) *Var[T] {
	return notify.VarOf(v)
}
