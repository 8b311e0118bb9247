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

// Package stopper re-exports github.com/cockroachdb/field-eng-powertools/stopper,
// the cooperative-actor lifecycle every single-threaded loop in this module
// (the replicator's Loop, each view-syncer's Syncer) is built on, matching
// spec.md §5's "cooperative actor" scheduling model.
package stopper

import (
	"context"

	"github.com/cockroachdb/field-eng-powertools/stopper"
)

// Context bundles a context.Context with graceful-shutdown bookkeeping:
// Go launches supervised goroutines, Stop requests shutdown, Wait blocks
// until every supervised goroutine has returned.
type Context = stopper.Context

// WithContext constructs a Context canceled either by its own Stop
// method or by parent's cancellation.
func WithContext(parent context.Context) *Context {
	return stopper.WithContext(parent)
}

// From retrieves the enclosing Context, if ctx was derived from one.
func From(ctx context.Context) *Context {
	return stopper.From(ctx)
}
