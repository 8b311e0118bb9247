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

// Package faults implements the error taxonomy from spec.md §7:
// Invariant, PermissionDenied, SchemaDrift, Timeout/Backpressure, and
// IO. Each is a typed error so that the view-syncer can pick the right
// outbound {error {kind, message}} payload without string matching.
package faults

import "fmt"

// Kind classifies a fault for the client protocol's error payload.
type Kind string

// Error kinds from spec.md §6 ("Error kinds include ...").
const (
	KindSchemaVersionNotSupported Kind = "SchemaVersionNotSupported"
	KindAuthInvalid               Kind = "AuthInvalid"
	KindMutationDisagreement      Kind = "MutationDisagreement"
	KindReplicaResetRequired      Kind = "ReplicaResetRequired"
	KindTimeout                   Kind = "Timeout"
	KindInternal                  Kind = "Internal"
)

// A Fault is a terminal error carrying a Kind, as described in §7's
// propagation policy: "an operator never throws to its peer; it
// signals a single terminal error(cause) and stops emitting."
type Fault struct {
	Kind  Kind
	cause error
}

// New wraps cause under the given Kind. cause may be nil.
func New(kind Kind, cause error) *Fault {
	return &Fault{Kind: kind, cause: cause}
}

// Error implements error.
func (f *Fault) Error() string {
	if f.cause == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.cause)
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (f *Fault) Unwrap() error { return f.cause }

// Invariant reports an internal bug, e.g. UnionFanIn's merge table
// being asked to combine a case it does not recognize. The batch that
// triggered it is aborted and the owning view transitions to `error`;
// the process itself stays alive unless the fault originated in the
// replicator (spec.md §7).
func Invariant(format string, args ...any) *Fault {
	return New(KindInternal, fmt.Errorf(format, args...))
}

// PermissionDenied reports that a policy rule rejected the active
// auth. It is never fatal; the query completes with a (possibly empty)
// result.
func PermissionDenied(format string, args ...any) *Fault {
	return New(KindAuthInvalid, fmt.Errorf(format, args...))
}

// SchemaDrift reports a replicated change incompatible with the
// current schema. Replication halts until a reset, per §7.
func SchemaDrift(format string, args ...any) *Fault {
	return New(KindReplicaResetRequired, fmt.Errorf(format, args...))
}

// Timeout reports a hydration or backpressure deadline expiring. It
// surfaces as the view remaining `unknown`, never a silent drop.
func Timeout(format string, args ...any) *Fault {
	return New(KindTimeout, fmt.Errorf(format, args...))
}

// IsKind reports whether err is a *Fault of the given Kind.
func IsKind(err error, kind Kind) bool {
	f, ok := err.(*Fault)
	return ok && f.Kind == kind
}
