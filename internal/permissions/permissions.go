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

// Package permissions implements the permission transformer (spec.md
// C6): a pure, deterministic rewrite of a query AST that ANDs a
// per-table policy into WHERE at every correlated position, including
// RELATED subtrees and EXISTS subqueries.
package permissions

import (
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/cockroachdb/zero-cache/internal/ast"
	"github.com/cockroachdb/zero-cache/internal/store"
)

// Action names one of the five rule lists a Policy may define for a
// table (spec.md §4.6).
type Action string

// Policy actions.
const (
	ActionSelect    Action = "select"
	ActionInsert    Action = "insert"
	ActionUpdatePre Action = "update-pre"
	ActionUpdatePost Action = "update-post"
	ActionDelete    Action = "delete"
)

// Rule is one "allow" condition template. Its Build function receives
// the resolved auth Claims and returns the WHERE expression to AND in;
// an implementation typically closes over a store.Value comparison
// referencing an auth variable (e.g. `ownerID = claims.sub`).
type Rule struct {
	Name  string
	Build func(Claims) *ast.Expr
}

// TablePolicy holds the allow-rule lists for one table, keyed by
// Action. A table with no entry for an action is fully open for that
// action (spec.md is silent on a default-deny mode, and original_source
// has none either, so an absent Action list is treated as "no
// restriction" exactly as an absent table entry is).
type TablePolicy map[Action][]Rule

// Policy maps table name to its TablePolicy.
type Policy map[string]TablePolicy

// Claims is the resolved auth variable set the transformer evaluates
// rules against. Unknown claim paths compare as NULL (spec.md §4.6);
// callers populate Claims from whatever the auth token decodes to.
type Claims map[string]store.Value

// Get returns the named claim, or store.Null if absent -- this is how
// "unknown claim paths compare as NULL" is realized.
func (c Claims) Get(name string) store.Value {
	if v, ok := c[name]; ok {
		return v
	}
	return store.Null
}

// Transformer applies a Policy for ActionSelect reads (the only action
// the view-syncer's live queries exercise; insert/update/delete are
// enforced by the mutation path, not by C6).
type Transformer struct {
	policy Policy
}

// New builds a Transformer over policy.
func New(policy Policy) *Transformer {
	return &Transformer{policy: policy}
}

// Transform rewrites q, ANDing the SELECT policy for q.Table (and
// every correlated RELATED/EXISTS subquery's table) into WHERE. It is
// pure: q is never mutated, and a given (q, claims) pair always
// produces the same tree. The fingerprint of the applied policy is
// returned alongside the rewritten query so callers can fold it into
// the CVR query identity (spec.md §4.6's "its hash fingerprint is
// included in CVR query identity").
func (tr *Transformer) Transform(q *ast.Query, claims Claims) (*ast.Query, Fingerprint, error) {
	fp := newFingerprintBuilder()
	out, err := tr.transformQuery(q, claims, fp)
	if err != nil {
		return nil, Fingerprint{}, err
	}
	return out, fp.build(), nil
}

func (tr *Transformer) transformQuery(q *ast.Query, claims Claims, fp *fingerprintBuilder) (*ast.Query, error) {
	if q == nil {
		return nil, nil
	}
	ret := *q

	where, err := tr.transformWhere(q.Where, claims, fp)
	if err != nil {
		return nil, err
	}
	ret.Where = tr.and(where, tr.policyExpr(q.Table, claims, fp))

	if len(q.Related) > 0 {
		related := make([]ast.RelatedChild, len(q.Related))
		for i, r := range q.Related {
			child, err := tr.transformQuery(r.Query, claims, fp)
			if err != nil {
				return nil, errors.Wrapf(err, "permissions: related %q", r.Name)
			}
			r.Query = child
			related[i] = r
		}
		ret.Related = related
	}

	return &ret, nil
}

func (tr *Transformer) transformWhere(e *ast.Expr, claims Claims, fp *fingerprintBuilder) (*ast.Expr, error) {
	if e == nil {
		return nil, nil
	}
	switch e.Op {
	case ast.OpAnd:
		children, err := tr.transformChildren(e.Children, claims, fp)
		if err != nil {
			return nil, err
		}
		return ast.And(children...), nil
	case ast.OpOr:
		children, err := tr.transformChildren(e.Children, claims, fp)
		if err != nil {
			return nil, err
		}
		return ast.Or(children...), nil
	case ast.OpNot:
		operand, err := tr.transformWhere(e.Operand, claims, fp)
		if err != nil {
			return nil, err
		}
		return ast.Not(operand), nil
	case ast.OpExists:
		sub, err := tr.transformQuery(e.Subquery, claims, fp)
		if err != nil {
			return nil, errors.Wrap(err, "permissions: exists subquery")
		}
		cp := *e
		cp.Subquery = sub
		return &cp, nil
	default:
		return e, nil
	}
}

func (tr *Transformer) transformChildren(children []*ast.Expr, claims Claims, fp *fingerprintBuilder) ([]*ast.Expr, error) {
	ret := make([]*ast.Expr, len(children))
	for i, c := range children {
		out, err := tr.transformWhere(c, claims, fp)
		if err != nil {
			return nil, err
		}
		ret[i] = out
	}
	return ret, nil
}

// policyExpr builds the ANDed policy condition for table's SELECT
// rules, recording each applied rule's identity in fp. A table with no
// policy entry contributes ast.True (no restriction).
func (tr *Transformer) policyExpr(table string, claims Claims, fp *fingerprintBuilder) *ast.Expr {
	rules := tr.policy[table][ActionSelect]
	if len(rules) == 0 {
		fp.add(table, "*open*")
		return ast.True
	}
	// Multiple allow rules are OR'd: any one of them grants access,
	// matching the usual RLS "permissive policy" semantics.
	exprs := make([]*ast.Expr, len(rules))
	for i, r := range rules {
		fp.add(table, r.Name)
		exprs[i] = r.Build(claims)
	}
	if len(exprs) == 1 {
		return exprs[0]
	}
	return ast.Or(exprs...)
}

func (tr *Transformer) and(where, policy *ast.Expr) *ast.Expr {
	if policy == ast.True {
		if where == nil {
			return nil
		}
		return where
	}
	if where == nil {
		return policy
	}
	return ast.And(where, policy)
}

// Fingerprint identifies which policy rules were applied to a query,
// independent of the auth claims used to evaluate them, so that two
// clients authorized under the same rule set share a CVR query row
// even though their claim values differ (spec.md §4.6).
type Fingerprint uint64

// String renders the fingerprint as a fixed-width hex token.
func (f Fingerprint) String() string { return formatFingerprint(uint64(f)) }

func formatFingerprint(v uint64) string {
	const hexDigits = "0123456789abcdef"
	buf := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		buf[i] = hexDigits[v&0xf]
		v >>= 4
	}
	return string(buf)
}

type fingerprintBuilder struct {
	applied []string
}

func newFingerprintBuilder() *fingerprintBuilder { return &fingerprintBuilder{} }

func (b *fingerprintBuilder) add(table string, rule string) {
	b.applied = append(b.applied, table+"."+rule)
}

func (b *fingerprintBuilder) build() Fingerprint {
	sorted := append([]string(nil), b.applied...)
	sort.Strings(sorted)
	d := xxhash.New()
	for _, s := range sorted {
		_, _ = d.Write([]byte(s))
		_, _ = d.Write([]byte{0})
	}
	return Fingerprint(d.Sum64())
}
