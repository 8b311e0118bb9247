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

// Package pipeline compiles a completed, simplified internal/ast.Query
// into a wired internal/ivm.Operator graph (spec.md C3).
package pipeline

import (
	"github.com/pkg/errors"

	"github.com/cockroachdb/zero-cache/internal/ast"
	"github.com/cockroachdb/zero-cache/internal/ivm"
	"github.com/cockroachdb/zero-cache/internal/store"
)

// SourceFactory resolves a table name to its leaf Operator. The
// pipeline builder never constructs ivm.Source directly; it asks the
// caller, which lets a view-syncer share one Source per table across
// every query it hosts.
type SourceFactory func(table string) (ivm.Operator, error)

// Builder compiles queries against a fixed schema, source factory and
// scratch-storage factory.
type Builder struct {
	Schema  *store.Schema
	Sources SourceFactory
	Storage ivm.StorageFactory
}

// Build compiles q into a root Operator. q must already have passed
// ast.Complete and ast.Simplify.
func (b *Builder) Build(q *ast.Query) (ivm.Operator, error) {
	if q == nil {
		return nil, errors.New("pipeline: nil query")
	}
	leaf, err := b.Sources(q.Table)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline: resolving source %q", q.Table)
	}

	op, err := b.compileExpr(leaf, q.Where)
	if err != nil {
		return nil, err
	}

	for _, rel := range q.Related {
		op, err = b.attachRelated(q.Table, op, rel)
		if err != nil {
			return nil, err
		}
	}

	if len(q.OrderBy) > 0 {
		terms := make([]ivm.Ordering, len(q.OrderBy))
		for i, t := range q.OrderBy {
			terms[i] = ivm.Ordering{Column: t.Column, Desc: t.Desc}
		}
		op = ivm.NewOrderBy(op, terms)
	}

	if q.Start != nil {
		op = ivm.NewStart(op, q.Start.Row, q.Start.Inclusive)
	}

	if q.Limit != nil {
		op = ivm.NewLimit(op, *q.Limit, b.Storage())
	}

	return op, nil
}

func (b *Builder) attachRelated(parentTable string, op ivm.Operator, rel ast.RelatedChild) (ivm.Operator, error) {
	childOp, err := b.Build(rel.Query)
	if err != nil {
		return nil, errors.Wrapf(err, "pipeline: compiling related %q", rel.Name)
	}
	singular := false
	if r, ok := b.Schema.Relationship(parentTable, rel.Name); ok {
		singular = r.Cardinality == store.CardinalityOne
	}
	corr := ivm.Correlation{ParentCols: rel.ParentCols, ChildCols: rel.ChildCols}
	return ivm.NewJoin(rel.Name, ivm.JoinNormal, op, childOp, corr, singular, rel.Hidden), nil
}

// compileExpr compiles a (possibly nil) WHERE expression atop parent.
func (b *Builder) compileExpr(parent ivm.Operator, e *ast.Expr) (ivm.Operator, error) {
	if e == nil || e.Op == ast.OpLiteralTrue {
		return parent, nil
	}
	switch e.Op {
	case ast.OpLiteralFalse:
		return ivm.NewFilter(parent, func(store.Row) bool { return false }), nil

	case ast.OpCompare:
		pred, err := comparePredicate(e)
		if err != nil {
			return nil, err
		}
		return ivm.NewFilter(parent, pred), nil

	case ast.OpNot:
		pred, err := negatedPredicate(e.Operand)
		if err != nil {
			return nil, err
		}
		return ivm.NewFilter(parent, pred), nil

	case ast.OpAnd:
		cur := parent
		for _, c := range e.Children {
			var err error
			cur, err = b.compileExpr(cur, c)
			if err != nil {
				return nil, err
			}
		}
		return cur, nil

	case ast.OpOr:
		return b.compileOr(parent, e.Children)

	case ast.OpExists:
		return b.compileExists(parent, e)

	default:
		return nil, errors.Errorf("pipeline: unsupported expression operator %d", e.Op)
	}
}

func (b *Builder) compileOr(parent ivm.Operator, children []*ast.Expr) (ivm.Operator, error) {
	fan := ivm.NewFanOut(parent, len(children))
	branches := make([]ivm.Operator, len(children))
	needsUnion := false
	for i, c := range children {
		br, err := b.compileExpr(fan.Branch(i), c)
		if err != nil {
			return nil, err
		}
		branches[i] = br
		if containsExists(c) {
			needsUnion = true
		}
	}
	if needsUnion {
		return ivm.NewUnionFanIn(branches, b.Storage()), nil
	}
	return ivm.NewFanIn(branches, b.Storage()), nil
}

func containsExists(e *ast.Expr) bool {
	if e == nil {
		return false
	}
	switch e.Op {
	case ast.OpExists:
		return true
	case ast.OpAnd, ast.OpOr:
		for _, c := range e.Children {
			if containsExists(c) {
				return true
			}
		}
		return false
	case ast.OpNot:
		return containsExists(e.Operand)
	default:
		return false
	}
}

func (b *Builder) compileExists(parent ivm.Operator, e *ast.Expr) (ivm.Operator, error) {
	childOp, err := b.Build(e.Subquery)
	if err != nil {
		return nil, errors.Wrap(err, "pipeline: compiling exists subquery")
	}
	corr := ivm.Correlation{ParentCols: e.ParentCols, ChildCols: e.ChildCols}
	return ivm.NewExists(parent, childOp, corr, e.Flip, b.Storage()), nil
}

func comparePredicate(e *ast.Expr) (ivm.Predicate, error) {
	col, op, value, values := e.Column, e.Compare, e.Value, e.Values
	switch op {
	case ast.CmpEq:
		return func(r store.Row) bool { return r.Get(col).Equal(value) }, nil
	case ast.CmpNeq:
		return func(r store.Row) bool { return !r.Get(col).Equal(value) }, nil
	case ast.CmpLt:
		return func(r store.Row) bool { return safeCompare(r.Get(col), value) < 0 }, nil
	case ast.CmpLte:
		return func(r store.Row) bool { return safeCompare(r.Get(col), value) <= 0 }, nil
	case ast.CmpGt:
		return func(r store.Row) bool { return safeCompare(r.Get(col), value) > 0 }, nil
	case ast.CmpGte:
		return func(r store.Row) bool { return safeCompare(r.Get(col), value) >= 0 }, nil
	case ast.CmpIn:
		return func(r store.Row) bool {
			v := r.Get(col)
			for _, candidate := range values {
				if v.Equal(candidate) {
					return true
				}
			}
			return false
		}, nil
	case ast.CmpIsNull:
		return func(r store.Row) bool { return r.Get(col).Kind == store.KindNull }, nil
	case ast.CmpIsNotNull:
		return func(r store.Row) bool { return r.Get(col).Kind != store.KindNull }, nil
	default:
		return nil, errors.Errorf("pipeline: unsupported comparison operator %d", op)
	}
}

// negatedPredicate compiles NOT(operand) directly into a Filter
// predicate. ast.Simplify is expected to have already pushed negation
// down to the leaves for any query reaching the pipeline builder, so
// this only ever sees a bare comparison in practice; it is kept as a
// defensive fallback rather than a panic.
func negatedPredicate(operand *ast.Expr) (ivm.Predicate, error) {
	if operand == nil || operand.Op != ast.OpCompare {
		return nil, errors.New("pipeline: NOT is only supported directly over a comparison; run ast.Simplify first")
	}
	inner, err := comparePredicate(operand)
	if err != nil {
		return nil, err
	}
	return func(r store.Row) bool { return !inner(r) }, nil
}

// safeCompare panics (via store.Compare) only on a kind mismatch,
// which indicates a schema/query validation bug upstream; ordering
// comparisons in a well-typed query always compare like-typed columns.
func safeCompare(a, b store.Value) int { return store.Compare(a, b) }
