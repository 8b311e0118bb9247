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

package ast

import "github.com/pkg/errors"

// PKLookup resolves a table's primary-key column order; supplied by
// the caller so this package stays independent of internal/store.
type PKLookup func(table string) ([]string, bool)

// Complete finalizes a client-supplied query against a schema: it
// appends any primary-key columns missing from ORDER BY (spec.md §3
// invariant i / §4.3), and validates that LIMIT and explicit ORDER BY
// never appear inside a junction subquery (spec.md §3 invariant ii,
// DESIGN NOTES open question "Two-hop limit/order"). It also rejects
// NOT EXISTS anywhere in the tree, since negations must already have
// been pushed down by Simplify (spec.md §3 invariant iii).
func Complete(q *Query, pk PKLookup) (*Query, error) {
	return complete(q, pk, false)
}

func complete(q *Query, pk PKLookup, insideJunction bool) (*Query, error) {
	if q == nil {
		return nil, nil
	}
	if insideJunction {
		if q.Limit != nil {
			return nil, errors.Errorf("ast: LIMIT is not permitted inside a junction subquery (table %s)", q.Table)
		}
		if len(q.OrderBy) > 0 {
			return nil, errors.Errorf("ast: explicit ORDER BY is not permitted inside a junction subquery (table %s)", q.Table)
		}
	}

	if q.Where != nil {
		if err := rejectNotExists(q.Where); err != nil {
			return nil, err
		}
	}

	cols, ok := pk(q.Table)
	if !ok {
		return nil, errors.Errorf("ast: unknown table %s", q.Table)
	}

	ret := *q
	ret.OrderBy = appendMissingPK(q.OrderBy, cols)

	ret.Related = make([]RelatedChild, len(q.Related))
	for i, rel := range q.Related {
		child, err := complete(rel.Query, pk, rel.Hidden || insideJunction)
		if err != nil {
			return nil, err
		}
		ret.Related[i] = rel
		ret.Related[i].Query = child
	}

	if q.Where != nil {
		where, err := completeSubqueries(q.Where, pk)
		if err != nil {
			return nil, err
		}
		ret.Where = where
	}

	return &ret, nil
}

func completeSubqueries(e *Expr, pk PKLookup) (*Expr, error) {
	switch e.Op {
	case OpAnd, OpOr:
		children := make([]*Expr, len(e.Children))
		for i, c := range e.Children {
			child, err := completeSubqueries(c, pk)
			if err != nil {
				return nil, err
			}
			children[i] = child
		}
		ret := *e
		ret.Children = children
		return &ret, nil
	case OpNot:
		operand, err := completeSubqueries(e.Operand, pk)
		if err != nil {
			return nil, err
		}
		ret := *e
		ret.Operand = operand
		return &ret, nil
	case OpExists:
		sub, err := complete(e.Subquery, pk, true)
		if err != nil {
			return nil, err
		}
		ret := *e
		ret.Subquery = sub
		return &ret, nil
	default:
		return e, nil
	}
}

func appendMissingPK(order []OrderTerm, pk []string) []OrderTerm {
	have := make(map[string]bool, len(order))
	for _, t := range order {
		have[t.Column] = true
	}
	ret := append([]OrderTerm(nil), order...)
	for _, col := range pk {
		if !have[col] {
			ret = append(ret, OrderTerm{Column: col})
		}
	}
	return ret
}

func rejectNotExists(e *Expr) error {
	switch e.Op {
	case OpNot:
		if e.Operand != nil && e.Operand.Op == OpExists {
			return errors.New("ast: NOT EXISTS is not representable on client-side ASTs; push the negation into the subquery's WHERE instead")
		}
		return rejectNotExists(e.Operand)
	case OpAnd, OpOr:
		for _, c := range e.Children {
			if err := rejectNotExists(c); err != nil {
				return err
			}
		}
		return nil
	case OpExists:
		if e.Subquery != nil && e.Subquery.Where != nil {
			return rejectNotExists(e.Subquery.Where)
		}
		return nil
	default:
		return nil
	}
}
