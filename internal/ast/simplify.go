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

// Simplify normalizes an expression tree: it flattens associative
// AND/OR chains, drops tautologies (`a AND TRUE` -> `a`), short
// circuits contradictions (`a AND FALSE` -> `FALSE`), and pushes De
// Morgan negations down through AND/OR so that NOT only ever wraps a
// single comparison or EXISTS by the time Complete runs. Two
// expressions that are behaviorally identical on every dataset
// simplify to the same tree, which is what makes Hash stable across
// equivalent rewrites (spec.md §8 property 2).
func Simplify(e *Expr) *Expr {
	if e == nil {
		return nil
	}
	return simplify(e, false)
}

// simplify rewrites e, applying a pending negation if negate is true
// (De Morgan pushdown).
func simplify(e *Expr, negate bool) *Expr {
	switch e.Op {
	case OpLiteralTrue:
		if negate {
			return False
		}
		return True
	case OpLiteralFalse:
		if negate {
			return True
		}
		return False

	case OpNot:
		return simplify(e.Operand, !negate)

	case OpAnd, OpOr:
		op := e.Op
		if negate {
			op = flip(op)
		}
		var flat []*Expr
		for _, c := range e.Children {
			sc := simplify(c, negate)
			if sc.Op == op {
				flat = append(flat, sc.Children...)
			} else {
				flat = append(flat, sc)
			}
		}
		return buildAssoc(op, flat)

	case OpCompare:
		if negate && e.Compare == CmpIn {
			// IN has no negated comparison operator; keep the NOT.
			return &Expr{Op: OpNot, Operand: e}
		}
		ret := *e
		if negate {
			ret.Compare = negateCompare(e.Compare)
		}
		return &ret

	case OpExists:
		// EXISTS cannot be negated directly on client-side ASTs
		// (spec.md §3 invariant iii); a negated EXISTS must already
		// have been rewritten, upstream of this package, into a
		// positive comparison against a count or a flipped
		// non-existence marker. We leave it untouched here and let
		// Complete's rejectNotExists surface the error if one slipped
		// through.
		if negate {
			return &Expr{Op: OpNot, Operand: e}
		}
		ret := *e
		if e.Subquery != nil && e.Subquery.Where != nil {
			ret.Subquery = &Query{}
			*ret.Subquery = *e.Subquery
			ret.Subquery.Where = Simplify(e.Subquery.Where)
		}
		return &ret

	default:
		return e
	}
}

func flip(op Op) Op {
	if op == OpAnd {
		return OpOr
	}
	return OpAnd
}

// buildAssoc folds identity/annihilator elements out of a flattened
// AND/OR, per the simplification rules named in spec.md §4.5.
func buildAssoc(op Op, children []*Expr) *Expr {
	identity, annihilator := True, False
	if op == OpOr {
		identity, annihilator = False, True
	}

	kept := make([]*Expr, 0, len(children))
	for _, c := range children {
		if c == annihilator {
			return annihilator
		}
		if c == identity {
			continue
		}
		kept = append(kept, c)
	}
	switch len(kept) {
	case 0:
		return identity
	case 1:
		return kept[0]
	default:
		return &Expr{Op: op, Children: kept}
	}
}

func negateCompare(op CompareOp) CompareOp {
	switch op {
	case CmpEq:
		return CmpNeq
	case CmpNeq:
		return CmpEq
	case CmpLt:
		return CmpGte
	case CmpLte:
		return CmpGt
	case CmpGt:
		return CmpLte
	case CmpGte:
		return CmpLt
	case CmpIsNull:
		return CmpIsNotNull
	case CmpIsNotNull:
		return CmpIsNull
	default:
		return op
	}
}
