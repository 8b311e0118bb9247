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

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/cockroachdb/zero-cache/internal/store"
)

// Hash is the canonical content hash of a completed, simplified AST
// (spec.md C5 / §8 property 2). Queries that are registered in the
// CVR are keyed by this value, so the field order below is fixed for
// all time: changing it would silently orphan every previously
// registered query. Columns within an AND/OR are hashed in sorted
// order, since reordering commutative operands must not change the
// hash; ORDER BY terms are hashed in declared order, since reordering
// them does change query semantics.
type Hash uint64

// String renders the hash as a fixed-width hex token.
func (h Hash) String() string { return fmt.Sprintf("%016x", uint64(h)) }

// ComputeHash hashes a completed Query.
func ComputeHash(q *Query) Hash {
	d := xxhash.New()
	hashQuery(d, q)
	return Hash(d.Sum64())
}

func writeString(d *xxhash.Digest, s string) {
	_, _ = d.Write([]byte{0})
	_, _ = d.Write([]byte(strconv.Itoa(len(s))))
	_, _ = d.Write([]byte{0})
	_, _ = d.Write([]byte(s))
}

func writeTag(d *xxhash.Digest, tag string) {
	_, _ = d.Write([]byte{1})
	_, _ = d.Write([]byte(tag))
}

func hashQuery(d *xxhash.Digest, q *Query) {
	if q == nil {
		writeTag(d, "nil-query")
		return
	}
	writeTag(d, "query")
	writeString(d, q.Table)
	writeString(d, q.Alias)
	hashExpr(d, q.Where)

	writeTag(d, "order")
	_, _ = d.Write([]byte(strconv.Itoa(len(q.OrderBy))))
	for _, t := range q.OrderBy {
		writeString(d, t.Column)
		if t.Desc {
			_, _ = d.Write([]byte{1})
		} else {
			_, _ = d.Write([]byte{0})
		}
	}

	writeTag(d, "limit")
	if q.Limit != nil {
		_, _ = d.Write([]byte(strconv.Itoa(*q.Limit)))
	} else {
		_, _ = d.Write([]byte{0xff})
	}

	writeTag(d, "start")
	if q.Start != nil {
		hashRowMap(d, q.Start.Row)
		if q.Start.Inclusive {
			_, _ = d.Write([]byte{1})
		}
	}

	writeTag(d, "related")
	related := append([]RelatedChild(nil), q.Related...)
	sort.Slice(related, func(i, j int) bool { return related[i].Name < related[j].Name })
	_, _ = d.Write([]byte(strconv.Itoa(len(related))))
	for _, r := range related {
		writeString(d, r.Name)
		writeStrings(d, r.ParentCols)
		writeStrings(d, r.ChildCols)
		if r.Hidden {
			_, _ = d.Write([]byte{1})
		}
		hashQuery(d, r.Query)
	}
}

func writeStrings(d *xxhash.Digest, ss []string) {
	_, _ = d.Write([]byte(strconv.Itoa(len(ss))))
	for _, s := range ss {
		writeString(d, s)
	}
}

func hashRowMap(d *xxhash.Digest, row map[string]store.Value) {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		writeString(d, k)
		hashValue(d, row[k])
	}
}

func hashValue(d *xxhash.Digest, v store.Value) {
	_, _ = d.Write([]byte{byte(v.Kind)})
	switch v.Kind {
	case store.KindBool:
		if v.Bool {
			_, _ = d.Write([]byte{1})
		} else {
			_, _ = d.Write([]byte{0})
		}
	case store.KindInt64:
		_, _ = d.Write([]byte(strconv.FormatInt(v.Int, 10)))
	case store.KindFloat64:
		_, _ = d.Write([]byte(strconv.FormatFloat(v.Float, 'g', -1, 64)))
	case store.KindString:
		writeString(d, v.Str)
	case store.KindBytes, store.KindJSON:
		_, _ = d.Write(v.Bytes)
	}
}

// hashExpr hashes an expression tree. AND/OR operands are sorted by
// their own sub-hash first, so that commuted operands (`a AND b` vs
// `b AND a`) produce identical hashes, per spec.md §8 property 2.
func hashExpr(d *xxhash.Digest, e *Expr) {
	if e == nil {
		writeTag(d, "nil-expr")
		return
	}
	switch e.Op {
	case OpLiteralTrue:
		writeTag(d, "true")
	case OpLiteralFalse:
		writeTag(d, "false")
	case OpNot:
		writeTag(d, "not")
		hashExpr(d, e.Operand)
	case OpAnd, OpOr:
		if e.Op == OpAnd {
			writeTag(d, "and")
		} else {
			writeTag(d, "or")
		}
		sums := make([]uint64, len(e.Children))
		for i, c := range e.Children {
			cd := xxhash.New()
			hashExpr(cd, c)
			sums[i] = cd.Sum64()
		}
		sort.Slice(sums, func(i, j int) bool { return sums[i] < sums[j] })
		_, _ = d.Write([]byte(strconv.Itoa(len(sums))))
		for _, s := range sums {
			_, _ = d.Write([]byte(strconv.FormatUint(s, 16)))
		}
	case OpCompare:
		writeTag(d, "cmp")
		writeString(d, e.Column)
		_, _ = d.Write([]byte{byte(e.Compare)})
		if e.Compare == CmpIn {
			for _, v := range e.Values {
				hashValue(d, v)
			}
		} else {
			hashValue(d, e.Value)
		}
	case OpExists:
		writeTag(d, "exists")
		if e.Flip {
			_, _ = d.Write([]byte{1})
		}
		writeStrings(d, e.ParentCols)
		writeStrings(d, e.ChildCols)
		hashQuery(d, e.Subquery)
	}
}
