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

package permissions_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cockroachdb/zero-cache/internal/ast"
	"github.com/cockroachdb/zero-cache/internal/permissions"
	"github.com/cockroachdb/zero-cache/internal/store"
)

func ownerRule() permissions.Rule {
	return permissions.Rule{
		Name: "owner",
		Build: func(claims permissions.Claims) *ast.Expr {
			return ast.Compare("owner_id", ast.CmpEq, claims.Get("sub"))
		},
	}
}

func testPolicy() permissions.Policy {
	return permissions.Policy{
		"issue": permissions.TablePolicy{
			permissions.ActionSelect: []permissions.Rule{ownerRule()},
		},
		"comment": permissions.TablePolicy{
			permissions.ActionSelect: []permissions.Rule{ownerRule()},
		},
	}
}

func TestTransformAndsPolicyIntoTopLevelWhere(t *testing.T) {
	tr := permissions.New(testPolicy())
	q := &ast.Query{
		Table: "issue",
		Where: ast.Compare("status", ast.CmpEq, store.StringValue("open")),
	}
	out, _, err := tr.Transform(q, permissions.Claims{"sub": store.IntValue(7)})
	require.NoError(t, err)

	require.Equal(t, ast.OpAnd, out.Where.Op)
	require.Len(t, out.Where.Children, 2)
	// Original predicate preserved, policy appended.
	require.Equal(t, "status", out.Where.Children[0].Column)
	require.Equal(t, "owner_id", out.Where.Children[1].Column)
	require.Equal(t, store.IntValue(7), out.Where.Children[1].Value)
}

func TestTransformRecursesIntoRelated(t *testing.T) {
	tr := permissions.New(testPolicy())
	q := &ast.Query{
		Table: "issue",
		Related: []ast.RelatedChild{
			{Name: "comments", Query: &ast.Query{Table: "comment"}, ParentCols: []string{"id"}, ChildCols: []string{"issue_id"}},
		},
	}
	out, _, err := tr.Transform(q, permissions.Claims{"sub": store.IntValue(7)})
	require.NoError(t, err)

	childWhere := out.Related[0].Query.Where
	require.NotNil(t, childWhere)
	require.Equal(t, "owner_id", childWhere.Column)
}

func TestTransformRecursesIntoExistsSubquery(t *testing.T) {
	tr := permissions.New(testPolicy())
	q := &ast.Query{
		Table: "issue",
		Where: ast.Exists(&ast.Query{Table: "comment"}, []string{"id"}, []string{"issue_id"}, false),
	}
	out, _, err := tr.Transform(q, permissions.Claims{"sub": store.IntValue(7)})
	require.NoError(t, err)

	// The outer issue-table policy ANDs with the EXISTS leaf.
	require.Equal(t, ast.OpAnd, out.Where.Op)
	existsExpr := out.Where.Children[0]
	require.Equal(t, ast.OpExists, existsExpr.Op)
	require.NotNil(t, existsExpr.Subquery.Where)
	require.Equal(t, "owner_id", existsExpr.Subquery.Where.Column)
}

func TestTransformLeavesUnpolicedTableOpen(t *testing.T) {
	tr := permissions.New(testPolicy())
	q := &ast.Query{Table: "tag"}
	out, _, err := tr.Transform(q, permissions.Claims{})
	require.NoError(t, err)
	require.Nil(t, out.Where)
}

func TestFingerprintStableAcrossClaimsDiffersAcrossPolicy(t *testing.T) {
	tr := permissions.New(testPolicy())
	q := &ast.Query{Table: "issue"}

	_, fp1, err := tr.Transform(q, permissions.Claims{"sub": store.IntValue(1)})
	require.NoError(t, err)
	_, fp2, err := tr.Transform(q, permissions.Claims{"sub": store.IntValue(2)})
	require.NoError(t, err)
	require.Equal(t, fp1, fp2, "fingerprint identifies applied rules, not claim values")

	otherPolicy := permissions.Policy{
		"issue": permissions.TablePolicy{
			permissions.ActionSelect: []permissions.Rule{{Name: "public", Build: func(permissions.Claims) *ast.Expr { return ast.True }}},
		},
	}
	_, fp3, err := permissions.New(otherPolicy).Transform(q, permissions.Claims{"sub": store.IntValue(1)})
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp3)
}

func TestTransformIsPure(t *testing.T) {
	tr := permissions.New(testPolicy())
	q := &ast.Query{Table: "issue", Where: ast.Compare("status", ast.CmpEq, store.StringValue("open"))}
	_, _, err := tr.Transform(q, permissions.Claims{"sub": store.IntValue(7)})
	require.NoError(t, err)

	require.Equal(t, ast.OpCompare, q.Where.Op, "original query must be unmodified")
	require.Equal(t, "status", q.Where.Column)
}
