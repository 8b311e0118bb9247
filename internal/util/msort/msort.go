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

// Package msort contains utility functions for sorting and
// de-duplicating batches of mutations before they are applied to the
// row store.
package msort

import (
	"github.com/cockroachdb/zero-cache/internal/store"
)

// UniqueByKey implements a "last one wins" approach to removing
// mutations with duplicate keys from the input slice: if two mutations
// in the same flush batch touch the same (table, primary key), only
// the last one survives, since it reflects the most recent state.
//
// The modified slice is returned. pk looks up a table's primary-key
// columns; it must not return an empty slice for any table named in x.
func UniqueByKey(x []store.Mutation, pk func(table string) []string) []store.Mutation {
	seenIdx := make(map[string]int, len(x))

	dest := len(x)
	for src := len(x) - 1; src >= 0; src-- {
		row := x[src].New
		if x[src].Kind == store.ChangeRemove {
			row = x[src].Old
		}
		key := x[src].Table + "\x00" + string(store.KeyOf(pk(x[src].Table), row))

		if _, found := seenIdx[key]; found {
			// We're walking backwards, so the first mutation seen for
			// a key is already the most recent; drop this older one.
			continue
		}
		dest--
		seenIdx[key] = dest
		x[dest] = x[src]
	}

	return x[dest:]
}
