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

package store

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// schemaFile is the on-disk shape of the local replica file's schema
// section (spec.md §6's "replica file path"): the table and
// relationship declarations a Schema is built from. Row data itself
// is not persisted here; it is re-hydrated from the upstream replica
// stream by C7 on every process start, matching the teacher's own
// "staging tables are the durable state, in-memory structures are
// rebuilt on restart" convention.
type schemaFile struct {
	Tables        []TableSpec    `json:"tables"`
	Relationships []Relationship `json:"relationships"`
}

// LoadSchemaFile reads a JSON-encoded schema from path and builds a
// Schema from it.
func LoadSchemaFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading replica file %q", path)
	}
	var sf schemaFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, errors.Wrapf(err, "parsing replica file %q", path)
	}
	schema := NewSchema()
	for _, t := range sf.Tables {
		if err := schema.AddTable(t); err != nil {
			return nil, err
		}
	}
	for _, r := range sf.Relationships {
		if err := schema.AddRelationship(r); err != nil {
			return nil, err
		}
	}
	return schema, nil
}

// SaveSchemaFile writes schema to path as JSON, for tooling that
// generates or edits a replica file's schema section out of band.
func SaveSchemaFile(path string, schema *Schema) error {
	sf := schemaFile{}
	for _, t := range schema.Tables {
		sf.Tables = append(sf.Tables, *t)
	}
	for _, byName := range schema.Relationships {
		for _, r := range byName {
			sf.Relationships = append(sf.Relationships, *r)
		}
	}
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding schema")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing replica file %q", path)
	}
	return nil
}
