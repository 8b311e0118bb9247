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

//go:build wireinject
// +build wireinject

package main

import (
	"context"

	"github.com/google/wire"

	"github.com/cockroachdb/zero-cache/internal/config"
	"github.com/cockroachdb/zero-cache/internal/replicator"
)

// newServer wires a Server from its process configuration and an
// externally-supplied replicator.ChangeSource (see
// ProvideReplicatorLoop's doc comment for why a ChangeSource cannot be
// constructed from Set alone).
func newServer(ctx context.Context, cfg *config.Config, source replicator.ChangeSource) (*Server, func(), error) {
	panic(wire.Build(Set))
}
