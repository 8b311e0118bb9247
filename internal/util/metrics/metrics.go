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

// Package metrics holds shared Prometheus label sets and bucket
// schemes so that the per-package metrics.go files (C10, the
// metrics/telemetry hooks named in spec.md's component table) stay
// consistent with one another.
package metrics

// TableLabels is attached to metrics that are broken out per target
// table, mirroring the teacher's stage package.
var TableLabels = []string{"schema", "table"}

// QueryLabels is attached to metrics broken out per registered query
// hash.
var QueryLabels = []string{"hash"}

// LatencyBuckets is a general-purpose histogram bucket scheme for
// sub-second to multi-second operations (batch applies, hydrations).
var LatencyBuckets = []float64{
	.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30,
}
