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

package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cockroachdb/zero-cache/internal/util/metrics"
)

// Metrics grounded on the teacher's internal/staging/stage/metrics.go
// promauto pattern, broken out per registered query hash using the
// shared label set in internal/util/metrics so these stay consistent
// with C9's cvr metrics and any future per-table C10 hooks.
var (
	pokesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zero",
		Subsystem: "syncer",
		Name:      "pokes_total",
		Help:      "Number of client pokes sent per registered query.",
	}, metrics.QueryLabels)

	hydrationDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "zero",
		Subsystem: "syncer",
		Name:      "hydration_duration_seconds",
		Help:      "Time spent building a view's initial snapshot (spec.md §4.8 step 2).",
		Buckets:   metrics.LatencyBuckets,
	}, metrics.QueryLabels)

	activeQueries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zero",
		Subsystem: "syncer",
		Name:      "active_queries",
		Help:      "Number of distinct registered queries across all client-groups.",
	})
)
