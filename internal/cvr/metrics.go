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

package cvr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics grounded on the teacher's internal/staging/stage/metrics.go
// promauto.NewCounterVec/NewHistogramVec pattern.
var (
	purgedGroupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zero",
		Subsystem: "cvr",
		Name:      "purged_groups_total",
		Help:      "Number of inactive client-group CVRs removed by the purger.",
	})

	purgeBatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zero",
		Subsystem: "cvr",
		Name:      "purge_batch_size",
		Help:      "Current adaptive batch size used by the CVR purger.",
	})

	purgeIntervalSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zero",
		Subsystem: "cvr",
		Name:      "purge_interval_seconds",
		Help:      "Current adaptive sleep interval between CVR purge rounds.",
	})
)
