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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAdaptBatchAndIntervalGrowsBatchWhenBacklogGrows(t *testing.T) {
	batch, interval := adaptBatchAndInterval(10, 10, time.Second, time.Minute, time.Second, 5, 8)
	require.Equal(t, 20, batch)
	require.Equal(t, time.Second, interval)
}

func TestAdaptBatchAndIntervalDoublesIntervalWhenDry(t *testing.T) {
	batch, interval := adaptBatchAndInterval(10, 10, time.Second, time.Minute, 4*time.Second, 0, 0)
	require.Equal(t, 10, batch)
	require.Equal(t, 8*time.Second, interval)
}

func TestAdaptBatchAndIntervalCapsAtMax(t *testing.T) {
	_, interval := adaptBatchAndInterval(10, 10, time.Second, 10*time.Second, 8*time.Second, 0, 0)
	require.Equal(t, 10*time.Second, interval)
}

func TestAdaptBatchAndIntervalResetsWhenSteady(t *testing.T) {
	batch, interval := adaptBatchAndInterval(10, 10, time.Second, time.Minute, 16*time.Second, 5, 5)
	require.Equal(t, 10, batch)
	require.Equal(t, time.Second, interval)
}
