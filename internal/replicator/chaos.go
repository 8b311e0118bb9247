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

package replicator

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/cockroachdb/zero-cache/internal/util/hlc"
)

// ErrChaos is the error injected by WithChaos, direct descendant of
// the teacher's internal/source/logical/chaos.go ErrChaos.
var ErrChaos = errors.New("replicator: chaos")

// WithChaos wraps a ChangeSource so that ReadInto randomly fails with
// ErrChaos before delegating, with probability prob, for fault
// injection in tests. Loop does not retry a failed ReadInto: the
// reading goroutine returns the error and closes the channel, which
// ends Run. delegate is returned unwrapped if prob is not positive.
func WithChaos(delegate ChangeSource, prob float32) ChangeSource {
	if prob <= 0 {
		return delegate
	}
	return &chaosSource{delegate: delegate, prob: prob}
}

type chaosSource struct {
	delegate ChangeSource
	prob     float32
}

func (s *chaosSource) ReadInto(ctx context.Context, resumeFrom hlc.Time, ch chan<- ChangeTransaction) error {
	if rand.Float32() < s.prob {
		return errors.WithMessage(ErrChaos, "ReadInto")
	}
	return s.delegate.ReadInto(ctx, resumeFrom, ch)
}
