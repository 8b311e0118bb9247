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

// Package diag implements a process-wide registry of named,
// self-describing components, so that the `inspect()` operation
// exposed to the client protocol (spec.md §4.8) can enumerate live
// pools, syncers, and pipelines without each of them needing to know
// about the transport layer.
package diag

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// A Diagnosable reports a JSON-marshalable snapshot of its own state.
type Diagnosable interface {
	Diagnostic(ctx context.Context) (any, error)
}

// Diagnostics is a registry of named Diagnosable components.
type Diagnostics struct {
	mu struct {
		sync.Mutex
		named map[string]Diagnosable
	}
}

// New constructs an empty registry. The context parameter mirrors the
// teacher's diag.New(ctx) signature, in case future versions need it
// to register a shutdown hook; it is currently unused.
func New(_ context.Context) (*Diagnostics, func()) {
	d := &Diagnostics{}
	d.mu.named = make(map[string]Diagnosable)
	return d, func() {}
}

// Register adds a component under name. It is an error to reuse a name.
func (d *Diagnostics) Register(name string, component Diagnosable) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.mu.named[name]; found {
		return errors.Errorf("diagnostic %q already registered", name)
	}
	d.mu.named[name] = component
	return nil
}

// Unregister removes a component, if present.
func (d *Diagnostics) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.mu.named, name)
}

// Inspect returns a snapshot of every registered component, keyed by
// name. A component whose Diagnostic call fails is reported as an
// error string rather than aborting the whole inspection.
func (d *Diagnostics) Inspect(ctx context.Context) map[string]any {
	d.mu.Lock()
	snap := make(map[string]Diagnosable, len(d.mu.named))
	for k, v := range d.mu.named {
		snap[k] = v
	}
	d.mu.Unlock()

	ret := make(map[string]any, len(snap))
	for name, component := range snap {
		val, err := component.Diagnostic(ctx)
		if err != nil {
			ret[name] = errors.Wrap(err, name).Error()
			continue
		}
		ret[name] = val
	}
	return ret
}
