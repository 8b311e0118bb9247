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

// Package config implements the process configuration surface of
// spec.md §6, following the teacher's Config/Bind(*pflag.FlagSet)/
// Preflight triad (internal/source/server/config.go).
package config

import (
	"runtime"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/cockroachdb/zero-cache/internal/util/log"
)

// AuthConfig selects at most one of the supported auth token
// verification strategies: Preflight rejects more than one and accepts
// none. Verification itself is out of scope (spec.md §1), only the
// selection is configured here.
type AuthConfig struct {
	JWK       string
	JWKSURL   string
	Secret    string
}

// chosen reports how many of JWK/JWKSURL/Secret are set.
func (a *AuthConfig) chosen() int {
	n := 0
	if a.JWK != "" {
		n++
	}
	if a.JWKSURL != "" {
		n++
	}
	if a.Secret != "" {
		n++
	}
	return n
}

// MutationLimitConfig throttles per-user mutation volume.
type MutationLimitConfig struct {
	Max      int
	WindowMs int
}

// PortsConfig lays out the three listener ports, each defaulting off
// the base port per spec.md §6.
type PortsConfig struct {
	Port                 int
	ChangeStreamerPort   int
	HeartbeatMonitorPort int
}

// Config is the full process configuration surface named in spec.md §6.
type Config struct {
	// Required connection strings.
	UpstreamConnStr   string
	CVRConnStr        string
	ChangeLogConnStr  string
	ReplicaFile       string

	ShardID      string
	Publications []string

	Log   log.Options
	Auth  AuthConfig
	Ports PortsConfig

	MutationLimit MutationLimitConfig

	NumSyncWorkers int
	AutoReset      bool
	Litestream     bool
}

// Bind registers every flag against flags, mirroring
// server.Config.Bind's delegation pattern.
func (c *Config) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.UpstreamConnStr, "upstreamDB", "", "the upstream database connection string (required)")
	flags.StringVar(&c.CVRConnStr, "cvrDB", "", "the CVR database connection string (required)")
	flags.StringVar(&c.ChangeLogConnStr, "changeLogDB", "", "the change-log database connection string (required)")
	flags.StringVar(&c.ReplicaFile, "replicaFile", "", "path to the local replica file (required)")

	flags.StringVar(&c.ShardID, "shardID", "", "the logical shard identifier")
	flags.StringSliceVar(&c.Publications, "publications", nil, "upstream logical-replication publication names")

	flags.StringVar(&c.Log.Level, "logLevel", "info", "debug|info|warn|error")
	flags.StringVar(&c.Log.Format, "logFormat", "text", "text|json")

	flags.StringVar(&c.Auth.JWK, "authJWK", "", "a single JWK used to verify auth tokens")
	flags.StringVar(&c.Auth.JWKSURL, "authJWKSURL", "", "a JWKS endpoint used to verify auth tokens")
	flags.StringVar(&c.Auth.Secret, "authSecret", "", "a shared secret used to verify auth tokens")

	flags.IntVar(&c.MutationLimit.Max, "perUserMutationLimitMax", 0, "maximum mutations per user per window; 0 disables")
	flags.IntVar(&c.MutationLimit.WindowMs, "perUserMutationLimitWindowMs", 60000, "mutation limit window, in milliseconds")

	flags.IntVar(&c.Ports.Port, "port", 4848, "the main client-protocol listen port")
	flags.IntVar(&c.Ports.ChangeStreamerPort, "changeStreamerPort", 0, "the change-streamer listen port; defaults to port+1")
	flags.IntVar(&c.Ports.HeartbeatMonitorPort, "heartbeatMonitorPort", 0, "the heartbeat-monitor listen port; defaults to port+2")

	flags.IntVar(&c.NumSyncWorkers, "numSyncWorkers", 0, "number of view-syncer workers; 0 selects availableCores-1")
	flags.BoolVar(&c.AutoReset, "autoReset", false, "wipe and restart replication on schema drift instead of halting")
	flags.BoolVar(&c.Litestream, "litestream", false, "enable litestream replication of the local replica file")
}

// Preflight validates required fields and applies defaults that depend
// on other fields (the port-offset defaults, numSyncWorkers), mirroring
// server.Config.Preflight's shape.
func (c *Config) Preflight() error {
	if c.UpstreamConnStr == "" {
		return errors.New("upstreamDB unset")
	}
	if c.CVRConnStr == "" {
		return errors.New("cvrDB unset")
	}
	if c.ChangeLogConnStr == "" {
		return errors.New("changeLogDB unset")
	}
	if c.ReplicaFile == "" {
		return errors.New("replicaFile unset")
	}
	if c.Auth.chosen() > 1 {
		return errors.New("at most one of authJWK, authJWKSURL, authSecret may be set")
	}
	if c.MutationLimit.WindowMs <= 0 {
		return errors.New("perUserMutationLimitWindowMs must be positive")
	}

	if c.Ports.Port <= 0 {
		return errors.New("port must be positive")
	}
	if c.Ports.ChangeStreamerPort == 0 {
		c.Ports.ChangeStreamerPort = c.Ports.Port + 1
	}
	if c.Ports.HeartbeatMonitorPort == 0 {
		c.Ports.HeartbeatMonitorPort = c.Ports.Port + 2
	}

	if c.NumSyncWorkers <= 0 {
		c.NumSyncWorkers = runtime.NumCPU() - 1
		if c.NumSyncWorkers < 1 {
			c.NumSyncWorkers = 1
		}
	}

	return nil
}

// Window renders WindowMs as a time.Duration for callers
// that enforce the limit against a real clock.
func (m MutationLimitConfig) Window() time.Duration {
	return time.Duration(m.WindowMs) * time.Millisecond
}
