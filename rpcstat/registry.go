// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package rpcstat is the small cross-group introspection surface a host
// process exposes alongside its replicated container state machines: an
// HTTP stat listing in the shape the consensus layer itself reports for one
// raft group, plus a standard gRPC health check wired to every group's
// one-way health latch.
package rpcstat

import (
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/rpc"

	"github.com/cubefs/containersm/statemachine"
)

// Source is the narrow surface Registry needs from a replication group's
// state machine; statemachine.ContainerStateMachine satisfies it without
// either package importing the other's concrete type beyond this interface.
type Source interface {
	Stat() statemachine.Stat
}

// Registry tracks every replication group's state machine currently live on
// this host, keyed by gid string.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry returns an empty registry, ready to have groups added as they
// start and removed as they close.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register adds gid's state machine to the registry, replacing any source
// already registered under gid. NewContainerStateMachine does not call it.
func (r *Registry) Register(gid string, src Source) {
	r.mu.Lock()
	r.sources[gid] = src
	r.mu.Unlock()
}

// Unregister drops gid. ContainerStateMachine.Close does not call it.
func (r *Registry) Unregister(gid string) {
	r.mu.Lock()
	delete(r.sources, gid)
	r.mu.Unlock()
}

// Stats returns every currently registered group's stat, sorted by gid for
// a stable listing.
func (r *Registry) Stats() []statemachine.Stat {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]statemachine.Stat, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, src.Stat())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Gid < out[j].Gid })
	return out
}

// RegisterHTTPRoutes wires /stats into the process-wide default router, the
// same router the host's other HTTP surfaces (log level, profiling) share.
func (r *Registry) RegisterHTTPRoutes() {
	rpc.GET("/stats", r.handleStats, rpc.OptArgsQuery())
}

func (r *Registry) handleStats(c *rpc.Context) {
	c.RespondJSON(r.Stats())
}
