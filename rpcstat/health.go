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

package rpcstat

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cubefs/cubefs/blobstore/util/log"
)

const pollInterval = 2 * time.Second

// HealthServer wraps grpc's standard health service, keeping one serving
// status per replication group in step with that group's one-way health
// latch. The overall "" service name reports NOT_SERVING as soon as any
// single group has tripped, since a host with one unhealthy group is not a
// host a load balancer should keep sending new groups to.
type HealthServer struct {
	*health.Server
	registry *Registry

	cancel context.CancelFunc
}

// RegisterHealthServer registers a HealthServer against s and starts its
// background poll loop, grounded on the same interceptor-chained
// grpc.NewServer construction the rest of this stack's RPC surface uses.
func RegisterHealthServer(s *grpc.Server, registry *Registry) *HealthServer {
	ctx, cancel := context.WithCancel(context.Background())
	hs := &HealthServer{Server: health.NewServer(), registry: registry, cancel: cancel}
	grpc_health_v1.RegisterHealthServer(s, hs.Server)
	go hs.pollLoop(ctx)
	return hs
}

// Close stops the poll loop.
func (hs *HealthServer) Close() {
	hs.cancel()
}

func (hs *HealthServer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hs.refresh()
		}
	}
}

func (hs *HealthServer) refresh() {
	stats := hs.registry.Stats()
	overall := grpc_health_v1.HealthCheckResponse_SERVING

	for _, st := range stats {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		if !st.Healthy {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			overall = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			log.Warn("container state machine group unhealthy", st.Gid)
		}
		hs.SetServingStatus(st.Gid, status)
	}
	hs.SetServingStatus("", overall)
}
