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

package metrics

import (
	grpcprometheus "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ContainerStateMachine"

// GRPCMetrics instruments the rpcstat introspection surface, mirroring the
// interceptor-chained server metrics used elsewhere in the stack.
var GRPCMetrics = grpcprometheus.NewServerMetrics(
	func(c *prometheus.CounterOpts) {
		c.Namespace = namespace
	},
)

// Metrics is one replication group's worth of state-machine instrumentation.
// Unregistered on Close so repeated group add/remove cycles don't leak
// collectors into the shared registry.
type Metrics struct {
	registry *prometheus.Registry
	gid      string

	NotOpenVerifyFailures          prometheus.Counter
	StartTransactionVerifyFailures prometheus.Counter
	BlockAlreadyFinalizedRejects   prometheus.Counter
	DecodeFailures                 prometheus.Counter

	CacheEvictions prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheBytesUsed prometheus.Gauge

	PendingApplyTransactions prometheus.Gauge
	ApplyFailures            prometheus.Counter
	HealthTrips              prometheus.Counter

	NumBytesWrittenCount   prometheus.Counter
	NumBytesCommittedCount prometheus.Counter

	QueueingDelayNs                    prometheus.Histogram
	ApplyTransactionCompletionNs       prometheus.Histogram
	WriteStateMachineQueueingLatencyNs prometheus.Histogram
	WriteStateMachineCompletionNs      prometheus.Histogram
	PipelineLatencyMs                  prometheus.Histogram
}

// NewMetrics creates and registers a full set of per-group collectors
// against registry, labeled with gid so multiple groups on one node don't
// collide.
func NewMetrics(registry *prometheus.Registry, gid string) *Metrics {
	mk := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"gid": gid},
		})
	}
	mg := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: prometheus.Labels{"gid": gid},
		})
	}
	mh := func(name, help string, buckets []float64) prometheus.Histogram {
		return prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			Buckets:     buckets,
			ConstLabels: prometheus.Labels{"gid": gid},
		})
	}

	m := &Metrics{
		registry:                           registry,
		gid:                                gid,
		NotOpenVerifyFailures:              mk("not_open_verify_failures_total", "pre-replication rejects: container not open"),
		StartTransactionVerifyFailures:     mk("start_transaction_verify_failures_total", "pre-replication rejects: other validation failures"),
		BlockAlreadyFinalizedRejects:       mk("block_already_finalized_rejects_total", "pre-replication rejects: block already finalized"),
		DecodeFailures:                     mk("decode_failures_total", "replicated log entries that failed to decode"),
		CacheEvictions:                     mk("cache_evictions_total", "state-machine-data cache evictions"),
		CacheMisses:                        mk("cache_misses_total", "state-machine-data cache misses on read"),
		CacheBytesUsed:                     mg("cache_bytes_used", "current state-machine-data cache occupancy"),
		PendingApplyTransactions:           mg("pending_apply_transactions", "apply transactions admitted but not yet complete"),
		ApplyFailures:                      mk("apply_failures_total", "apply transactions outside the tolerated result set"),
		HealthTrips:                        mk("health_trips_total", "transitions of the health flag from true to false"),
		NumBytesWrittenCount:               mk("bytes_written_total", "chunk payload bytes written to local storage"),
		NumBytesCommittedCount:             mk("bytes_committed_total", "chunk payload bytes whose owning transaction committed"),
		QueueingDelayNs:                    mh("queueing_delay_ns", "time a transaction waits before apply admission", prometheus.ExponentialBuckets(1000, 4, 12)),
		ApplyTransactionCompletionNs:       mh("apply_transaction_completion_ns", "apply transaction dispatch-to-completion latency", prometheus.ExponentialBuckets(1000, 4, 12)),
		WriteStateMachineQueueingLatencyNs: mh("write_state_machine_queueing_latency_ns", "chunk write queueing latency on the executor", prometheus.ExponentialBuckets(1000, 4, 12)),
		WriteStateMachineCompletionNs:      mh("write_state_machine_completion_ns", "chunk write dispatch-to-completion latency", prometheus.ExponentialBuckets(1000, 4, 12)),
		PipelineLatencyMs:                  mh("pipeline_latency_ms", "end-to-end transaction pipeline latency", prometheus.ExponentialBuckets(1, 2, 14)),
	}

	registry.MustRegister(
		m.NotOpenVerifyFailures,
		m.StartTransactionVerifyFailures,
		m.BlockAlreadyFinalizedRejects,
		m.DecodeFailures,
		m.CacheEvictions,
		m.CacheMisses,
		m.CacheBytesUsed,
		m.PendingApplyTransactions,
		m.ApplyFailures,
		m.HealthTrips,
		m.NumBytesWrittenCount,
		m.NumBytesCommittedCount,
		m.QueueingDelayNs,
		m.ApplyTransactionCompletionNs,
		m.WriteStateMachineQueueingLatencyNs,
		m.WriteStateMachineCompletionNs,
		m.PipelineLatencyMs,
	)

	return m
}

// Unregister removes every collector belonging to this group from its
// registry, called from Close.
func (m *Metrics) Unregister() {
	m.registry.Unregister(m.NotOpenVerifyFailures)
	m.registry.Unregister(m.StartTransactionVerifyFailures)
	m.registry.Unregister(m.BlockAlreadyFinalizedRejects)
	m.registry.Unregister(m.DecodeFailures)
	m.registry.Unregister(m.CacheEvictions)
	m.registry.Unregister(m.CacheMisses)
	m.registry.Unregister(m.CacheBytesUsed)
	m.registry.Unregister(m.PendingApplyTransactions)
	m.registry.Unregister(m.ApplyFailures)
	m.registry.Unregister(m.HealthTrips)
	m.registry.Unregister(m.NumBytesWrittenCount)
	m.registry.Unregister(m.NumBytesCommittedCount)
	m.registry.Unregister(m.QueueingDelayNs)
	m.registry.Unregister(m.ApplyTransactionCompletionNs)
	m.registry.Unregister(m.WriteStateMachineQueueingLatencyNs)
	m.registry.Unregister(m.WriteStateMachineCompletionNs)
	m.registry.Unregister(m.PipelineLatencyMs)
}

func init() {
	GRPCMetrics.EnableHandlingTimeHistogram(
		func(h *prometheus.HistogramOpts) {
			h.Namespace = namespace
		},
	)
}
