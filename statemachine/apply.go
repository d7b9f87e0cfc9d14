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

package statemachine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/containersm/errors"
	"github.com/cubefs/containersm/dispatcher"
	"github.com/cubefs/containersm/metrics"
	"github.com/cubefs/containersm/proto"
	"github.com/cubefs/containersm/raft"
)

// applyCoordinator is the Apply Coordinator of §4.5: it admission-controls
// apply transactions, dispatches them through the per-container task queue,
// and advances lastApplied only across strictly contiguous indices.
type applyCoordinator struct {
	gid                raft.Gid
	sem                *semaphore.Weighted
	taskQueue          *taskQueueMap
	dispatcher         dispatcher.Dispatcher
	metrics            *metrics.Metrics
	health             *healthFlag
	server             raft.ServerSurface
	cache              *dataCache
	waitOnAllFollowers bool

	mu          sync.Mutex
	lastApplied uint64
	lastTerm    uint64
	completion  map[uint64]uint64 // index -> term, pending contiguous drain

	// snapshotMu resolves the snapshot-vs-delete-container race flagged as
	// an open question: takeSnapshot holds it for read while it copies the
	// BCSID map; DeleteContainer apply holds it for write while it removes
	// an entry.
	snapshotMu      sync.RWMutex
	container2BCSID map[uint64]uint64
}

func newApplyCoordinator(gid raft.Gid, permits int64, taskQueue *taskQueueMap, d dispatcher.Dispatcher, m *metrics.Metrics, health *healthFlag, server raft.ServerSurface, cache *dataCache, waitOnAllFollowers bool) *applyCoordinator {
	return &applyCoordinator{
		gid:                gid,
		sem:                semaphore.NewWeighted(permits),
		taskQueue:          taskQueue,
		dispatcher:         d,
		metrics:            m,
		health:             health,
		server:             server,
		cache:              cache,
		waitOnAllFollowers: waitOnAllFollowers,
		completion:         make(map[uint64]uint64),
		container2BCSID:    make(map[uint64]uint64),
	}
}

// ApplyTransaction acquires an admission permit, then submits the dispatch
// work to the per-container task queue for txn's container. The permit is
// released from inside the queued task, regardless of outcome.
func (a *applyCoordinator) ApplyTransaction(ctx context.Context, txn *TransactionContext) (raft.FutureBytes, error) {
	if txn == nil || txn.RequestView == nil {
		return nil, apierrors.ErrNoStateMachineContext
	}
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if a.metrics != nil {
		a.metrics.QueueingDelayNs.Observe(float64(time.Since(txn.StartTime).Nanoseconds()))
	}

	cmd := txn.RequestView
	containerID := cmd.ContainerID
	term, index, startTime, isLeader := txn.Term, txn.Index, txn.StartTime, txn.IsLeader

	future := a.taskQueue.Submit(containerID, func() ([]byte, error) {
		defer a.sem.Release(1)
		if a.metrics != nil && isLeader {
			defer a.metrics.PendingApplyTransactions.Dec()
		}
		return a.apply(term, index, cmd, startTime)
	})
	return future, nil
}

func (a *applyCoordinator) apply(term, index uint64, cmd *proto.Command, startTime time.Time) ([]byte, error) {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	dctx := dispatcher.Context{
		Stage:           dispatcher.StageApply,
		Term:            term,
		LogIndex:        index,
		Container2BCSID: a.BCSIDView(),
	}

	dispatchStart := time.Now()
	resp, err := a.dispatcher.Dispatch(ctx, dctx, cmd)
	if a.metrics != nil {
		a.metrics.ApplyTransactionCompletionNs.Observe(float64(time.Since(dispatchStart).Nanoseconds()))
	}
	if err != nil || resp == nil || !resp.Result.Tolerable() {
		if a.health.Trip() {
			if a.metrics != nil {
				a.metrics.HealthTrips.Inc()
			}
			if a.server != nil {
				a.server.HandleApplyTransactionFailure(a.gid, raft.RoleLeader)
			}
		}
		if a.metrics != nil {
			a.metrics.ApplyFailures.Inc()
		}
		switch {
		case err != nil:
			err = errors.Info(err, "apply transaction dispatch failed")
		case resp == nil:
			err = fmt.Errorf("apply transaction failed: dispatcher returned no response")
		default:
			err = fmt.Errorf("apply transaction failed: %s", resp.Result)
		}
		span.Warnf("container %d apply at index %d failed: %s", cmd.ContainerID, index, err)
		return nil, err
	}

	if a.health.Healthy() {
		a.onApplied(index, term)
		a.advanceBCSID(cmd, index)
		if cmd.CmdType == proto.TypeWriteChunk {
			if a.metrics != nil {
				a.metrics.NumBytesCommittedCount.Add(float64(cmd.WriteChunk.ChunkData.Len))
			}
			a.retainCache(index)
		}
	}
	if a.metrics != nil && !startTime.IsZero() {
		a.metrics.PipelineLatencyMs.Observe(float64(time.Since(startTime).Milliseconds()))
	}
	return resp.Marshal()
}

// retainCache implements the two cache lifecycle hooks of §4.4 that fire on
// every WriteChunk commit and every NotifyTermIndexUpdated: relaxed mode drops everything up to the just-applied index;
// strict mode (waitOnAllFollowers) only drops what every follower has
// already advanced past, so a slow follower keeps its payload cached rather
// than forcing a disk re-read.
func (a *applyCoordinator) retainCache(index uint64) {
	if a.cache == nil {
		return
	}
	if !a.waitOnAllFollowers || a.server == nil {
		a.cache.RemoveUpTo(index)
		return
	}
	upTo := index
	for _, next := range a.server.FollowerNextIndices(a.gid) {
		if next < upTo {
			upTo = next
		}
	}
	a.cache.RemoveUpTo(upTo)
}

// onApplied records that index completed at term and advances lastApplied.
func (a *applyCoordinator) onApplied(index, term uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.completion[index] = term
	a.advanceLastAppliedLocked()
}

// NotifyTermIndexUpdated registers a no-op completion for a non-data log
// entry (conf change, metadata) so lastApplied keeps advancing across it.
func (a *applyCoordinator) NotifyTermIndexUpdated(term, index uint64) {
	a.mu.Lock()
	a.completion[index] = term
	a.advanceLastAppliedLocked()
	a.mu.Unlock()
	a.retainCache(index)
}

func (a *applyCoordinator) advanceLastAppliedLocked() {
	for {
		next := a.lastApplied + 1
		term, ok := a.completion[next]
		if !ok {
			return
		}
		delete(a.completion, next)
		a.lastApplied = next
		a.lastTerm = term
	}
}

// LastApplied returns the current contiguous watermark.
func (a *applyCoordinator) LastApplied() (term, index uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTerm, a.lastApplied
}

func (a *applyCoordinator) advanceBCSID(cmd *proto.Command, index uint64) {
	if cmd.CmdType == proto.TypeDeleteContainer {
		a.snapshotMu.Lock()
		delete(a.container2BCSID, cmd.ContainerID)
		a.snapshotMu.Unlock()
		return
	}
	a.snapshotMu.Lock()
	if cur, ok := a.container2BCSID[cmd.ContainerID]; !ok || index > cur {
		a.container2BCSID[cmd.ContainerID] = index
	}
	a.snapshotMu.Unlock()
}

// BCSIDView returns a snapshot copy of the container-to-BCSID map, safe to
// hand to a concurrently executing dispatch call.
func (a *applyCoordinator) BCSIDView() map[uint64]uint64 {
	a.snapshotMu.RLock()
	defer a.snapshotMu.RUnlock()
	out := make(map[uint64]uint64, len(a.container2BCSID))
	for k, v := range a.container2BCSID {
		out[k] = v
	}
	return out
}

// TakeBCSIDSnapshot returns a consistent copy of the BCSID map together
// with the watermark it is consistent with, held against concurrent
// DeleteContainer application.
func (a *applyCoordinator) TakeBCSIDSnapshot() (container2BCSID map[uint64]uint64, term, index uint64) {
	a.snapshotMu.RLock()
	defer a.snapshotMu.RUnlock()
	term, index = a.LastApplied()
	container2BCSID = make(map[uint64]uint64, len(a.container2BCSID))
	for k, v := range a.container2BCSID {
		container2BCSID[k] = v
	}
	return container2BCSID, term, index
}

// Restore replaces the BCSID map and watermark wholesale, used when loading
// a snapshot.
func (a *applyCoordinator) Restore(container2BCSID map[uint64]uint64, term, index uint64) {
	a.snapshotMu.Lock()
	a.container2BCSID = make(map[uint64]uint64, len(container2BCSID))
	for k, v := range container2BCSID {
		a.container2BCSID[k] = v
	}
	a.snapshotMu.Unlock()

	a.mu.Lock()
	a.lastTerm, a.lastApplied = term, index
	a.completion = make(map[uint64]uint64)
	a.mu.Unlock()
}
