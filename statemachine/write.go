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

	"golang.org/x/sync/errgroup"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/containersm/errors"
	"github.com/cubefs/containersm/dispatcher"
	"github.com/cubefs/containersm/metrics"
	"github.com/cubefs/containersm/proto"
	"github.com/cubefs/containersm/raft"
)

// writePath implements §4.6: the leader- and follower-side write of chunk
// payload outside the replicated log, tracked so flush can make payload
// durability a precondition of commit acknowledgment.
type writePath struct {
	cache      *dataCache
	executors  *executorSet
	dispatcher dispatcher.Dispatcher
	metrics    *metrics.Metrics
	health     *healthFlag

	mu       sync.Mutex
	inflight map[uint64]raft.FutureBytes
}

func newWritePath(cache *dataCache, executors *executorSet, d dispatcher.Dispatcher, m *metrics.Metrics, health *healthFlag) *writePath {
	return &writePath{
		cache:      cache,
		executors:  executors,
		dispatcher: d,
		metrics:    m,
		health:     health,
		inflight:   make(map[uint64]raft.FutureBytes),
	}
}

// Write is invoked on every replica as writeStateMachineData(entry).
// txn.IsLeader decides whether the cache admission in step 1 applies to
// this replica.
func (w *writePath) Write(_ context.Context, entry raft.LogEntry, txn *TransactionContext) (raft.FutureBytes, error) {
	if txn == nil || txn.LogView == nil {
		return nil, apierrors.ErrNoStateMachineContext
	}
	cmd := txn.LogView
	if cmd.CmdType != proto.TypeWriteChunk {
		return raft.CompletedBytes(nil, nil), nil
	}
	payload := txn.StateMachineData
	if len(payload) == 0 {
		return nil, apierrors.ErrEmptyChunkPayload
	}

	if txn.IsLeader {
		w.cache.Put(entry.Index, payload)
		if w.metrics != nil {
			w.metrics.CacheBytesUsed.Set(float64(w.cache.UsedBytes()))
		}
	}

	promise := raft.NewBytesPromise()
	w.mu.Lock()
	w.inflight[entry.Index] = promise
	w.mu.Unlock()

	submitted := time.Now()
	blockID := cmd.WriteChunk.BlockID.LocalID
	exec := w.executors.For(blockID)
	exec.Submit(func() {
		w.dispatchWrite(entry, cmd, payload, promise, submitted)
	})
	return promise, nil
}

func (w *writePath) dispatchWrite(entry raft.LogEntry, cmd *proto.Command, payload []byte, promise *raft.BytesPromise, submitted time.Time) {
	defer func() {
		w.mu.Lock()
		delete(w.inflight, entry.Index)
		w.mu.Unlock()
	}()

	dispatchStart := time.Now()
	if w.metrics != nil {
		w.metrics.WriteStateMachineQueueingLatencyNs.Observe(float64(dispatchStart.Sub(submitted).Nanoseconds()))
	}

	req := cmd.Clone()
	req.WriteChunk.Data = payload
	dctx := dispatcher.Context{Stage: dispatcher.StageWrite, Term: entry.Term, LogIndex: entry.Index}

	span, ctx := trace.StartSpanFromContext(context.Background(), "")
	resp, err := w.dispatcher.Dispatch(ctx, dctx, req)
	if w.metrics != nil {
		w.metrics.WriteStateMachineCompletionNs.Observe(float64(time.Since(dispatchStart).Nanoseconds()))
	}
	if err != nil || resp == nil || !resp.Result.Tolerable() {
		if w.health.Trip() && w.metrics != nil {
			w.metrics.HealthTrips.Inc()
		}
		switch {
		case err != nil:
			err = errors.Info(err, "write chunk dispatch failed")
		case resp == nil:
			err = fmt.Errorf("write chunk dispatch failed: dispatcher returned no response")
		default:
			err = fmt.Errorf("write chunk dispatch failed: %s", resp.Result)
		}
		span.Warnf("block %d write at index %d failed: %s", cmd.WriteChunk.BlockID.LocalID, entry.Index, err)
		promise.CompleteError(err)
		return
	}
	if w.metrics != nil {
		w.metrics.NumBytesWrittenCount.Add(float64(len(payload)))
	}
	data, merr := resp.Marshal()
	if merr != nil {
		promise.CompleteError(errors.Info(merr, "marshal write chunk response failed"))
		return
	}
	promise.Complete(data)
}

// Flush returns a future completing when every in-flight write at index <=
// upTo has completed, combined with errgroup so the first failure is what
// flush reports.
func (w *writePath) Flush(ctx context.Context, upTo uint64) raft.FutureVoid {
	w.mu.Lock()
	var futures []raft.FutureBytes
	for idx, f := range w.inflight {
		if idx <= upTo {
			futures = append(futures, f)
		}
	}
	w.mu.Unlock()

	if len(futures) == 0 {
		return raft.CompletedVoid(nil)
	}

	promise := raft.NewVoidPromise()
	go func() {
		g, gctx := errgroup.WithContext(ctx)
		for _, f := range futures {
			f := f
			g.Go(func() error {
				_, err := f.Wait(gctx)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			promise.CompleteError(err)
		} else {
			promise.Complete()
		}
	}()
	return promise
}

// Read services the consensus engine's request for entry's side-channel
// payload: cache hit first, dispatcher ReadChunk fallback on miss.
func (w *writePath) Read(ctx context.Context, entry raft.LogEntry, txn *TransactionContext) (raft.FutureBytes, error) {
	if data, ok := w.cache.Get(entry.Index); ok {
		return raft.CompletedBytes(data, nil), nil
	}
	if w.metrics != nil {
		w.metrics.CacheMisses.Inc()
	}
	if txn == nil || txn.LogView == nil || txn.LogView.CmdType != proto.TypeWriteChunk {
		return nil, apierrors.ErrNoStateMachineContext
	}

	cmd := txn.LogView
	readCmd := &proto.Command{
		CmdType:     proto.TypeReadChunk,
		ContainerID: cmd.ContainerID,
		ReadChunk: &proto.ReadChunkCommand{
			BlockID:   cmd.WriteChunk.BlockID,
			ChunkData: cmd.WriteChunk.ChunkData,
		},
	}

	promise := raft.NewBytesPromise()
	exec := w.executors.For(cmd.WriteChunk.BlockID.LocalID)
	exec.Submit(func() {
		span, sctx := trace.StartSpanFromContext(ctx, "")
		dctx := dispatcher.Context{Stage: dispatcher.StageQuery, Term: entry.Term, LogIndex: entry.Index}
		resp, err := w.dispatcher.Dispatch(sctx, dctx, readCmd)
		if err != nil || resp == nil || resp.Result != proto.Success || resp.ReadChunk == nil {
			if w.health.Trip() && w.metrics != nil {
				w.metrics.HealthTrips.Inc()
			}
			switch {
			case err != nil:
				err = errors.Info(err, "read chunk fallback failed")
			case resp == nil:
				err = fmt.Errorf("read chunk fallback failed: dispatcher returned no response")
			case resp.ReadChunk == nil:
				err = fmt.Errorf("read chunk fallback failed: empty read result")
			default:
				err = fmt.Errorf("read chunk fallback failed: %s", resp.Result)
			}
			span.Warnf("block %d read fallback at index %d failed: %s", cmd.WriteChunk.BlockID.LocalID, entry.Index, err)
			promise.CompleteError(err)
			return
		}
		promise.Complete(resp.ReadChunk.Data)
	})
	return promise, nil
}
