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

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/containersm/errors"
	"github.com/cubefs/containersm/dispatcher"
	"github.com/cubefs/containersm/proto"
	"github.com/cubefs/containersm/raft"
)

// dataStream is the state machine's handle on a dispatcher-opened streaming
// sink, satisfying raft.DataStream.
type dataStream struct {
	mu      sync.Mutex
	channel dispatcher.StreamChannel
	blockID proto.BlockID
	closed  bool
	linked  bool
}

func (d *dataStream) Write(p []byte) (int, error) {
	return d.channel.Write(p)
}

func (d *dataStream) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return d.channel.Close()
}

func (d *dataStream) CleanUp() {
	d.channel.CleanUp()
}

func (d *dataStream) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// streamManager is §4.8: the bulk write fast path. Bytes flow directly to
// the dispatcher-owned channel, out of band from the replicated log; link
// is what finally commits a PutBlock for the streamed data once the
// consensus log entry for it is applied.
type streamManager struct {
	dispatcher dispatcher.Dispatcher
	taskQueue  *taskQueueMap
	health     *healthFlag

	mu      sync.Mutex
	tracked map[*dataStream]struct{}
}

func newStreamManager(d dispatcher.Dispatcher, taskQueue *taskQueueMap, health *healthFlag) *streamManager {
	return &streamManager{dispatcher: d, taskQueue: taskQueue, health: health, tracked: make(map[*dataStream]struct{})}
}

// Stream opens a data channel for request, which must decode to a
// StreamInit command.
func (s *streamManager) Stream(ctx context.Context, request []byte) (raft.DataStream, error) {
	cmd, err := proto.UnmarshalCommand(request)
	if err != nil {
		return nil, errors.Info(err, "decode stream init command failed")
	}
	if cmd.CmdType != proto.TypeStreamInit || cmd.StreamInit == nil {
		return nil, apierrors.ErrUnsupportedCommand
	}

	ch, err := s.dispatcher.GetStreamDataChannel(ctx, cmd.StreamInit.BlockID)
	if err != nil {
		return nil, errors.Info(err, "get stream data channel failed")
	}

	ds := &dataStream{channel: ch, blockID: cmd.StreamInit.BlockID}
	s.mu.Lock()
	s.tracked[ds] = struct{}{}
	s.mu.Unlock()
	return ds, nil
}

// Link finalizes a completed stream: the channel must already be closed; a
// PutBlock command carried in entry is dispatched with dispatcher.StageApply,
// ordered through the same per-container task queue as ordinary applies. On
// any failure the channel is cleaned up and the stream untracked.
func (s *streamManager) Link(ctx context.Context, stream raft.DataStream, entry raft.LogEntry) error {
	ds, ok := stream.(*dataStream)
	if !ok {
		return apierrors.ErrUnexpectedDataStream
	}
	s.mu.Lock()
	_, tracked := s.tracked[ds]
	s.mu.Unlock()
	if !tracked {
		return apierrors.ErrUnexpectedDataStream
	}
	untrack := func() {
		s.mu.Lock()
		delete(s.tracked, ds)
		s.mu.Unlock()
	}
	if !ds.isClosed() {
		ds.CleanUp()
		untrack()
		return apierrors.ErrDataStreamNotClosed
	}

	cmd, err := proto.UnmarshalCommand(entry.Data)
	if err != nil {
		ds.CleanUp()
		untrack()
		return errors.Info(err, "decode link command failed")
	}

	future := s.taskQueue.Submit(cmd.ContainerID, func() ([]byte, error) {
		span, sctx := trace.StartSpanFromContext(context.Background(), "")
		dctx := dispatcher.Context{Stage: dispatcher.StageApply, Term: entry.Term, LogIndex: entry.Index}
		resp, dispatchErr := s.dispatcher.Dispatch(sctx, dctx, cmd)
		if dispatchErr != nil || resp == nil || !resp.Result.Tolerable() {
			ds.CleanUp()
			s.health.Trip()
			switch {
			case dispatchErr != nil:
				dispatchErr = errors.Info(dispatchErr, "link dispatch failed")
			case resp == nil:
				dispatchErr = fmt.Errorf("link failed: dispatcher returned no response")
			default:
				dispatchErr = fmt.Errorf("link failed: %s", resp.Result)
			}
			span.Warnf("block %d link at index %d failed: %s", ds.blockID.LocalID, entry.Index, dispatchErr)
			return nil, dispatchErr
		}
		return resp.Marshal()
	})

	_, err = future.Wait(ctx)
	if err == nil {
		ds.mu.Lock()
		ds.linked = true
		ds.mu.Unlock()
	}

	s.mu.Lock()
	delete(s.tracked, ds)
	s.mu.Unlock()
	return err
}
