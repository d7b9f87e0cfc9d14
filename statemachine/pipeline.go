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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/cubefs/containersm/errors"
	"github.com/cubefs/containersm/dispatcher"
	"github.com/cubefs/containersm/metrics"
	"github.com/cubefs/containersm/proto"
	"github.com/cubefs/containersm/raft"
)

// pipeline is the Transaction Pipeline of §4.1: it turns a raw client
// request, or a replicated log entry, into a TransactionContext carrying
// both the request view and the log view.
type pipeline struct {
	gid        raft.Gid
	dispatcher dispatcher.Dispatcher
	metrics    *metrics.Metrics
}

func newPipeline(gid raft.Gid, d dispatcher.Dispatcher, m *metrics.Metrics) *pipeline {
	return &pipeline{gid: gid, dispatcher: d, metrics: m}
}

// StartTransactionForClient implements step-by-step the leader-only
// admission path: decode, pre-validate, strip the token, reject
// already-finalized blocks, split WriteChunk payload, and for
// FinalizeBlock synchronously register the finalization.
func (p *pipeline) StartTransactionForClient(ctx context.Context, request []byte) (*TransactionContext, error) {
	start := time.Now()
	span, ctx := trace.StartSpanFromContext(ctx, "")
	cmd, err := proto.UnmarshalCommand(request)
	if err != nil {
		if p.metrics != nil {
			p.metrics.DecodeFailures.Inc()
		}
		return &TransactionContext{StartTime: start, Err: errors.Info(err, "decode client command failed")}, nil
	}

	if err := p.dispatcher.ValidateContainerCommand(ctx, cmd); err != nil {
		if err == apierrors.ErrContainerNotOpen {
			if p.metrics != nil {
				p.metrics.NotOpenVerifyFailures.Inc()
			}
		} else if p.metrics != nil {
			p.metrics.StartTransactionVerifyFailures.Inc()
		}
		span.Warnf("container %d command validation failed: %s", cmd.ContainerID, err)
		return &TransactionContext{StartTime: start, Err: err}, nil
	}

	// the token has already been verified by ValidateContainerCommand;
	// it never travels further than this.
	cmd.EncodedToken = nil

	if cmd.CmdType == proto.TypePutBlock || cmd.CmdType == proto.TypeWriteChunk {
		blockID := blockIDOf(cmd)
		finalized, ferr := p.dispatcher.IsFinalizedBlockExist(ctx, blockID)
		if ferr != nil {
			return &TransactionContext{StartTime: start, Err: errors.Info(ferr, "check finalized block failed")}, nil
		}
		if finalized {
			if p.metrics != nil {
				p.metrics.BlockAlreadyFinalizedRejects.Inc()
			}
			return &TransactionContext{StartTime: start, Err: apierrors.ErrBlockAlreadyFinalized}, nil
		}
	}

	requestView := cmd
	logView := cmd
	var stateMachineData []byte

	if cmd.CmdType == proto.TypeWriteChunk {
		if len(cmd.WriteChunk.Data) == 0 {
			return &TransactionContext{StartTime: start, Err: apierrors.ErrEmptyChunkPayload}, nil
		}
		stateMachineData = cmd.WriteChunk.Data
		logView = cmd.StripPayload()
		logView.PipelineID = p.gid.String()
	}

	if cmd.CmdType == proto.TypeFinalizeBlock {
		if err := p.dispatcher.AddFinalizedBlock(ctx, cmd.FinalizeBlock.BlockID); err != nil {
			return &TransactionContext{StartTime: start, Err: errors.Info(err, "add finalized block failed")}, nil
		}
	}

	if cmd.CmdType == proto.TypeCloseContainer {
		if err := p.dispatcher.MarkContainerForClose(ctx, cmd.ContainerID); err != nil {
			return &TransactionContext{StartTime: start, Err: errors.Info(err, "mark container for close failed")}, nil
		}
	}

	if p.metrics != nil {
		p.metrics.PendingApplyTransactions.Inc()
	}

	return &TransactionContext{
		RequestView:      requestView,
		LogView:          logView,
		StartTime:        start,
		StateMachineData: stateMachineData,
		IsLeader:         true,
	}, nil
}

// StartTransactionForLogEntry reconstructs the request view on any replica
// as it learns about a new log entry: merge the log view with the
// side-channel payload for WriteChunk, or use the log view unchanged for
// everything else.
func (p *pipeline) StartTransactionForLogEntry(_ context.Context, entry raft.LogEntry, role raft.Role) (*TransactionContext, error) {
	start := time.Now()
	logView, err := proto.UnmarshalCommand(entry.Data)
	if err != nil {
		if p.metrics != nil {
			p.metrics.DecodeFailures.Inc()
		}
		return &TransactionContext{StartTime: start, Err: errors.Info(err, "decode log entry command failed")}, nil
	}

	txn := &TransactionContext{
		LogView:          logView,
		StartTime:        start,
		StateMachineData: entry.StateMachineData,
		IsLeader:         role == raft.RoleLeader,
		Term:             entry.Term,
		Index:            entry.Index,
	}

	if logView.CmdType == proto.TypeWriteChunk {
		requestView := logView.Clone()
		requestView.WriteChunk.Data = entry.StateMachineData
		txn.RequestView = requestView
	} else {
		txn.RequestView = logView
	}
	return txn, nil
}

func blockIDOf(cmd *proto.Command) proto.BlockID {
	switch cmd.CmdType {
	case proto.TypeWriteChunk:
		return cmd.WriteChunk.BlockID
	case proto.TypePutBlock:
		return cmd.PutBlock.BlockID
	case proto.TypeFinalizeBlock:
		return cmd.FinalizeBlock.BlockID
	default:
		return proto.BlockID{}
	}
}
