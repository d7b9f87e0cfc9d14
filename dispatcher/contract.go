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

// Package dispatcher defines the downward contract the state machine
// drives local storage through. It owns no replication concerns: it only
// executes already-ordered commands against container/block/chunk storage
// and reports a Result.
package dispatcher

import (
	"context"

	"github.com/cubefs/containersm/proto"
)

// Stage identifies where in a transaction's lifecycle a dispatch call is
// being made, mirroring the distinct validation rules each stage applies.
type Stage int

const (
	// StageWrite is the write of chunk data to local storage outside the
	// replicated log, made on every replica (leader and followers).
	StageWrite Stage = iota
	// StageApply is the post-commit, log-ordered application of a command
	// to container/block metadata.
	StageApply
	// StageQuery is a read-only, unordered pass-through.
	StageQuery
)

// Context carries everything a Dispatch call needs beyond the command
// itself: where in the pipeline it is running, and the per-container
// commit-sequence state the dispatcher must keep advancing in step.
type Context struct {
	Stage           Stage
	Term            uint64
	LogIndex        uint64
	Container2BCSID map[uint64]uint64
}

// Dispatcher is the downward contract: local storage, as seen by the state
// machine. Every method must be safe to call concurrently across distinct
// containers; ordering across commands that touch the same container is the
// caller's responsibility (see the per-container task queue in package
// statemachine).
type Dispatcher interface {
	// ValidateContainerCommand checks a request against current local state
	// before it is admitted into the replication pipeline: token, container
	// existence/openness, and (for writes) whether the target block has
	// already been finalized.
	ValidateContainerCommand(ctx context.Context, cmd *proto.Command) error

	// Dispatch executes one command against local storage and returns the
	// dispatcher's outcome. The call is synchronous for every stage; for
	// StageWrite the chunk executor that makes it waits for the Response.
	Dispatch(ctx context.Context, dctx Context, cmd *proto.Command) (*proto.Response, error)

	// GetStreamDataChannel opens a dispatcher-managed sink for the bulk
	// streaming write fast path; see statemachine.Stream/Link.
	GetStreamDataChannel(ctx context.Context, blockID proto.BlockID) (StreamChannel, error)

	// BuildMissingContainerSetAndValidate compares the restored
	// container-to-BCSID index against containers present on local disk,
	// returning the set of container IDs the index references but local
	// storage does not have, so the caller can reconcile or quarantine them.
	BuildMissingContainerSetAndValidate(ctx context.Context, container2BCSID map[uint64]uint64) (missing []uint64, err error)

	// IsFinalizedBlockExist reports whether the given block has already
	// been finalized. The transaction pipeline consults it before admitting
	// a WriteChunk or PutBlock; the apply path does not call it.
	IsFinalizedBlockExist(ctx context.Context, blockID proto.BlockID) (bool, error)

	// AddFinalizedBlock registers blockID in the finalization ledger, called
	// synchronously from the transaction pipeline when a FinalizeBlock
	// request is admitted, before it is even replicated.
	AddFinalizedBlock(ctx context.Context, blockID proto.BlockID) error

	// MarkContainerForClose requests the container be quasi-closed: it
	// stops admitting further writes once any in-flight ones drain, without
	// requiring a durable CloseContainer to have been replicated yet.
	MarkContainerForClose(ctx context.Context, containerID uint64) error

	// QuasiCloseContainer best-effort transitions containerID to a
	// no-writes state for reason, used on group removal where waiting for a
	// durable CloseContainer to replicate is not an option.
	QuasiCloseContainer(ctx context.Context, containerID uint64, reason string) error
}

// StreamChannel is the dispatcher-side half of a streaming bulk write. Bytes
// written to it land directly in local storage without going through the
// per-command Dispatch path.
type StreamChannel interface {
	Write(p []byte) (int, error)
	Close() error
	// CleanUp discards any partially written data; called when a stream is
	// abandoned before Link.
	CleanUp()
}
