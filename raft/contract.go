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

// Package raft defines the contract a Raft-style consensus engine drives a
// replicated state machine through. It owns no log, no leader election and
// no snapshot transport: those are the consensus engine's concern. It only
// names the shape of the calls the engine makes into the state machine, and
// the shape of what the state machine hands back.
package raft

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cubefs/containersm/proto"
)

// Gid is the opaque identifier of the replication group a state machine
// instance serves. Immutable for the lifetime of the instance.
type Gid = uuid.UUID

// Role is the server's role at the time a log entry is being applied.
type Role int

const (
	RoleFollower Role = iota
	RoleLeader
	RoleCandidate
)

// ConfChangeType mirrors the small set of membership changes a consensus
// engine may deliver through ApplyMemberChange.
type ConfChangeType int32

const (
	ConfChangeAddNode ConfChangeType = iota
	ConfChangeRemoveNode
	ConfChangeUpdateNode
	ConfChangeAddLearnerNode
)

// Member describes one membership-change notification.
type Member struct {
	Type    ConfChangeType
	NodeID  uint64
	Context []byte
}

// LogEntry is the consensus-supplied tuple: term, index, the replicated log
// body, and an optional side-channel payload (state-machine-data) that never
// entered the replicated log body itself.
type LogEntry struct {
	Term             uint64
	Index            uint64
	Data             []byte
	StateMachineData []byte
}

// Snapshot is a single serialized blob the state machine hands the
// consensus engine to persist, and later hands back unchanged to restore.
type Snapshot interface {
	Read() ([]byte, error)
	Term() uint64
	Index() uint64
	Close() error
}

// DataStream is an out-of-band channel opened by Stream for the bulk write
// fast path; bytes written to it never flow through the replicated log.
type DataStream interface {
	Write(p []byte) (int, error)
	Close() error
	CleanUp()
}

// TransactionContext carries both views of one request through its whole
// lifecycle, from pipeline entry to apply completion.
type TransactionContext struct {
	// RequestView is the full command, user payload included. Only ever
	// used for local execution, never serialized onto the wire a second
	// time.
	RequestView *proto.Command
	// LogView is the command as it was or will be replicated: WriteChunk
	// payload stripped; PutSmallFile data stays embedded.
	LogView *proto.Command

	StartTime time.Time

	// IsLeader records this replica's role at the moment the transaction
	// was started, since Write's signature carries no role parameter of
	// its own.
	IsLeader bool

	// Term and Index are the log entry's coordinates, stashed here because
	// ApplyTransaction's signature carries only the context produced from
	// that entry, not the entry itself.
	Term  uint64
	Index uint64

	// Err is set when the pipeline rejected this transaction before
	// replication (validation, already-finalized block, decode failure).
	// A non-nil Err means this transaction must never reach the log.
	Err error

	// StateMachineData is the side-channel payload split out of LogView,
	// carried alongside the log entry rather than inside it.
	StateMachineData []byte
}

// Failed reports whether the pipeline rejected this transaction.
func (t *TransactionContext) Failed() bool {
	return t != nil && t.Err != nil
}

// StateMachine is the upward contract: what a consensus engine drives a
// replicated container state machine through. Every externally visible
// operation returns a result asynchronously on the state machine's own
// task pools; the consensus engine's own threads must never block on state
// machine I/O.
type StateMachine interface {
	Initialize(ctx context.Context, latest Snapshot) error

	// StartTransactionForClient is only invoked on the leader, for a request
	// a client submitted directly.
	StartTransactionForClient(ctx context.Context, request []byte) (*TransactionContext, error)
	// StartTransactionForLogEntry is invoked on every replica as it learns
	// about a new log entry, leader included.
	StartTransactionForLogEntry(ctx context.Context, entry LogEntry, role Role) (*TransactionContext, error)

	Write(ctx context.Context, entry LogEntry, txn *TransactionContext) (FutureBytes, error)
	Read(ctx context.Context, entry LogEntry, txn *TransactionContext) (FutureBytes, error)
	Flush(ctx context.Context, upTo uint64) FutureVoid

	ApplyTransaction(ctx context.Context, txn *TransactionContext) (FutureBytes, error)
	Query(ctx context.Context, request []byte) ([]byte, error)

	TakeSnapshot(ctx context.Context) (uint64, error)

	Stream(ctx context.Context, request []byte) (DataStream, error)
	Link(ctx context.Context, stream DataStream, entry LogEntry) error

	Truncate(ctx context.Context, index uint64) error
	Close() error

	ApplyMemberChange(member Member, index uint64) error
	LeaderChange(leaderID uint64) error

	NotifyTermIndexUpdated(term, index uint64)
	NotifyNotLeader()
	NotifyGroupRemove()
	NotifyLeaderChanged(groupMemberID, peerID uint64)
	NotifyFollowerSlowness(peerID uint64)
	NotifyExtendedNoLeader()
	NotifyLogFailed(err error, failedEntry LogEntry)
	NotifyInstallSnapshotFromLeader(firstTerm, firstIndex uint64) (uint64, uint64)
	NotifyServerShutdown(allServer bool)
}

// ServerSurface is the injected capability the state machine notifies for
// pipeline/group-level concerns it does not own. Modeled as an interface
// rather than a back-reference, so the state machine never owns the outer
// server's lifecycle.
type ServerSurface interface {
	NotifyGroupAdd(gid Gid)
	NotifyGroupRemove(gid Gid)
	HandleNodeSlowness(gid Gid, peerID uint64)
	HandleNoLeader(gid Gid)
	HandleApplyTransactionFailure(gid Gid, role Role)
	HandleLeaderChangedNotification(gid Gid, peerID uint64)
	HandleNodeLogFailure(gid Gid, err error)
	HandleInstallSnapshotFromLeader(gid Gid, firstTerm, firstIndex uint64)
	// TerminateHost shuts the whole process down. Invoked at most once,
	// through the process-wide shutdown latch.
	TerminateHost(closedGroups, totalGroups int)
	// FollowerNextIndices reports the current next-index of every follower
	// in gid's group, used by the strict cache-retention policy
	// (waitOnAllFollowers) to decide how far it is safe to evict payload
	// still needed to bring a slow follower up to date.
	FollowerNextIndices(gid Gid) []uint64
}
