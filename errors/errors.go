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

package errors

import "errors"

var (
	// ErrContainerNotOpen is returned by validateContainerCommand when the
	// target container cannot accept the command in its current state.
	ErrContainerNotOpen = errors.New("container not open")

	// ErrBlockAlreadyFinalized marks a transaction rejected before replication
	// because the block has already been finalized.
	ErrBlockAlreadyFinalized = errors.New("block already finalized")

	// ErrStateMachineUnhealthy is returned by any operation that requires a
	// healthy state machine (snapshot, further applies) once health has
	// latched false.
	ErrStateMachineUnhealthy = errors.New("state machine unhealthy")

	// ErrEmptyChunkPayload is returned when a WriteChunk request carries no
	// state-machine-data payload.
	ErrEmptyChunkPayload = errors.New("write chunk payload is empty")

	// ErrDataStreamNotClosed is returned by link when the backing channel of
	// a completed stream was not closed by the caller first.
	ErrDataStreamNotClosed = errors.New("data stream is not closed")

	// ErrUnexpectedDataStream is returned by link when passed a stream this
	// state machine did not create.
	ErrUnexpectedDataStream = errors.New("unexpected data stream")

	// ErrNoStateMachineContext guards against a transaction reaching write,
	// read or apply without having been through startTransaction first.
	ErrNoStateMachineContext = errors.New("transaction has no state machine context")

	// ErrUnsupportedCommand is returned for a command kind with no state
	// machine data and no apply semantics defined.
	ErrUnsupportedCommand = errors.New("unsupported command type for state machine data")

	// ErrInvalidSnapshotIndex is returned by takeSnapshot when there is
	// nothing committed yet to snapshot.
	ErrInvalidSnapshotIndex = errors.New("no committed index to snapshot")
)
