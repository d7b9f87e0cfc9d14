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

package proto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommand_StripPayloadClearsWriteChunkDataOnly(t *testing.T) {
	cmd := &Command{
		CmdType:     TypeWriteChunk,
		ContainerID: 7,
		WriteChunk: &WriteChunkCommand{
			BlockID:   BlockID{ContainerID: 7, LocalID: 100},
			ChunkData: ChunkInfo{ChunkName: "c0", Len: 4},
			Data:      []byte("abcd"),
		},
	}

	stripped := cmd.StripPayload()

	require.Empty(t, stripped.WriteChunk.Data)
	require.Equal(t, []byte("abcd"), cmd.WriteChunk.Data, "StripPayload must not mutate the original")
	require.Equal(t, cmd.WriteChunk.BlockID, stripped.WriteChunk.BlockID)
}

func TestCommand_MarshalUnmarshalRoundTrips(t *testing.T) {
	cmd := &Command{
		CmdType:     TypeFinalizeBlock,
		ContainerID: 3,
		FinalizeBlock: &FinalizeBlockCommand{
			BlockID: BlockID{ContainerID: 3, LocalID: 9},
		},
	}

	data, err := cmd.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalCommand(data)
	require.NoError(t, err)
	require.Equal(t, cmd.CmdType, decoded.CmdType)
	require.Equal(t, cmd.ContainerID, decoded.ContainerID)
	require.Equal(t, *cmd.FinalizeBlock, *decoded.FinalizeBlock)
}

func TestResult_TolerableSeparatesRequestFailuresFromStorageFailures(t *testing.T) {
	require.True(t, Success.Tolerable())
	require.True(t, ContainerNotOpen.Tolerable())
	require.True(t, ClosedContainerIO.Tolerable())
	require.True(t, ChunkFileInconsistency.Tolerable())

	require.False(t, BlockAlreadyFinalized.Tolerable())
	require.False(t, InvalidArgument.Tolerable())
	require.False(t, ContainerInternalError.Tolerable())
	require.False(t, Unsupported.Tolerable())
}

func TestCommand_IsReadOnly(t *testing.T) {
	require.True(t, (&Command{CmdType: TypeReadChunk}).IsReadOnly())
	require.True(t, (&Command{CmdType: TypeEcho}).IsReadOnly())
	require.False(t, (&Command{CmdType: TypeWriteChunk}).IsReadOnly())
	require.False(t, (&Command{CmdType: TypeCreateContainer}).IsReadOnly())
}
