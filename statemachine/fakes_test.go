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
	"sync"

	"github.com/cubefs/containersm/common/kvstore"
	"github.com/cubefs/containersm/dispatcher"
	"github.com/cubefs/containersm/proto"
	"github.com/cubefs/containersm/raft"
)

// fakeDispatcher is an in-memory stand-in for a dispatcher.Dispatcher,
// tracking just enough local state (finalized blocks, per-call delay,
// injected failures) to drive the scenarios in §8.
type fakeDispatcher struct {
	mu sync.Mutex

	finalized      map[proto.BlockID]bool
	delay          func(cmd *proto.Command) // optional artificial slowness hook
	failNext       map[proto.Type]proto.Result
	quasiClosedSet map[uint64]string
	streamErr      error

	dispatched []*proto.Command
	streams    []*fakeStreamChannel
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		finalized: make(map[proto.BlockID]bool),
		failNext:  make(map[proto.Type]proto.Result),
	}
}

func (d *fakeDispatcher) ValidateContainerCommand(ctx context.Context, cmd *proto.Command) error {
	return nil
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, dctx dispatcher.Context, cmd *proto.Command) (*proto.Response, error) {
	if d.delay != nil {
		d.delay(cmd)
	}

	d.mu.Lock()
	d.dispatched = append(d.dispatched, cmd)
	result := proto.Success
	if r, ok := d.failNext[cmd.CmdType]; ok {
		result = r
		delete(d.failNext, cmd.CmdType)
	}
	d.mu.Unlock()

	resp := &proto.Response{CmdType: cmd.CmdType, Result: result}
	if cmd.CmdType == proto.TypeReadChunk {
		resp.ReadChunk = &proto.ReadChunkResponse{Data: []byte("reread-from-disk")}
	}
	return resp, nil
}

func (d *fakeDispatcher) GetStreamDataChannel(ctx context.Context, blockID proto.BlockID) (dispatcher.StreamChannel, error) {
	if d.streamErr != nil {
		return nil, d.streamErr
	}
	ch := &fakeStreamChannel{}
	d.mu.Lock()
	d.streams = append(d.streams, ch)
	d.mu.Unlock()
	return ch, nil
}

// fakeStreamChannel is an in-memory dispatcher.StreamChannel, recording
// whatever was written to it and whether it was closed or cleaned up.
type fakeStreamChannel struct {
	mu        sync.Mutex
	written   []byte
	closed    bool
	cleanedUp bool
}

func (c *fakeStreamChannel) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, p...)
	return len(p), nil
}

func (c *fakeStreamChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeStreamChannel) CleanUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanedUp = true
}

func (d *fakeDispatcher) BuildMissingContainerSetAndValidate(ctx context.Context, container2BCSID map[uint64]uint64) ([]uint64, error) {
	return nil, nil
}

func (d *fakeDispatcher) IsFinalizedBlockExist(ctx context.Context, blockID proto.BlockID) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finalized[blockID], nil
}

func (d *fakeDispatcher) AddFinalizedBlock(ctx context.Context, blockID proto.BlockID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalized[blockID] = true
	return nil
}

func (d *fakeDispatcher) MarkContainerForClose(ctx context.Context, containerID uint64) error {
	return nil
}

func (d *fakeDispatcher) QuasiCloseContainer(ctx context.Context, containerID uint64, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.quasiClosedSet == nil {
		d.quasiClosedSet = make(map[uint64]string)
	}
	d.quasiClosedSet[containerID] = reason
	return nil
}

func (d *fakeDispatcher) quasiClosed() map[uint64]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[uint64]string, len(d.quasiClosedSet))
	for k, v := range d.quasiClosedSet {
		out[k] = v
	}
	return out
}

func (d *fakeDispatcher) dispatchedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dispatched)
}

// fakeServer is a no-op raft.ServerSurface, satisfying every notification
// method without asserting on any of them unless a test overrides a field.
type fakeServer struct {
	followerNextIndices []uint64
}

func (s *fakeServer) NotifyGroupAdd(gid raft.Gid)    {}
func (s *fakeServer) NotifyGroupRemove(gid raft.Gid) {}
func (s *fakeServer) HandleNodeSlowness(gid raft.Gid, peerID uint64) {}
func (s *fakeServer) HandleNoLeader(gid raft.Gid)                    {}
func (s *fakeServer) HandleApplyTransactionFailure(gid raft.Gid, role raft.Role) {}
func (s *fakeServer) HandleLeaderChangedNotification(gid raft.Gid, peerID uint64) {}
func (s *fakeServer) HandleNodeLogFailure(gid raft.Gid, err error)                {}
func (s *fakeServer) HandleInstallSnapshotFromLeader(gid raft.Gid, firstTerm, firstIndex uint64) {
}
func (s *fakeServer) TerminateHost(closedGroups, totalGroups int) {}
func (s *fakeServer) FollowerNextIndices(gid raft.Gid) []uint64 {
	return s.followerNextIndices
}

func newCreateContainerCommand(containerID uint64) *proto.Command {
	return &proto.Command{
		CmdType:         proto.TypeCreateContainer,
		ContainerID:     containerID,
		CreateContainer: &proto.CreateContainerCommand{},
	}
}

func newWriteChunkCommand(containerID, blockID uint64, chunkName string, data []byte) *proto.Command {
	return &proto.Command{
		CmdType:     proto.TypeWriteChunk,
		ContainerID: containerID,
		WriteChunk: &proto.WriteChunkCommand{
			BlockID:   proto.BlockID{ContainerID: containerID, LocalID: blockID},
			ChunkData: proto.ChunkInfo{ChunkName: chunkName, Len: uint64(len(data))},
			Data:      data,
		},
	}
}

func newStreamInitCommand(containerID, blockID uint64) *proto.Command {
	return &proto.Command{
		CmdType:     proto.TypeStreamInit,
		ContainerID: containerID,
		StreamInit: &proto.StreamInitCommand{
			BlockID: proto.BlockID{ContainerID: containerID, LocalID: blockID},
		},
	}
}

func newPutBlockCommand(containerID, blockID uint64) *proto.Command {
	return &proto.Command{
		CmdType:     proto.TypePutBlock,
		ContainerID: containerID,
		PutBlock: &proto.PutBlockCommand{
			BlockID: proto.BlockID{ContainerID: containerID, LocalID: blockID},
			EOF:     true,
		},
	}
}

func newFinalizeBlockCommand(containerID, blockID uint64) *proto.Command {
	return &proto.Command{
		CmdType:     proto.TypeFinalizeBlock,
		ContainerID: containerID,
		FinalizeBlock: &proto.FinalizeBlockCommand{
			BlockID: proto.BlockID{ContainerID: containerID, LocalID: blockID},
		},
	}
}

// fakeStore is an in-memory kvstore.Store, standing in for a RocksDB handle
// in tests that only exercise the column-family Get/Set lifecycle
// snapshotManager drives, never RocksDB's own option surface.
type fakeStore struct {
	mu   sync.Mutex
	cols map[kvstore.CF]map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{cols: map[kvstore.CF]map[string][]byte{}}
}

func (s *fakeStore) NewSnapshot() kvstore.Snapshot { return fakeSnapshot{} }
func (s *fakeStore) GetAllColumns() []kvstore.CF {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]kvstore.CF, 0, len(s.cols))
	for c := range s.cols {
		out = append(out, c)
	}
	return out
}

func (s *fakeStore) CreateColumn(col kvstore.CF) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cols[col] = map[string][]byte{}
	return nil
}

func (s *fakeStore) CheckColumns(col kvstore.CF) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cols[col]
	return ok
}

func (s *fakeStore) Get(ctx context.Context, col kvstore.CF, key []byte, readOpt kvstore.ReadOption) (kvstore.ValueGetter, error) {
	raw, err := s.GetRaw(ctx, col, key, readOpt)
	if err != nil {
		return nil, err
	}
	return fakeValue(raw), nil
}

func (s *fakeStore) GetRaw(ctx context.Context, col kvstore.CF, key []byte, readOpt kvstore.ReadOption) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cols[col][string(key)]
	if !ok {
		return nil, kvstore.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) MultiGet(ctx context.Context, col kvstore.CF, keys [][]byte, readOpt kvstore.ReadOption) ([]kvstore.ValueGetter, error) {
	return nil, nil
}

func (s *fakeStore) SetRaw(ctx context.Context, col kvstore.CF, key []byte, value []byte, writeOpt kvstore.WriteOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cols[col] == nil {
		s.cols[col] = map[string][]byte{}
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	s.cols[col][string(key)] = cp
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, col kvstore.CF, key []byte, writeOpt kvstore.WriteOption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cols[col], string(key))
	return nil
}

func (s *fakeStore) List(ctx context.Context, col kvstore.CF, prefix, marker []byte, readOpt kvstore.ReadOption) kvstore.ListReader {
	return nil
}

func (s *fakeStore) Write(ctx context.Context, batch kvstore.WriteBatch, writeOpt kvstore.WriteOption) error {
	return nil
}

func (s *fakeStore) Read(ctx context.Context, cols []kvstore.CF, keys [][]byte, readOpt kvstore.ReadOption) ([]kvstore.ValueGetter, error) {
	return nil, nil
}

func (s *fakeStore) GetOptionHelper() kvstore.OptionHelper         { return nil }
func (s *fakeStore) NewReadOption() kvstore.ReadOption             { return fakeReadOption{} }
func (s *fakeStore) NewWriteOption() kvstore.WriteOption           { return &fakeWriteOption{} }
func (s *fakeStore) NewWriteBatch() kvstore.WriteBatch             { return nil }
func (s *fakeStore) FlushCF(ctx context.Context, col kvstore.CF) error { return nil }
func (s *fakeStore) Stats(ctx context.Context) (kvstore.Stats, error)  { return kvstore.Stats{}, nil }
func (s *fakeStore) Close()                                        {}

type fakeSnapshot struct{}

func (fakeSnapshot) Close() {}

type fakeReadOption struct{}

func (fakeReadOption) SetSnapShot(kvstore.Snapshot) {}
func (fakeReadOption) Close()                       {}

type fakeWriteOption struct{}

func (*fakeWriteOption) SetSync(bool)   {}
func (*fakeWriteOption) DisableWAL(bool) {}
func (*fakeWriteOption) Close()          {}

type fakeValue []byte

func (v fakeValue) Value() []byte { return v }
func (v fakeValue) Read(p []byte) (int, error) {
	n := copy(p, v)
	return n, nil
}
func (v fakeValue) Size() int { return len(v) }
func (v fakeValue) Close()    {}
