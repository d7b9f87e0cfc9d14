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
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cubefs/containersm/proto"
	"github.com/cubefs/containersm/raft"
)

func newTestApplyCoordinator(permits int64, d *fakeDispatcher) *applyCoordinator {
	pool := newWorkerPool(4, 64)
	taskQueue := newTaskQueueMap(pool)
	return newApplyCoordinator(uuid.New(), permits, taskQueue, d, nil, &healthFlag{}, &fakeServer{}, nil, false)
}

func TestApplyCoordinator_AdmissionBackpressureLimitsInFlight(t *testing.T) {
	d := newFakeDispatcher()
	var inFlight, maxInFlight int32
	var mu sync.Mutex
	d.delay = func(cmd *proto.Command) {
		cur := atomic.AddInt32(&inFlight, 1)
		mu.Lock()
		if cur > maxInFlight {
			maxInFlight = cur
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
	}

	a := newTestApplyCoordinator(2, d)

	var futures []raft.FutureBytes
	for i := uint64(1); i <= 5; i++ {
		txn := &TransactionContext{
			RequestView: newCreateContainerCommand(i),
			Term:        1,
			Index:       i,
			StartTime:   time.Now(),
		}
		f, err := a.ApplyTransaction(context.Background(), txn)
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for _, f := range futures {
		_, err := f.Wait(context.Background())
		require.NoError(t, err)
	}

	require.LessOrEqual(t, int(maxInFlight), 2)
}

func TestApplyCoordinator_CreateThenWriteOrderingAdvancesBCSID(t *testing.T) {
	d := newFakeDispatcher()
	a := newTestApplyCoordinator(8, d)

	createTxn := &TransactionContext{RequestView: newCreateContainerCommand(7), Term: 1, Index: 1, StartTime: time.Now()}
	f1, err := a.ApplyTransaction(context.Background(), createTxn)
	require.NoError(t, err)
	_, err = f1.Wait(context.Background())
	require.NoError(t, err)

	writeTxn := &TransactionContext{RequestView: newWriteChunkCommand(7, 100, "c0", []byte("abcd")), Term: 1, Index: 2, StartTime: time.Now()}
	f2, err := a.ApplyTransaction(context.Background(), writeTxn)
	require.NoError(t, err)
	_, err = f2.Wait(context.Background())
	require.NoError(t, err)

	view := a.BCSIDView()
	require.Equal(t, uint64(2), view[7])

	require.Len(t, d.dispatched, 2)
	require.Equal(t, proto.TypeCreateContainer, d.dispatched[0].CmdType)
	require.Equal(t, proto.TypeWriteChunk, d.dispatched[1].CmdType)

	_, lastIndex := a.LastApplied()
	require.Equal(t, uint64(2), lastIndex)
}

func TestApplyCoordinator_PerContainerApplyIsSerialized(t *testing.T) {
	d := newFakeDispatcher()
	var active int32
	var overlapped bool
	var mu sync.Mutex
	d.delay = func(cmd *proto.Command) {
		if atomic.AddInt32(&active, 1) > 1 {
			mu.Lock()
			overlapped = true
			mu.Unlock()
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&active, -1)
	}

	a := newTestApplyCoordinator(8, d)

	var wg sync.WaitGroup
	for i := uint64(1); i <= 20; i++ {
		wg.Add(1)
		go func(idx uint64) {
			defer wg.Done()
			txn := &TransactionContext{
				RequestView: newWriteChunkCommand(7, 100, "c", []byte("x")),
				Term:        1,
				Index:       idx,
				StartTime:   time.Now(),
			}
			f, err := a.ApplyTransaction(context.Background(), txn)
			if err != nil {
				return
			}
			_, _ = f.Wait(context.Background())
		}(i)
	}
	wg.Wait()

	require.False(t, overlapped, "two apply transactions for the same container ran concurrently")
}

func TestApplyCoordinator_DeleteContainerRemovesBCSIDEntry(t *testing.T) {
	d := newFakeDispatcher()
	a := newTestApplyCoordinator(8, d)

	createTxn := &TransactionContext{RequestView: newCreateContainerCommand(9), Term: 1, Index: 1, StartTime: time.Now()}
	f, err := a.ApplyTransaction(context.Background(), createTxn)
	require.NoError(t, err)
	_, err = f.Wait(context.Background())
	require.NoError(t, err)
	require.Contains(t, a.BCSIDView(), uint64(9))

	deleteCmd := &proto.Command{CmdType: proto.TypeDeleteContainer, ContainerID: 9, DeleteContainer: &proto.DeleteContainerCommand{}}
	deleteTxn := &TransactionContext{RequestView: deleteCmd, Term: 1, Index: 2, StartTime: time.Now()}
	f2, err := a.ApplyTransaction(context.Background(), deleteTxn)
	require.NoError(t, err)
	_, err = f2.Wait(context.Background())
	require.NoError(t, err)

	require.NotContains(t, a.BCSIDView(), uint64(9))
}
