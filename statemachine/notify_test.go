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
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestContainerStateMachine_GroupRemoveQuasiClosesTrackedContainers(t *testing.T) {
	d := newFakeDispatcher()
	a := newTestApplyCoordinator(8, d)

	for i, containerID := range []uint64{1, 2} {
		txn := &TransactionContext{RequestView: newCreateContainerCommand(containerID), Term: 1, Index: uint64(i + 1), StartTime: time.Now()}
		f, err := a.ApplyTransaction(context.Background(), txn)
		require.NoError(t, err)
		_, err = f.Wait(context.Background())
		require.NoError(t, err)
	}

	sm := &ContainerStateMachine{gid: uuid.New(), apply: a, dispatcher: d, server: &fakeServer{}}
	sm.NotifyGroupRemove()

	closed := d.quasiClosed()
	require.Len(t, closed, 2)
	require.Contains(t, closed, uint64(1))
	require.Contains(t, closed, uint64(2))
}

func TestShutdownLatch_TriggersExactlyOnce(t *testing.T) {
	if testing.Short() {
		t.Skip("waits out the fixed shutdown delay")
	}
	l := &shutdownLatch{instances: make(map[*ContainerStateMachine]struct{})}
	server := &countingServer{}

	for i := 0; i < 5; i++ {
		l.trigger(server)
	}

	require.Eventually(t, func() bool {
		return server.calls() == 1
	}, shutdownDelay+2*time.Second, 50*time.Millisecond)
}

type countingServer struct {
	fakeServer
	n int32
}

func (s *countingServer) TerminateHost(closedGroups, totalGroups int) {
	atomic.AddInt32(&s.n, 1)
}

func (s *countingServer) calls() int32 {
	return atomic.LoadInt32(&s.n)
}
