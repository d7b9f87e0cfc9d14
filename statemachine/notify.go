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
	"time"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/containersm/raft"
)

// shutdownDelay mirrors the fixed grace period the source sleeps before
// sampling group health and terminating the host.
const shutdownDelay = 5 * time.Second

// processShutdown is the process-wide single-shot latch of §9: many groups
// closing at once must terminate the host exactly once.
var processShutdown = &shutdownLatch{instances: make(map[*ContainerStateMachine]struct{})}

type shutdownLatch struct {
	once sync.Once

	mu        sync.Mutex
	instances map[*ContainerStateMachine]struct{}
}

func (l *shutdownLatch) register(sm *ContainerStateMachine) {
	l.mu.Lock()
	l.instances[sm] = struct{}{}
	l.mu.Unlock()
}

func (l *shutdownLatch) unregister(sm *ContainerStateMachine) {
	l.mu.Lock()
	delete(l.instances, sm)
	l.mu.Unlock()
}

// trigger schedules, at most once for the lifetime of the process, a
// delayed sampling of closed-vs-total groups followed by a host terminate.
func (l *shutdownLatch) trigger(server raft.ServerSurface) {
	if server == nil {
		return
	}
	l.once.Do(func() {
		go func() {
			time.Sleep(shutdownDelay)
			l.mu.Lock()
			total := len(l.instances)
			closed := 0
			for sm := range l.instances {
				if !sm.health.Healthy() {
					closed++
				}
			}
			l.mu.Unlock()
			server.TerminateHost(closed, total)
		}()
	})
}

// NotifyTermIndexUpdated registers a no-op completion for a non-data entry
// (conf change, metadata) so lastApplied keeps advancing across it.
func (sm *ContainerStateMachine) NotifyTermIndexUpdated(term, index uint64) {
	sm.apply.NotifyTermIndexUpdated(term, index)
}

// NotifyNotLeader evicts the entire payload cache: a demoted leader's cache
// no longer serves anyone, and holding onto it only wastes the byte budget.
func (sm *ContainerStateMachine) NotifyNotLeader() {
	sm.cache.Clear()
}

// NotifyGroupRemove best-effort quasi-closes every container this instance
// currently tracks.
func (sm *ContainerStateMachine) NotifyGroupRemove() {
	ctx := context.Background()
	for containerID := range sm.apply.BCSIDView() {
		if err := sm.dispatcher.MarkContainerForClose(ctx, containerID); err != nil {
			log.Warn("container state machine: mark container for close on group remove failed", containerID, err)
		}
		if err := sm.dispatcher.QuasiCloseContainer(ctx, containerID, "group removed"); err != nil {
			log.Warn("container state machine: quasi-close on group remove failed", containerID, err)
		}
	}
	if sm.server != nil {
		sm.server.NotifyGroupRemove(sm.gid)
	}
}

func (sm *ContainerStateMachine) NotifyLeaderChanged(groupMemberID, peerID uint64) {
	if sm.server != nil {
		sm.server.HandleLeaderChangedNotification(sm.gid, peerID)
	}
}

func (sm *ContainerStateMachine) NotifyFollowerSlowness(peerID uint64) {
	if sm.server != nil {
		sm.server.HandleNodeSlowness(sm.gid, peerID)
	}
}

func (sm *ContainerStateMachine) NotifyExtendedNoLeader() {
	if sm.server != nil {
		sm.server.HandleNoLeader(sm.gid)
	}
}

func (sm *ContainerStateMachine) NotifyLogFailed(err error, failedEntry raft.LogEntry) {
	log.Error("container state machine: log entry failed,", DescribeLogEntry(failedEntry), "err:", err)
	if sm.server != nil {
		sm.server.HandleNodeLogFailure(sm.gid, err)
	}
}

func (sm *ContainerStateMachine) NotifyInstallSnapshotFromLeader(firstTerm, firstIndex uint64) (uint64, uint64) {
	if sm.server != nil {
		sm.server.HandleInstallSnapshotFromLeader(sm.gid, firstTerm, firstIndex)
	}
	return firstTerm, firstIndex
}

// NotifyServerShutdown schedules the process-wide terminate exactly once,
// the first time any group on this host is told the whole server (not just
// this group) is shutting down.
func (sm *ContainerStateMachine) NotifyServerShutdown(allServer bool) {
	if !allServer {
		return
	}
	processShutdown.trigger(sm.server)
}
