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
	"sync"

	"github.com/cubefs/containersm/raft"
)

// containerTask is one unit of apply-side work: it returns the bytes to
// complete the caller's future with, or an error to fail it with.
type containerTask func() ([]byte, error)

type queuedTask struct {
	run     containerTask
	promise *raft.BytesPromise
}

type containerQueue struct {
	pending []*queuedTask
	running bool
}

// taskQueueMap is the per-container task queue map of §4.2: tasks submitted
// for the same container run strictly serially, in submission order, on the
// shared container-op pool; distinct containers run concurrently.
//
// A single mutex guards both the map and every queue's pending/running
// state: queue membership and queue emptiness must change atomically
// together, or a drain loop finishing just as a new task is submitted can
// race its own removal from the map and strand the new task behind a queue
// nothing will ever drain again.
type taskQueueMap struct {
	mu     sync.Mutex
	queues map[uint64]*containerQueue
	pool   *workerPool
}

func newTaskQueueMap(pool *workerPool) *taskQueueMap {
	return &taskQueueMap{
		queues: make(map[uint64]*containerQueue),
		pool:   pool,
	}
}

// Submit enqueues task for containerID and returns a future that resolves
// when it runs. If containerID has no running drain loop, one is started on
// the container-op pool.
func (m *taskQueueMap) Submit(containerID uint64, task containerTask) raft.FutureBytes {
	promise := raft.NewBytesPromise()
	qt := &queuedTask{run: task, promise: promise}

	m.mu.Lock()
	q, ok := m.queues[containerID]
	if !ok {
		q = &containerQueue{}
		m.queues[containerID] = q
	}
	q.pending = append(q.pending, qt)
	start := !q.running
	if start {
		q.running = true
	}
	m.mu.Unlock()

	if start {
		m.pool.Submit(func() { m.drain(containerID, q) })
	}
	return promise
}

func (m *taskQueueMap) drain(containerID uint64, q *containerQueue) {
	for {
		m.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			if m.queues[containerID] == q {
				delete(m.queues, containerID)
			}
			m.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		m.mu.Unlock()

		data, err := next.run()
		if err != nil {
			next.promise.CompleteError(err)
		} else {
			next.promise.Complete(data)
		}
	}
}
