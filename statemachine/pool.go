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

import "sync"

// workerPool is a fixed-size pool of goroutines draining a shared job
// channel, the container-op pool of §5: generic asynchronous work that must
// never run on the consensus engine's own threads.
type workerPool struct {
	jobs chan func()
	wg   sync.WaitGroup
}

func newWorkerPool(size, queueDepth int) *workerPool {
	if size < 1 {
		size = 1
	}
	if queueDepth < size {
		queueDepth = size
	}
	p := &workerPool{jobs: make(chan func(), queueDepth)}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				job()
			}
		}()
	}
	return p
}

func (p *workerPool) Submit(job func()) {
	p.jobs <- job
}

// Close stops accepting new jobs and waits for in-flight ones to drain.
func (p *workerPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}

// serialExecutor runs every submitted job on a single goroutine, in
// submission order. It is the unit of the chunk executor pool set: pinning
// one block's writes to one serialExecutor is what keeps them ordered.
type serialExecutor struct {
	jobs chan func()
	done chan struct{}
}

func newSerialExecutor(queueDepth int) *serialExecutor {
	if queueDepth < 1 {
		queueDepth = 1
	}
	e := &serialExecutor{
		jobs: make(chan func(), queueDepth),
		done: make(chan struct{}),
	}
	go func() {
		defer close(e.done)
		for job := range e.jobs {
			job()
		}
	}()
	return e
}

func (e *serialExecutor) Submit(job func()) {
	e.jobs <- job
}

func (e *serialExecutor) Close() {
	close(e.jobs)
	<-e.done
}

// executorSet is the chunk executor pool set of §4.3: a fixed, ordered list
// of serialExecutor instances, selected by blockID mod N.
type executorSet struct {
	executors []*serialExecutor
}

func newExecutorSet(n, queueDepth int) *executorSet {
	if n < 1 {
		n = 1
	}
	set := &executorSet{executors: make([]*serialExecutor, n)}
	for i := range set.executors {
		set.executors[i] = newSerialExecutor(queueDepth)
	}
	return set
}

func (s *executorSet) For(blockID uint64) *serialExecutor {
	return s.executors[blockID%uint64(len(s.executors))]
}

func (s *executorSet) Close() {
	for _, e := range s.executors {
		e.Close()
	}
}
