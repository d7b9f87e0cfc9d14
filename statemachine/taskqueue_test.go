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
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestTaskQueueMap_PreservesSubmissionOrderPerContainer(t *testing.T) {
	pool := newWorkerPool(8, 64)
	defer pool.Close()
	m := newTaskQueueMap(pool)

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		f := m.Submit(7, func() ([]byte, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		})
		go func() {
			defer wg.Done()
			_, _ = f.Wait(context.Background())
		}()
	}
	wg.Wait()

	for i := 0; i < 20; i++ {
		require.Equal(t, i, order[i])
	}
}

func TestTaskQueueMap_DistinctContainersRunIndependently(t *testing.T) {
	pool := newWorkerPool(8, 64)
	defer pool.Close()
	m := newTaskQueueMap(pool)

	fA := m.Submit(1, func() ([]byte, error) { return []byte("a"), nil })
	fB := m.Submit(2, func() ([]byte, error) { return []byte("b"), nil })

	dataA, err := fA.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("a"), dataA)

	dataB, err := fB.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("b"), dataB)
}

func TestTaskQueueMap_PropagatesTaskError(t *testing.T) {
	pool := newWorkerPool(4, 64)
	defer pool.Close()
	m := newTaskQueueMap(pool)

	f := m.Submit(1, func() ([]byte, error) { return nil, errBoom })
	_, err := f.Wait(context.Background())
	require.ErrorIs(t, err, errBoom)
}

func TestTaskQueueMap_QueueIsRemovedOnceDrained(t *testing.T) {
	pool := newWorkerPool(4, 64)
	defer pool.Close()
	m := newTaskQueueMap(pool)

	f := m.Submit(5, func() ([]byte, error) { return nil, nil })
	_, err := f.Wait(context.Background())
	require.NoError(t, err)

	m.mu.Lock()
	_, exists := m.queues[5]
	m.mu.Unlock()
	require.False(t, exists, "drained queue should be removed from the map")
}
