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
	"container/list"
	"sync"
)

// dataCache is the bounded, byte-budgeted, FIFO-by-insertion-order cache
// from log index to chunk payload. It is grounded on the same
// container/list eviction shape the consensus layer uses for its own
// snapshot-transfer bookkeeping, generalized here to a byte budget instead
// of an entry-count budget.
//
// Every method is safe for concurrent use.
type dataCache struct {
	mu    sync.Mutex
	limit uint64
	used  uint64

	order *list.List // of *cacheEntry, oldest (front) evicted first
	index map[uint64]*list.Element

	onEvict func(idx uint64)
}

type cacheEntry struct {
	index uint64
	data  []byte
}

func newDataCache(limitBytes uint64, onEvict func(idx uint64)) *dataCache {
	return &dataCache{
		limit:   limitBytes,
		order:   list.New(),
		index:   make(map[uint64]*list.Element),
		onEvict: onEvict,
	}
}

// Put admits (index -> data), evicting the oldest entries by insertion
// order until the byte budget is restored. An entry larger than the whole
// budget does not stay: the same Put evicts every older entry and then the
// new entry itself.
func (c *dataCache) Put(idx uint64, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[idx]; ok {
		entry := elem.Value.(*cacheEntry)
		c.used -= uint64(len(entry.data))
		entry.data = data
		c.used += uint64(len(data))
		c.order.MoveToBack(elem)
		c.evictLocked()
		return
	}

	entry := &cacheEntry{index: idx, data: data}
	elem := c.order.PushBack(entry)
	c.index[idx] = elem
	c.used += uint64(len(data))
	c.evictLocked()
}

func (c *dataCache) evictLocked() {
	for c.used > c.limit && c.order.Len() > 0 {
		front := c.order.Front()
		entry := front.Value.(*cacheEntry)
		c.order.Remove(front)
		delete(c.index, entry.index)
		c.used -= uint64(len(entry.data))
		if c.onEvict != nil {
			c.onEvict(entry.index)
		}
	}
}

// Get returns the cached payload for idx, if still present.
func (c *dataCache) Get(idx uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[idx]
	if !ok {
		return nil, false
	}
	return elem.Value.(*cacheEntry).data, true
}

// RemoveUpTo drops every entry with key <= idx.
func (c *dataCache) RemoveUpTo(idx uint64) {
	c.removeWhere(func(key uint64) bool { return key <= idx })
}

// RemoveAbove drops every entry with key > idx, used on log truncation.
func (c *dataCache) RemoveAbove(idx uint64) {
	c.removeWhere(func(key uint64) bool { return key > idx })
}

func (c *dataCache) removeWhere(match func(uint64) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for elem := c.order.Front(); elem != nil; elem = next {
		next = elem.Next()
		entry := elem.Value.(*cacheEntry)
		if match(entry.index) {
			c.order.Remove(elem)
			delete(c.index, entry.index)
			c.used -= uint64(len(entry.data))
		}
	}
}

// Clear evicts every entry without invoking the eviction callback: it is
// used on leader step-down and close, not on budget pressure.
func (c *dataCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.index = make(map[uint64]*list.Element)
	c.used = 0
}

// Len reports the current entry count, used by tests.
func (c *dataCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// UsedBytes reports the current byte charge against the budget.
func (c *dataCache) UsedBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}
