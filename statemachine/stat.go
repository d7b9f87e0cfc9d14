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

// Stat is a point-in-time snapshot of one replication group's state machine,
// the same shape of thing a consensus group itself reports for its own
// internal state.
type Stat struct {
	Gid              string `json:"gid"`
	Healthy          bool   `json:"healthy"`
	Term             uint64 `json:"term"`
	LastAppliedIndex uint64 `json:"lastAppliedIndex"`
	CacheBytesUsed   uint64 `json:"cacheBytesUsed"`
	CacheEntries     int    `json:"cacheEntries"`
}

// Stat returns a point-in-time view of this instance's current state. Safe
// to call concurrently with any other operation; the fields are read one
// after another rather than under a single lock.
func (sm *ContainerStateMachine) Stat() Stat {
	term, index := sm.apply.LastApplied()
	return Stat{
		Gid:              sm.gid.String(),
		Healthy:          sm.health.Healthy(),
		Term:             term,
		LastAppliedIndex: index,
		CacheBytesUsed:   sm.cache.UsedBytes(),
		CacheEntries:     sm.cache.Len(),
	}
}
