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

import "sync/atomic"

// healthFlag is the one-way true-to-false health latch. It never returns to
// healthy once tripped, for the lifetime of the owning instance.
type healthFlag struct {
	tripped int32
}

func (h *healthFlag) Healthy() bool {
	return atomic.LoadInt32(&h.tripped) == 0
}

// Trip flips the flag false and reports whether this call was the one that
// did it, so callers only react to the first trip.
func (h *healthFlag) Trip() bool {
	return atomic.CompareAndSwapInt32(&h.tripped, 0, 1)
}
