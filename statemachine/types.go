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

// Package statemachine implements the replicated container state machine:
// the component a Raft-style consensus engine drives through the contract
// in package raft, and which in turn drives local storage through the
// contract in package dispatcher.
package statemachine

import (
	"github.com/cubefs/containersm/raft"
)

// TransactionContext carries both views of one request through its whole
// lifecycle, from pipeline entry to apply completion. Defined in package
// raft since it crosses the StateMachine contract boundary; aliased here
// so the rest of this package can keep referring to it unqualified.
type TransactionContext = raft.TransactionContext
