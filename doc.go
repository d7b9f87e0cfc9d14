/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# containersm: the replicated container state machine

containersm sits on top of a Raft-style consensus engine on each storage
node of a distributed object store. The consensus engine replicates an
ordered log of client requests; containersm is responsible for:

  - splitting bulk chunk payload from log-replicated container/block metadata
  - writing chunk data durably outside the replicated log
  - committing container metadata in strict per-container order
  - serving leader-side reads of previously-written chunk data back to
    followers that are catching up
  - producing and restoring snapshots of the container index
  - tracking health so pipelines close when durability is compromised

## Data Model

* Container, a 64-bit ID identifying a durable container on local storage

* Block, a user-visible object fragment identified by (container, local ID)

* Chunk, a portion of a block's bytes, written as one dispatcher operation

* BCSID, the per-container high-watermark of committed log indices

## Architecture

containersm implements the upward contract described in package raft (what
a consensus engine drives it through) and consumes the downward contract
described in package dispatcher (what it asks local storage to do).
Everything container/block/chunk specific lives in package statemachine.

### Replication

one containersm instance per replication group (Gid), driven externally
by a Raft-style consensus engine; this module does not implement consensus

### Storage

the container-to-BCSID index is kept in a column family of a
common/kvstore Store whose backing engine the deployment supplies;
chunk bytes themselves are written by the dispatcher, outside this module

## Building Blocks

* a column-family key/value store contract (common/kvstore)
* gRPC
* Prometheus
* golang.org/x/sync, golang.org/x/time

*/

package containersm
