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
	"bytes"
	"context"
	"encoding/gob"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	apierrors "github.com/cubefs/containersm/errors"
	"github.com/cubefs/containersm/dispatcher"
	"github.com/cubefs/containersm/util"
	"github.com/cubefs/containersm/util/limiter"

	"github.com/cubefs/containersm/common/kvstore"
)

const (
	snapshotCF       kvstore.CF = "bcsid_snapshot"
	snapshotLatestKV            = "latest"
)

// snapshotRecord is the single serialized blob of §4.7: the
// container-to-BCSID map, plus the (term, index) it was taken at.
type snapshotRecord struct {
	Term            uint64
	Index           uint64
	Container2BCSID map[uint64]uint64
}

func encodeSnapshot(r snapshotRecord) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeSnapshot(data []byte) (snapshotRecord, error) {
	var r snapshotRecord
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r)
	return r, err
}

// snapshotManager is the Snapshot & Recovery component of §4.7. It persists
// the container-to-BCSID index to a column family of the injected
// kvstore.Store and
// restores it on Initialize, reconciling the result against local storage
// through the dispatcher's missing-container-set computation.
type snapshotManager struct {
	store      kvstore.Store
	limiter    limiter.Limiter
	apply      *applyCoordinator
	health     *healthFlag
	dispatcher dispatcher.Dispatcher
}

func newSnapshotManager(store kvstore.Store, lim limiter.Limiter, apply *applyCoordinator, health *healthFlag, d dispatcher.Dispatcher) (*snapshotManager, error) {
	if !store.CheckColumns(snapshotCF) {
		if err := store.CreateColumn(snapshotCF); err != nil {
			return nil, errors.Info(err, "create snapshot column family failed")
		}
	}
	return &snapshotManager{store: store, limiter: lim, apply: apply, health: health, dispatcher: d}, nil
}

// Take refuses if the state machine is unhealthy, otherwise writes the
// current BCSID map with a single flush-and-fsync write and returns the
// index it was taken at.
func (s *snapshotManager) Take(ctx context.Context) (uint64, error) {
	if !s.health.Healthy() {
		return 0, apierrors.ErrStateMachineUnhealthy
	}
	container2BCSID, term, index := s.apply.TakeBCSIDSnapshot()
	if index == 0 {
		return 0, apierrors.ErrInvalidSnapshotIndex
	}

	raw, err := encodeSnapshot(snapshotRecord{Term: term, Index: index, Container2BCSID: container2BCSID})
	if err != nil {
		return 0, errors.Info(err, "encode snapshot record failed")
	}

	var buf bytes.Buffer
	tw := &util.TimeWriter{W: s.limiter.Writer(ctx, &buf)}
	if _, err := tw.Write(raw); err != nil {
		return 0, errors.Info(err, "write rate-limited snapshot buffer failed")
	}
	log.Info("container state machine: snapshot serialized", index, tw.GetCost())

	wopt := s.store.NewWriteOption()
	defer wopt.Close()
	wopt.SetSync(true)
	if err := s.store.SetRaw(ctx, snapshotCF, []byte(snapshotLatestKV), buf.Bytes(), wopt); err != nil {
		return 0, errors.Info(err, "persist snapshot record failed")
	}
	if err := s.store.FlushCF(ctx, snapshotCF); err != nil {
		return 0, errors.Info(err, "flush snapshot column family failed")
	}
	return index, nil
}

// persist stores a snapshot record handed down from the consensus engine
// (e.g. transferred from the leader) into the local column family, so a
// later restart of this replica can load it without the engine's help.
func (s *snapshotManager) persist(ctx context.Context, r snapshotRecord) error {
	raw, err := encodeSnapshot(r)
	if err != nil {
		return errors.Info(err, "encode snapshot record failed")
	}
	wopt := s.store.NewWriteOption()
	defer wopt.Close()
	wopt.SetSync(true)
	if err := s.store.SetRaw(ctx, snapshotCF, []byte(snapshotLatestKV), raw, wopt); err != nil {
		return errors.Info(err, "persist snapshot record failed")
	}
	return nil
}

// loadLocal reads back whatever snapshot this replica last wrote itself,
// used when Initialize is not handed an externally supplied one.
func (s *snapshotManager) loadLocal(ctx context.Context) (snapshotRecord, bool, error) {
	ropt := s.store.NewReadOption()
	defer ropt.Close()

	raw, err := s.store.GetRaw(ctx, snapshotCF, []byte(snapshotLatestKV), ropt)
	if err == kvstore.ErrNotFound {
		return snapshotRecord{}, false, nil
	}
	if err != nil {
		return snapshotRecord{}, false, errors.Info(err, "get local snapshot record failed")
	}
	r, err := decodeSnapshot(raw)
	if err != nil {
		return snapshotRecord{}, false, errors.Info(err, "decode local snapshot record failed")
	}
	return r, true, nil
}

// restore applies r to the apply coordinator and asks the dispatcher to
// reconcile local storage against it.
func (s *snapshotManager) restore(ctx context.Context, r snapshotRecord) error {
	s.apply.Restore(r.Container2BCSID, r.Term, r.Index)

	missing, err := s.dispatcher.BuildMissingContainerSetAndValidate(ctx, r.Container2BCSID)
	if err != nil {
		return errors.Info(err, "build missing container set failed")
	}
	if len(missing) > 0 {
		log.Warn("container state machine: snapshot references containers missing on local storage", missing)
	}
	return nil
}
