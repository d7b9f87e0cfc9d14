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
	"fmt"

	"github.com/cubefs/containersm/proto"
	"github.com/cubefs/containersm/raft"
)

// DescribeLogEntry renders a failed log entry down to its command kind and
// container ID, for use in failure logging where the full payload would be
// too large or already gone from the cache. It never returns an error: a
// decode failure is itself worth reporting, not worth failing on.
func DescribeLogEntry(entry raft.LogEntry) string {
	cmd, err := proto.UnmarshalCommand(entry.Data)
	if err != nil {
		return fmt.Sprintf("term=%d index=%d command=<undecodable: %s>", entry.Term, entry.Index, err)
	}
	return fmt.Sprintf("term=%d index=%d command=%s container=%d", entry.Term, entry.Index, cmd.CmdType, cmd.ContainerID)
}
