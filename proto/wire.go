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

package proto

import (
	"bytes"
	"encoding/gob"
)

// Marshal encodes a Command for the replicated log. Callers that need the
// log view rather than the request view must strip WriteChunk.Data first;
// Marshal itself does not decide which view it is given.
func (c *Command) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalCommand decodes a Command previously produced by Marshal.
func UnmarshalCommand(data []byte) (*Command, error) {
	var c Command
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&c); err != nil {
		return nil, err
	}
	return &c, nil
}

// StripPayload returns a copy of the command with the chunk write payload
// cleared, suitable for the replicated log view of a transaction. Small
// files stay embedded in the log entry; only chunk writes carry a payload
// large enough to warrant stripping.
func (c *Command) StripPayload() *Command {
	stripped := c.Clone()
	if stripped.WriteChunk != nil {
		stripped.WriteChunk.Data = nil
	}
	return stripped
}

// Marshal encodes a Response for transport back to a client.
func (r *Response) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalResponse decodes a Response previously produced by Marshal.
func UnmarshalResponse(data []byte) (*Response, error) {
	var r Response
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}
