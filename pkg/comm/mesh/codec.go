// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package mesh

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/groupbench/pkg/comm"
)

// codecName is sent as the gRPC content-subtype.
const codecName = "gbframe"

var errBadFrame = errors.New("malformed mesh frame")

// wireMessage is implemented by every message carried by the mesh service.
type wireMessage interface {
	marshal() ([]byte, error)
	unmarshal(data []byte) error
}

// frameCodec is a gRPC codec for the mesh messages. Data frames use a
// compact binary layout; rendezvous messages are JSON.
type frameCodec struct{}

func (frameCodec) Name() string { return codecName }

func (frameCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(wireMessage)
	if !ok {
		return nil, fmt.Errorf("mesh codec: cannot marshal %T", v)
	}
	return m.marshal()
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	m, ok := v.(wireMessage)
	if !ok {
		return fmt.Errorf("mesh codec: cannot unmarshal into %T", v)
	}
	return m.unmarshal(data)
}

// wireFrame layout: context (8 bytes LE) | src (varint) | tag (varint) | payload.
type wireFrame comm.Frame

func (f *wireFrame) marshal() ([]byte, error) {
	out := make([]byte, 0, 8+2*binary.MaxVarintLen64+len(f.Payload))
	out = binary.LittleEndian.AppendUint64(out, f.Context)
	out = binary.AppendVarint(out, int64(f.Src))
	out = binary.AppendVarint(out, int64(f.Tag))
	return append(out, f.Payload...), nil
}

func (f *wireFrame) unmarshal(data []byte) error {
	if len(data) < 8 {
		return errBadFrame
	}
	f.Context = binary.LittleEndian.Uint64(data)
	data = data[8:]

	src, n := binary.Varint(data)
	if n <= 0 {
		return errBadFrame
	}
	data = data[n:]

	tag, n := binary.Varint(data)
	if n <= 0 {
		return errBadFrame
	}
	data = data[n:]

	f.Src = int(src)
	f.Tag = int(tag)
	f.Payload = append([]byte{}, data...)
	return nil
}

// joinRequest announces a worker's listen address to the root.
type joinRequest struct {
	Session string `json:"session"`
	Rank    int    `json:"rank"`
	Addr    string `json:"addr"`
}

func (r *joinRequest) marshal() ([]byte, error) { return json.Marshal(r) }
func (r *joinRequest) unmarshal(d []byte) error { return json.Unmarshal(d, r) }

// joinReply carries the address of every world rank, indexed by rank.
type joinReply struct {
	Addrs []string `json:"addrs"`
}

func (r *joinReply) marshal() ([]byte, error) { return json.Marshal(r) }
func (r *joinReply) unmarshal(d []byte) error { return json.Unmarshal(d, r) }

// ack closes a Deliver stream.
type ack struct{}

func (*ack) marshal() ([]byte, error) { return []byte{}, nil }
func (*ack) unmarshal([]byte) error   { return nil }
