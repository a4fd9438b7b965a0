/*
 * This file is part of the clustermigrate project
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

// Package handshake implements the four-barrier rendezvous protocol's
// signalling layer (spec §4.1, §6): a minimal length-prefixed frame over
// an already-connected bidirectional byte stream. Signalling deliberately
// bypasses the cluster database so the two hosts cannot deadlock against
// locks they each must hold for migration.
package handshake

import (
	"encoding/binary"
	"io"

	"github.com/clustervirt/migrate/pkg/migrate/merrors"
)

// maxErrorLen bounds the error payload so a corrupt peer can't make us
// allocate an unbounded buffer.
const maxErrorLen = 1<<16 - 1 // len is a u16, so this is already the true max

// Channel wraps a byte stream with the Send/Success/Error framing.
// No versioning, no heartbeats, exactly as specified.
type Channel struct {
	rw io.ReadWriter
}

// New wraps an already-connected bidirectional byte stream.
func New(rw io.ReadWriter) *Channel {
	return &Channel{rw: rw}
}

// SendSuccess writes a zero-length frame.
func (c *Channel) SendSuccess() error {
	return c.send(nil)
}

// SendError writes msg as an Error frame.
func (c *Channel) SendError(msg string) error {
	return c.send([]byte(msg))
}

func (c *Channel) send(payload []byte) error {
	if len(payload) > maxErrorLen {
		payload = payload[:maxErrorLen]
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(payload)))
	n, err := c.rw.Write(hdr[:])
	if err != nil || n != len(hdr) {
		return &merrors.RemoteFailed{Reason: "short write of frame header"}
	}
	if len(payload) == 0 {
		return nil
	}
	n, err = c.rw.Write(payload)
	if err != nil {
		return &merrors.RemoteFailed{Reason: "write failed: " + err.Error()}
	}
	if n != len(payload) {
		return &merrors.RemoteFailed{Reason: "short write of frame payload"}
	}
	return nil
}

// Recv reads one frame, returning nil on Success and the peer's message
// wrapped as error on Error. Short reads fail with RemoteFailed.
func (c *Channel) Recv() error {
	var hdr [2]byte
	if _, err := io.ReadFull(c.rw, hdr[:]); err != nil {
		return &merrors.RemoteFailed{Reason: "short read of frame header: " + err.Error()}
	}
	length := binary.BigEndian.Uint16(hdr[:])
	if length == 0 {
		return nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.rw, payload); err != nil {
		return &merrors.RemoteFailed{Reason: "short read of frame payload: " + err.Error()}
	}
	return errorFrame(string(payload))
}

// RecvSuccess is an alias for Recv, which already returns an error for
// any Error frame; it mirrors the spec's recv_success helper and is the
// call used at barriers [1], [3] and [4].
func (c *Channel) RecvSuccess() error {
	return c.Recv()
}

// errorFrame is the peer-reported Error(msg) payload, surfaced to the
// caller so it can be wrapped into a VmMigrateFailed with this exact
// text (spec §4.1, §7 "Protocol ... propagated verbatim").
type errorFrame string

func (e errorFrame) Error() string { return string(e) }
