// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package connstate implements the per-connection lifecycle object:
// parser context, owned SendBuffer, classification-derived fields, flow
// counters, a state tag, and the deferred/continuation scheduling mode.
package connstate

import (
	"sync"

	"github.com/packetd/emberd/internal/fasttime"
	"github.com/packetd/emberd/parser"
	"github.com/packetd/emberd/pool"
	"github.com/packetd/emberd/sendbuf"
)

// Tag is the connection's coarse lifecycle state.
type Tag int

const (
	Free Tag = iota
	ReadingHeaders
	HTTPBody
	WebSocket
	Writing
	Closing
)

// Mode replaces the spec's two independent deferred/continuation flag
// bits with a single enum, per REDESIGN FLAG #1 (spec.md §9): the illegal
// "both active" combination is unrepresentable instead of merely
// forbidden by convention.
type Mode int

const (
	ModeNone Mode = iota
	ModeDeferred
	ModeContinuation
)

// State is a connection's full lifecycle object. Owned exclusively by
// whichever component accepted the connection (server.Server in this
// repository); it owns its SendBuffer and parser.Context in turn.
type State struct {
	mut sync.Mutex

	Tag  Tag
	Mode Mode

	Send   *sendbuf.Buffer
	Parser *parser.Context

	BytesReceived uint64
	LastActive    int64

	closed bool
}

// New returns a freshly-initialized State. Send is uninitialized
// (UNINIT); callers Alloc it against a pool.Pool on first use.
func New() *State {
	return &State{
		Tag:        Free,
		Mode:       ModeNone,
		Send:       sendbuf.New(),
		Parser:     parser.NewContext(),
		LastActive: fasttime.UnixTimestamp(),
	}
}

// Touch stamps LastActive with the cheap ticked clock instead of calling
// time.Now() per connection per event-loop tick.
func (s *State) Touch() {
	s.mut.Lock()
	s.LastActive = fasttime.UnixTimestamp()
	s.mut.Unlock()
}

func (s *State) idleSince(now int64) int64 {
	s.mut.Lock()
	defer s.mut.Unlock()
	return now - s.LastActive
}

// SetMode transitions the connection into ModeDeferred or
// ModeContinuation. It is exported for State's own bookkeeping;
// dispatch.Registry is the contract-enforcing entry point most callers
// should use instead (it rejects the conflicting-mode case with
// dispatch.ErrModeConflict before calling this).
func (s *State) SetMode(m Mode) {
	s.mut.Lock()
	s.Mode = m
	s.mut.Unlock()
}

// Reset returns the connection to a reusable state for keep-alive: frees
// no slot (Send.Reset keeps it), resets the parser, clears mode/tag.
func (s *State) Reset() {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.Send.Reset()
	s.Parser.Reset()
	s.Mode = ModeNone
	s.Tag = ReadingHeaders
	s.BytesReceived = 0
}

// Close releases the owned SendBuffer back to its pool and marks the
// connection Closing. Idempotent.
func (s *State) Close() {
	s.mut.Lock()
	defer s.mut.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.Tag = Closing
	s.Send.Free()
}

// Closed reports whether Close has already run.
func (s *State) Closed() bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.closed
}

// Alloc acquires a pool slot for this connection's SendBuffer.
func (s *State) Alloc(p *pool.Pool) error {
	return s.Send.Alloc(p)
}
