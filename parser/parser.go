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

// Package parser implements the streaming HTTP/1.1 request-line/header
// state machine: METHOD -> URL -> VERSION -> (HEADER_KEY <-> HEADER_VALUE)*
// -> HEADERS_COMPLETE -> (BODY | COMPLETE). It consumes bytes in
// arbitrary-size chunks via repeated Parse calls and never retains a slice
// into the caller's buffer past the call that produced it; anything that
// must outlive a call is copied into the Context or handed to the
// HeaderSink.
package parser

import (
	"math"

	"github.com/pkg/errors"
)

// ErrProtocol is the sentinel wrapped by every parse failure: a malformed
// request line/header or a limit exceeded. The parser never panics.
var ErrProtocol = errors.New("parser: protocol error")

func errProtocol(reason string) error {
	return errors.Wrap(ErrProtocol, reason)
}

// Result is the outcome of a Parse call.
type Result int

const (
	// NeedMore: no terminal state reached; call Parse again with more bytes.
	NeedMore Result = iota
	// OK: headers are complete and a body is expected; switch connection
	// state to read it.
	OK
	// Complete: the full request is ready to dispatch, no body required
	// (or a WebSocket upgrade was detected).
	Complete
)

// HeaderSink receives one callback per completed header, in wire order.
// It must copy key/value if it needs them beyond the call; the parser
// resets its accumulators for the next header immediately afterward.
type HeaderSink interface {
	StoreHeader(key, value []byte)
}

// Parser is stateless; all resumable state lives in a Context. A single
// Parser may drive any number of Contexts concurrently.
type Parser struct {
	sink HeaderSink
}

// New returns a Parser that forwards completed headers to sink. sink may
// be nil if the caller only cares about the classified fields on Context.
func New(sink HeaderSink) *Parser {
	return &Parser{sink: sink}
}

// Parse consumes as much of b as the current phase needs, advancing ctx.
// The returned int is the number of bytes of b consumed: on NeedMore this
// is always len(b); on OK or Complete it marks where header bytes end and
// any body bytes the caller already buffered begin (spec's header_bytes
// offset). On error, the returned count is the offset of the offending
// byte plus one.
func (p *Parser) Parse(ctx *Context, b []byte) (Result, int, error) {
	if ctx.phase == phaseDone {
		return Complete, 0, nil
	}

	for i, c := range b {
		res, err := p.step(ctx, c)
		if err != nil {
			return NeedMore, i + 1, err
		}
		if res != NeedMore {
			return res, i + 1, nil
		}
	}
	return NeedMore, len(b), nil
}

func isHorizontalWS(c byte) bool {
	return c == ' ' || c == '\t'
}

func (p *Parser) step(ctx *Context, c byte) (Result, error) {
	if ctx.phase != phaseDone {
		ctx.headerBytes++
		if ctx.headerBytes > MaxHeaderBytes {
			return NeedMore, errProtocol("headers too large")
		}
	}

	switch ctx.phase {
	case phaseMethod:
		if c == ' ' {
			ctx.MethodRaw = ctx.methodAcc.Text()
			ctx.Method = lookupMethod(ctx.MethodRaw)
			ctx.phase = phaseURL
			return NeedMore, nil
		}
		if !ctx.methodAcc.Write([]byte{c}) {
			return NeedMore, errProtocol("method too long")
		}
		return NeedMore, nil

	case phaseURL:
		if c == ' ' {
			ctx.URL = ctx.urlAcc.Text()
			ctx.phase = phaseVersion
			return NeedMore, nil
		}
		if !ctx.urlAcc.Write([]byte{c}) {
			return NeedMore, errProtocol("url too long")
		}
		return NeedMore, nil

	case phaseVersion:
		if c == '\n' {
			ctx.phase = phaseHeaderKey
		}
		return NeedMore, nil

	case phaseHeaderKey:
		if c == '\n' && ctx.keyAcc.Len() == 0 {
			return ctx.headersComplete()
		}
		if c == '\r' {
			return NeedMore, nil
		}
		if isHorizontalWS(c) && ctx.keyAcc.Len() == 0 {
			return NeedMore, nil
		}
		if c == ':' {
			ctx.phase = phaseHeaderValue
			ctx.valueHasStarted = false
			return NeedMore, nil
		}
		if !ctx.keyAcc.Write([]byte{c}) {
			return NeedMore, errProtocol("header key too long")
		}
		return NeedMore, nil

	case phaseHeaderValue:
		if c == '\r' {
			return NeedMore, nil
		}
		if c == '\n' {
			p.processHeader(ctx)
			ctx.keyAcc.Reset()
			ctx.valAcc.Reset()
			ctx.valueHasStarted = false
			ctx.phase = phaseHeaderKey
			return NeedMore, nil
		}
		if !ctx.valueHasStarted {
			if isHorizontalWS(c) {
				return NeedMore, nil
			}
			ctx.valueHasStarted = true
		}
		if !ctx.valAcc.Write([]byte{c}) {
			return NeedMore, errProtocol("header value too long")
		}
		return NeedMore, nil
	}

	return NeedMore, nil
}

// headersComplete implements spec.md §4.3's HEADERS_COMPLETE decision
// table.
func (ctx *Context) headersComplete() (Result, error) {
	ctx.phase = phaseDone
	if ctx.Method.RequiresContentLengthBody() && ctx.ContentLength > 0 {
		return OK, nil
	}
	return Complete, nil
}

func (p *Parser) processHeader(ctx *Context) {
	key := ctx.keyAcc.Clone()
	value := ctx.valAcc.Clone()
	ctx.headerCount++

	if p.sink != nil {
		p.sink.StoreHeader(key, value)
	}

	switch ClassifyHeader(key) {
	case HeaderContentLength:
		ctx.ContentLength = parseContentLengthClamped(value)
	case HeaderConnection:
		ctx.KeepAlive = ParseKeepAlive(value)
	case HeaderUpgrade:
		if IsWebSocketUpgrade(value) {
			ctx.UpgradeWS = true
		}
	case HeaderSecWebSocketKey:
		ctx.IsWebSocket = true
		n := copy(ctx.SecWebSocketKey[:31], value)
		ctx.SecWebSocketKey[n] = 0
	case HeaderTraceParent:
		ctx.TraceParent = string(value)
	}
}

// parseContentLengthClamped implements spec.md §4.3's overflow guard:
// strings longer than 10 digits, or any value that would not fit in a
// uint32, clamp to math.MaxUint32 rather than erroring.
func parseContentLengthClamped(value []byte) uint32 {
	if len(value) == 0 {
		return 0
	}
	if len(value) > 10 {
		return math.MaxUint32
	}

	var n uint64
	for _, c := range value {
		if c < '0' || c > '9' {
			return math.MaxUint32
		}
		n = n*10 + uint64(c-'0')
		if n > math.MaxUint32 {
			return math.MaxUint32
		}
	}
	return uint32(n)
}
