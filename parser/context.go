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

package parser

import "github.com/packetd/emberd/internal/bufbytes"

// Limits, unchanged from spec.md §4.3.
const (
	MaxMethodLen      = 7
	MaxURLLen         = 255
	MaxHeaderKeyLen   = 64
	MaxHeaderValueLen = 254
	MaxHeaderBytes    = 4096
)

type phase int

const (
	phaseMethod phase = iota
	phaseURL
	phaseVersion
	phaseHeaderKey
	phaseHeaderValue
	phaseDone
)

// Context is the parser's resumable state: everything needed to pick up
// parsing across arbitrary-size Parse calls. Valid only for the duration
// of a single request; call Reset before reusing for the next one.
type Context struct {
	phase phase

	methodAcc *bufbytes.Bytes
	urlAcc    *bufbytes.Bytes
	keyAcc    *bufbytes.Bytes
	valAcc    *bufbytes.Bytes

	valueHasStarted bool

	headerBytes int
	headerCount int

	// Classification-derived fields, populated by process_header side
	// effects (spec.md §4.3). These are the values that must outlive a
	// single Parse call, so unlike the raw key/value slices they are
	// owned copies, not borrows into the caller's buffer.
	Method          Method
	MethodRaw       string
	URL             string
	ContentLength   uint32
	KeepAlive       bool
	IsWebSocket     bool
	UpgradeWS       bool
	SecWebSocketKey [32]byte
	TraceParent     string
}

// NewContext returns a freshly-reset Context.
func NewContext() *Context {
	ctx := &Context{}
	ctx.Reset()
	return ctx
}

// Reset discards all per-request state so the Context can parse the next
// request on the same connection.
func (ctx *Context) Reset() {
	ctx.phase = phaseMethod
	ctx.methodAcc = bufbytes.New(MaxMethodLen)
	ctx.urlAcc = bufbytes.New(MaxURLLen)
	ctx.keyAcc = bufbytes.New(MaxHeaderKeyLen)
	ctx.valAcc = bufbytes.New(MaxHeaderValueLen)
	ctx.valueHasStarted = false
	ctx.headerBytes = 0
	ctx.headerCount = 0
	ctx.Method = Any
	ctx.MethodRaw = ""
	ctx.URL = ""
	ctx.ContentLength = 0
	ctx.KeepAlive = true
	ctx.IsWebSocket = false
	ctx.UpgradeWS = false
	ctx.SecWebSocketKey = [32]byte{}
	ctx.TraceParent = ""
}

// HeaderCount reports how many headers were dispatched to the sink for
// the current request.
func (ctx *Context) HeaderCount() int {
	return ctx.headerCount
}

// HeaderBytes reports the running total of bytes consumed toward the
// MaxHeaderBytes budget.
func (ctx *Context) HeaderBytes() int {
	return ctx.headerBytes
}
