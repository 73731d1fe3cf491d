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

// Package dispatch implements the continuation/deferred handler contract:
// a request handler may finish inline, ask to be resumed once more data
// streams in (continuation), or ask to be resumed once later, off the
// read path entirely (deferred). The two resumption modes are mutually
// exclusive per connection, enforced here rather than by caller
// discipline.
package dispatch

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"

	"github.com/packetd/emberd/connstate"
	"github.com/packetd/emberd/internal/rescue"
	"github.com/packetd/emberd/internal/tracekit"
	"github.com/packetd/emberd/metrics"
)

// Status is the outcome of a Handler or ContinuationFunc invocation.
type Status int

const (
	// StatusDone means the handler fully produced its response; the
	// connection can move on to the next request (or close).
	StatusDone Status = iota
	// StatusDeferred means the handler registered a callback to resume
	// later, off the read path. No further chunks will be delivered
	// through ContinuationFunc for this registration.
	StatusDeferred
	// StatusContinuation means the handler wants to see more body
	// chunks as they arrive; it will be called again with each chunk.
	StatusContinuation
	// StatusError means the handler (or something invoked on its
	// behalf) failed; Invoke returns a non-nil error alongside it.
	StatusError
)

// ErrModeConflict is returned by Registry.RegisterDeferred or
// RegisterContinuation when the connection already has the other mode
// active. The two modes are exclusive by construction: connstate.Mode
// has no "both" value to land in.
var ErrModeConflict = errors.New("dispatch: connection already has the other dispatch mode active")

// ErrWouldBlock is a control-flow signal, not a failure: a deferred
// handler's readiness check returns it to mean "not yet". Callers must
// not log it as an error.
var ErrWouldBlock = errors.New("dispatch: operation would block")

// ErrTooManyContinuations is returned by Registry.RegisterContinuation
// once a Limiter's Config.MaxContinuations budget is already spent.
var ErrTooManyContinuations = errors.New("dispatch: too many active continuations")

// Limiter bounds how many connections may have an active continuation
// registration at once, per Config.MaxContinuations — a
// resource-constrained device can only afford so many outstanding
// resumable handlers before its SendBuffer pool starves. Shared by every
// Registry the server hands out; the nil Limiter (like the nil *Pool
// convention elsewhere in this codebase) means unlimited.
type Limiter struct {
	max    int64
	active int64
}

// NewLimiter returns a Limiter capping concurrently active continuation
// registrations at max. max <= 0 means unlimited.
func NewLimiter(max int) *Limiter {
	return &Limiter{max: int64(max)}
}

func (l *Limiter) acquire() error {
	if l == nil || l.max <= 0 {
		return nil
	}
	if atomic.AddInt64(&l.active, 1) > l.max {
		atomic.AddInt64(&l.active, -1)
		return ErrTooManyContinuations
	}
	return nil
}

func (l *Limiter) release() {
	if l == nil || l.max <= 0 {
		return
	}
	atomic.AddInt64(&l.active, -1)
}

// Active reports the number of continuation registrations currently
// counted against the limit.
func (l *Limiter) Active() int64 {
	if l == nil {
		return 0
	}
	return atomic.LoadInt64(&l.active)
}

// Handler runs a request to completion or schedules its continuation.
type Handler func(req *Request) (Status, error)

// ContinuationFunc is invoked once per body chunk for a request that
// asked to be resumed via StatusContinuation. chunk is nil on the
// initial call (mirroring the handler's first invocation), non-nil on
// every subsequent delivery, and the final call carries the last chunk
// with state.ReceivedBytes == state.ExpectedBytes.
type ContinuationFunc func(req *Request, chunk []byte, state *ContinuationState) (Status, error)

// ContinuationState carries the resumable handler's progress across
// calls. Opaque is for the handler's own bookkeeping; dispatch never
// inspects it.
type ContinuationState struct {
	Opaque        any
	Phase         uint8
	ExpectedBytes uint32
	ReceivedBytes uint32
}

// Request is the minimal view of an in-flight request a Handler needs.
// It is intentionally thin: the parser.Context and connstate.State
// backing it stay owned by the server loop.
type Request struct {
	Conn    *connstate.State
	Method  string
	URL     string
	TraceID trace.TraceID

	// Registry is the connection's continuation/deferred registration
	// point. It is nil unless the caller wires one up (server.Server does,
	// via NewRequest's caller) — a handler that never resumes doesn't
	// need it.
	Registry *Registry
}

// NewRequest builds a Request from the connection's parsed state,
// deriving TraceID from an inbound traceparent header when present and
// falling back to a freshly-minted one so every log line can carry a
// correlation id regardless of what the client sent.
func NewRequest(conn *connstate.State) *Request {
	req := &Request{
		Conn:   conn,
		Method: conn.Parser.MethodRaw,
		URL:    conn.Parser.URL,
	}
	if id, ok := tracekit.TraceIDFromTraceParent(conn.Parser.TraceParent); ok {
		req.TraceID = id
	} else {
		req.TraceID = tracekit.RandomTraceID()
	}
	return req
}

// Registry tracks the single active deferred or continuation
// registration for one connstate.State. One Registry per connection.
type Registry struct {
	conn    *connstate.State
	limiter *Limiter

	deferredDone func()
	cont         ContinuationFunc
	contState    *ContinuationState
}

// NewRegistry returns a Registry bound to conn, counting continuation
// registrations against limiter (nil means unlimited). conn.Mode is
// consulted and mutated by RegisterDeferred/RegisterContinuation/Clear.
func NewRegistry(conn *connstate.State, limiter *Limiter) *Registry {
	return &Registry{conn: conn, limiter: limiter}
}

// RegisterDeferred records onResume as the callback to invoke once the
// deferred operation is ready, and marks the connection ModeDeferred.
// Returns ErrModeConflict if the connection is already ModeContinuation.
func (r *Registry) RegisterDeferred(onResume func()) error {
	if r.conn.Mode == connstate.ModeContinuation {
		return ErrModeConflict
	}
	r.conn.SetMode(connstate.ModeDeferred)
	r.deferredDone = onResume
	return nil
}

// RegisterContinuation records fn as the chunk-delivery callback and
// marks the connection ModeContinuation. Returns ErrModeConflict if the
// connection is already ModeDeferred, or ErrTooManyContinuations if the
// Registry's Limiter has no budget left.
func (r *Registry) RegisterContinuation(fn ContinuationFunc, expected uint32) error {
	if r.conn.Mode == connstate.ModeDeferred {
		return ErrModeConflict
	}
	if err := r.limiter.acquire(); err != nil {
		return err
	}
	r.conn.SetMode(connstate.ModeContinuation)
	r.cont = fn
	r.contState = &ContinuationState{ExpectedBytes: expected}
	return nil
}

// Continuation returns the registered ContinuationFunc and its state,
// or nil if none is active.
func (r *Registry) Continuation() (ContinuationFunc, *ContinuationState) {
	return r.cont, r.contState
}

// DeferredCallback returns the registered deferred resume callback, or
// nil if none is active.
func (r *Registry) DeferredCallback() func() {
	return r.deferredDone
}

// Clear drops any active registration and returns the connection to
// ModeNone. Called once a continuation completes or a deferred callback
// runs to completion.
func (r *Registry) Clear() {
	if r.cont != nil {
		r.limiter.release()
	}
	r.deferredDone = nil
	r.cont = nil
	r.contState = nil
	r.conn.SetMode(connstate.ModeNone)
}

// Invoke runs h and recovers any panic into a StatusError result using
// the same recovery handlers rescue.HandleCrash registers elsewhere,
// so a broken handler degrades a single request instead of the process.
func Invoke(req *Request, h Handler) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			for _, fn := range rescue.PanicHandlers {
				fn(r)
			}
			status = StatusError
			err = errors.Errorf("dispatch: handler panicked: %v", r)
		}
	}()
	status, err = h(req)
	if err == ErrWouldBlock {
		metrics.ContinuationWouldBlock()
	}
	return status, err
}

// InvokeContinuation runs fn with the same panic-to-StatusError recovery
// as Invoke.
func InvokeContinuation(req *Request, fn ContinuationFunc, chunk []byte, state *ContinuationState) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			for _, h := range rescue.PanicHandlers {
				h(r)
			}
			status = StatusError
			err = errors.Errorf("dispatch: continuation handler panicked: %v", r)
		}
	}()
	status, err = fn(req, chunk, state)
	if err == ErrWouldBlock {
		metrics.ContinuationWouldBlock()
	}
	return status, err
}
