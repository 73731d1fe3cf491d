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

package server

import (
	"net"
	"time"

	"github.com/packetd/emberd/confengine"
	"github.com/packetd/emberd/connstate"
	"github.com/packetd/emberd/dispatch"
	"github.com/packetd/emberd/internal/rescue"
	"github.com/packetd/emberd/logger"
	"github.com/packetd/emberd/metrics"
	"github.com/packetd/emberd/parser"
	"github.com/packetd/emberd/pool"
)

// Config controls the transport core: listen address, buffer pool
// sizing, and idle-connection timeout. Unlike AdminConfig this section
// drives the actual HTTP surface, not diagnostics.
type Config struct {
	Address     string        `config:"address"`
	IdleTimeout time.Duration `config:"idle_timeout"`
	Pool        pool.Config   `config:"pool"`
}

// HandlerFunc processes one fully-parsed request. It is the seam
// between the transport core and application logic — the reference
// handler in cmd answers every request with a fixed "ok" body, enough to exercise
// pool, sendbuf, parser, connstate and dispatch end to end without
// reimplementing the non-blocking reactor spec.md explicitly excludes.
type HandlerFunc func(req *dispatch.Request) (dispatch.Status, error)

// Server accepts connections on a plain blocking net.Listener — one
// goroutine per connection, deliberately not the non-blocking reactor
// the distributed spec describes for the embedded target. It exercises
// the same pool/sendbuf/parser/connstate/dispatch stack that
// reactor would, just with OS threads standing in for cooperative I/O.
type Server struct {
	config  Config
	pool    *pool.Pool
	reaper  *connstate.Reaper
	limiter *dispatch.Limiter
	handler HandlerFunc

	listener net.Listener
	closing  chan struct{}
}

// New constructs a Server from its config section. handler is invoked
// once per complete request; it may return dispatch.StatusContinuation
// or StatusDeferred per dispatch's contract, registering the resumption
// through req.Registry, which this Server hands every Request and caps
// at the "dispatch" section's max_continuations. The connection loop
// itself never calls a registered ContinuationFunc or deferred callback:
// after a status other than StatusDone, each further read on the
// connection invokes handler again.
func New(conf *confengine.Config, handler HandlerFunc) (*Server, error) {
	var config Config
	if err := conf.UnpackChild("server", &config); err != nil {
		return nil, err
	}
	cfg := config.Pool.WithDefaults()

	dispatchCfg, err := dispatch.DecodeConfig(conf)
	if err != nil {
		return nil, err
	}

	return &Server{
		config:  config,
		pool:    pool.NewFromConfig(cfg),
		reaper:  connstate.NewReaper(config.IdleTimeout),
		limiter: dispatch.NewLimiter(dispatchCfg.MaxContinuations),
		handler: handler,
		closing: make(chan struct{}),
	}, nil
}

// ListenAndServe blocks accepting connections until Close is called.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	s.listener = l
	logger.Infof("transport core listening on %s", s.config.Address)

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.closing:
				return nil
			default:
				logger.Errorf("accept failed: %s", err)
				continue
			}
		}
		metrics.ConnectionOpened()
		go s.serveConn(conn)
	}
}

// Close stops accepting new connections and the idle reaper.
func (s *Server) Close() error {
	close(s.closing)
	s.reaper.Close()
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// synthetic400 is the best-effort response written when a PROTOCOL_ERROR
// is caught before any bytes of a real response went out, per spec.md
// §7's conversion policy. No body, and the connection always closes
// afterward rather than trying to resynchronize on a stream the parser
// rejected.
const synthetic400 = "HTTP/1.1 400 Bad Request\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"

// drainSend empties state.Send onto conn, one contiguous run at a time,
// looping past partial writes. It is the event-loop half of spec.md §2's
// "handler queues into SendBuffer, event loop drains SendBuffer to
// socket" data flow — Queue/WritePtr only fill the ring, this is what
// actually puts the bytes on the wire.
func (s *Server) drainSend(conn net.Conn, state *connstate.State) error {
	for {
		p, n := state.Send.Peek()
		if n == 0 {
			return nil
		}
		written := 0
		for written < n {
			w, err := conn.Write(p[written:])
			if err != nil {
				return err
			}
			written += w
		}
		state.Send.Consume(written)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer rescue.HandleCrash()
	defer metrics.ConnectionClosed()
	defer conn.Close()

	state := connstate.New()
	if err := state.Alloc(s.pool); err != nil {
		metrics.PoolExhausted()
		logger.Errorf("pool exhausted, dropping connection from %s", conn.RemoteAddr())
		return
	}
	defer state.Close()

	s.reaper.Register(state, func() { conn.Close() })
	defer s.reaper.Unregister(state)

	registry := dispatch.NewRegistry(state, s.limiter)
	defer registry.Clear()

	p := parser.New(nil)
	buf := make([]byte, 4096)

	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		state.Touch()
		state.BytesReceived += uint64(n)

		res, _, err := p.Parse(state.Parser, buf[:n])
		if err != nil {
			metrics.ParserProtocolError(err.Error())
			if !state.Send.HeadersDone() {
				if _, qerr := state.Send.Queue([]byte(synthetic400)); qerr == nil {
					state.Send.SetHeadersDone()
					_ = s.drainSend(conn, state)
				}
			}
			return
		}
		if res == parser.NeedMore {
			continue
		}

		req := dispatch.NewRequest(state)
		req.Registry = registry
		status, err := dispatch.Invoke(req, s.handler)
		if err != nil {
			logger.Errorf("handler error for %s %s [trace=%s]: %s", req.Method, req.URL, req.TraceID, err)
		}
		if err := s.drainSend(conn, state); err != nil {
			return
		}
		if status == dispatch.StatusDone {
			if !state.Parser.KeepAlive {
				return
			}
			state.Reset()
			if err := state.Alloc(s.pool); err != nil {
				metrics.PoolExhausted()
				return
			}
		}
	}
}
