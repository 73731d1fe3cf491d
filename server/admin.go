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
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/packetd/emberd/confengine"
	"github.com/packetd/emberd/logger"
)

// RequestIDHeader carries a per-request correlation id on every admin
// HTTP response, independent of the transport core's own
// traceparent-derived ids (the admin surface is plain net/http, not a
// parsed connstate.State).
const RequestIDHeader = "X-Request-Id"

// AdminConfig controls the diagnostics-only HTTP server that exposes
// pprof and the metrics registry. It is deliberately separate from the
// embedded transport core (Server, in server.go): the admin surface runs
// on the host's own net/http stack, since none of its handlers run on a
// resource-constrained device.
type AdminConfig struct {
	Enabled bool          `config:"enabled"`
	Address string        `config:"address"`
	Pprof   bool          `config:"pprof"`
	Timeout time.Duration `config:"timeout"`
}

// Admin serves pprof and metrics routes over net/http.
type Admin struct {
	config AdminConfig
	router *mux.Router
	server *http.Server
}

// NewAdmin returns nil when the admin config section is disabled;
// callers must check before use.
func NewAdmin(conf *confengine.Config) (*Admin, error) {
	var config AdminConfig
	if err := conf.UnpackChild("admin", &config); err != nil {
		return nil, err
	}
	if !config.Enabled {
		return nil, nil
	}

	router := mux.NewRouter()
	router.Use(requestIDMiddleware)
	a := &Admin{
		config: config,
		router: router,
		server: &http.Server{
			Handler:      router,
			ReadTimeout:  config.Timeout,
			WriteTimeout: config.Timeout,
		},
	}
	if config.Pprof {
		a.registerPprofRoutes()
	}
	a.RegisterGetRoute("/metrics", promhttp.Handler().ServeHTTP)
	return a, nil
}

func (a *Admin) ListenAndServe() error {
	l, err := net.Listen("tcp", a.config.Address)
	if err != nil {
		return err
	}
	logger.Infof("admin server listening on %s", a.config.Address)
	return a.server.Serve(l)
}

// Close shuts the admin HTTP server down. Safe to call even if
// ListenAndServe never got past net.Listen.
func (a *Admin) Close() error {
	return a.server.Close()
}

func (a *Admin) RegisterGetRoute(path string, f http.HandlerFunc) {
	a.router.Methods(http.MethodGet).Path(path).HandlerFunc(f)
}

func (a *Admin) RegisterPostRoute(path string, f http.HandlerFunc) {
	a.router.Methods(http.MethodPost).Path(path).HandlerFunc(f)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(RequestIDHeader, uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (a *Admin) registerPprofRoutes() {
	a.RegisterGetRoute("/debug/pprof/cmdline", pprof.Cmdline)
	a.RegisterGetRoute("/debug/pprof/profile", pprof.Profile)
	a.RegisterGetRoute("/debug/pprof/symbol", pprof.Symbol)
	a.RegisterGetRoute("/debug/pprof/trace", pprof.Trace)
	a.RegisterGetRoute("/debug/pprof/{other}", pprof.Index)
}
