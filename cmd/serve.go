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

package cmd

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/packetd/emberd/confengine"
	"github.com/packetd/emberd/dispatch"
	"github.com/packetd/emberd/internal/sigs"
	"github.com/packetd/emberd/logger"
	"github.com/packetd/emberd/server"
)

var serveConfigPath string

// echoConfig is decoded out of dispatch.Config.Extra at startup via
// common.Options.Decode, rather than one-off GetInt lookups, once more
// than a single knob needs reading.
type echoConfig struct {
	BodyLimit int `mapstructure:"echo_body_limit"`
}

// echoBodyLimit caps the length of the fixed "ok" body echoHandler writes.
var echoBodyLimit = 2

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the transport core and admin server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveConfigPath, "config", "c", "emberd.yml", "config file path")
	rootCmd.AddCommand(serveCmd)
}

// runServe loads config, starts the transport core and the admin
// surface, and blocks until SIGTERM/SIGINT; SIGHUP reloads the logger
// options in place without restarting the listener. Dispatch limits are
// not reloaded.
func runServe(_ *cobra.Command, _ []string) error {
	conf, err := confengine.LoadConfigPath(serveConfigPath)
	if err != nil {
		return err
	}

	var logOpt logger.Options
	if conf.Has("logger") {
		if err := conf.UnpackChild("logger", &logOpt); err != nil {
			return err
		}
		logger.SetOptions(logOpt)
	}

	dispatchCfg, err := dispatch.DecodeConfig(conf)
	if err != nil {
		return err
	}
	var ec echoConfig
	if err := dispatchCfg.Extra.Decode(&ec); err == nil && ec.BodyLimit > 0 {
		echoBodyLimit = ec.BodyLimit
	}

	srv, err := server.New(conf, echoHandler)
	if err != nil {
		return err
	}

	admin, err := server.NewAdmin(conf)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe() }()
	if admin != nil {
		go func() { errCh <- admin.ListenAndServe() }()
	}

	term := sigs.Terminate()
	reload := sigs.Reload()

	for {
		select {
		case err := <-errCh:
			return err
		case <-term:
			logger.Infof("received termination signal, shutting down")
			var result *multierror.Error
			result = multierror.Append(result, srv.Close())
			if admin != nil {
				result = multierror.Append(result, admin.Close())
			}
			return result.ErrorOrNil()
		case <-reload:
			logger.Infof("received SIGHUP, reloading config from %s", serveConfigPath)
			newConf, err := confengine.LoadConfigPath(serveConfigPath)
			if err != nil {
				logger.Errorf("config reload failed: %s", err)
				continue
			}
			var newLogOpt logger.Options
			if newConf.Has("logger") {
				if err := newConf.UnpackChild("logger", &newLogOpt); err == nil {
					logger.SetOptions(newLogOpt)
				}
			}
		}
	}
}

// echoHandler is the reference handler wired into server.Server: it
// completes every request immediately, enough to exercise the full
// pool/sendbuf/parser/connstate/dispatch path without implementing
// application routing, which is out of this repository's scope.
func echoHandler(req *dispatch.Request) (dispatch.Status, error) {
	buf, n := req.Conn.Send.WritePtr()
	if n == 0 {
		return dispatch.StatusDone, nil
	}

	body := []byte("ok")
	if echoBodyLimit < len(body) {
		body = body[:echoBodyLimit]
	}
	status := []byte(fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n", len(body)))
	written := copy(buf, status)
	written += copy(buf[written:], body)
	req.Conn.Send.Commit(written)
	req.Conn.Send.SetHeadersDone()
	return dispatch.StatusDone, nil
}
