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

package dispatch

import (
	"time"

	"github.com/packetd/emberd/common"
	"github.com/packetd/emberd/confengine"
)

// Config controls deferred/continuation scheduling limits, decoded from
// the "dispatch" config section the same way every other module decodes
// its own section via confengine.Config.UnpackChild. Extra is a
// free-form escape hatch (common.Options, the teacher's generic
// string-keyed config map) for handler-specific tuning that doesn't
// warrant its own typed field.
type Config struct {
	IdleTimeout      time.Duration  `config:"idle_timeout"`
	MaxContinuations int            `config:"max_continuations"`
	Extra            common.Options `config:"extra"`
}

// DefaultConfig matches spec.md's single-threaded default deployment:
// a handful of concurrent continuations, generous idle allowance since
// a deferred op may legitimately wait on an external resource.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:      30 * time.Second,
		MaxContinuations: 16,
		Extra:            common.NewOptions(),
	}
}

// DecodeConfig reads the "dispatch" section, falling back to
// DefaultConfig for any field the section omits.
func DecodeConfig(conf *confengine.Config) (Config, error) {
	cfg := DefaultConfig()
	if conf == nil || !conf.Has("dispatch") {
		return cfg, nil
	}
	if err := conf.UnpackChild("dispatch", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
