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

package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsGetters(t *testing.T) {
	o := NewOptions()
	o.Merge("count", 3)
	o.Merge("enabled", true)
	o.Merge("names", []string{"a", "b"})

	n, err := o.GetInt("count")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	b, err := o.GetBool("enabled")
	require.NoError(t, err)
	assert.True(t, b)

	names, err := o.GetStringSlice("names")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)
}

func TestOptionsDecode(t *testing.T) {
	type echoConfig struct {
		BodyLimit int  `mapstructure:"echo_body_limit"`
		Enabled   bool `mapstructure:"enabled"`
	}

	o := NewOptions()
	o.Merge("echo_body_limit", 10)
	o.Merge("enabled", true)

	var cfg echoConfig
	require.NoError(t, o.Decode(&cfg))
	assert.Equal(t, 10, cfg.BodyLimit)
	assert.True(t, cfg.Enabled)
}
