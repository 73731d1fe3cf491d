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

package sigs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfReloadSignalsReloadChannel(t *testing.T) {
	ch := Reload()
	require.NoError(t, SelfReload())

	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("SelfReload did not deliver SIGHUP to the Reload channel")
	}
}

func TestTerminateChannelIsBuffered(t *testing.T) {
	ch := Terminate()
	assert.NotNil(t, ch)
	assert.Equal(t, 1, cap(ch))
}
