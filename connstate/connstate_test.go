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

package connstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/emberd/pool"
)

func TestModeExclusivity(t *testing.T) {
	s := New()
	assert.Equal(t, ModeNone, s.Mode)

	s.SetMode(ModeDeferred)
	assert.Equal(t, ModeDeferred, s.Mode)

	// Switching to continuation is a plain overwrite at this layer — the
	// exclusivity invariant is enforced by dispatch.Registry at
	// registration time, not by State itself refusing the assignment.
	s.SetMode(ModeContinuation)
	assert.Equal(t, ModeContinuation, s.Mode)
	assert.NotEqual(t, ModeNone, s.Mode)
}

func TestStateCloseIsIdempotentAndFreesSlot(t *testing.T) {
	p := pool.New(1, 64)
	s := New()
	require.NoError(t, s.Alloc(p))
	assert.Equal(t, uint64(1), p.Stats().InUse)

	s.Close()
	s.Close()
	assert.True(t, s.Closed())
	assert.Equal(t, uint64(0), p.Stats().InUse)
}

func TestReaperClosesIdleConnections(t *testing.T) {
	r := NewReaper(2 * time.Second)
	defer r.Close()

	p := pool.New(1, 64)
	s := New()
	require.NoError(t, s.Alloc(p))
	s.LastActive = 0 // force idle relative to any "now"

	closed := make(chan struct{}, 1)
	r.Register(s, func() { closed <- struct{}{} })
	assert.Equal(t, 1, r.Count())

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Fatal("reaper did not close idle connection in time")
	}
	assert.True(t, s.Closed())
	assert.Equal(t, 0, r.Count())
}

func TestReaperUnregister(t *testing.T) {
	r := NewReaper(time.Minute)
	defer r.Close()

	s := New()
	r.Register(s, func() { t.Fatal("should not be called after unregister") })
	r.Unregister(s)
	assert.Equal(t, 0, r.Count())
}
