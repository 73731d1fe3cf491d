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
	"sync"
	"time"

	"github.com/packetd/emberd/internal/fasttime"
)

// Reaper sweeps registered connections and closes whichever have been
// idle past the configured timeout, same ticker-vs-done-channel shape as
// the teacher's socket.TTLCache.gc loop.
type Reaper struct {
	mut     sync.Mutex
	entries map[*State]func()

	idle time.Duration
	done chan struct{}
}

// NewReaper starts a Reaper that sweeps every idle/2, but no more often
// than once a second, closing any registered connection whose State.LastActive is
// older than idle.
func NewReaper(idle time.Duration) *Reaper {
	if idle <= 0 {
		idle = time.Minute
	}
	r := &Reaper{
		entries: make(map[*State]func()),
		idle:    idle,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Register adds s to the sweep set; onExpire is invoked (with s already
// marked Closing and its SendBuffer freed) when s is swept for idleness —
// typically the owner's net.Conn.Close.
func (r *Reaper) Register(s *State, onExpire func()) {
	r.mut.Lock()
	r.entries[s] = onExpire
	r.mut.Unlock()
}

// Unregister removes s from the sweep set, e.g. when the connection
// closes for a reason other than idleness.
func (r *Reaper) Unregister(s *State) {
	r.mut.Lock()
	delete(r.entries, s)
	r.mut.Unlock()
}

// Close stops the sweep goroutine. It does not close any registered
// connection.
func (r *Reaper) Close() {
	close(r.done)
}

// Count reports the number of connections currently registered.
func (r *Reaper) Count() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.entries)
}

func (r *Reaper) run() {
	period := r.idle / 2
	if period < time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep()
		case <-r.done:
			return
		}
	}
}

func (r *Reaper) sweep() {
	now := fasttime.UnixTimestamp()
	idleSeconds := int64(r.idle / time.Second)

	type expiry struct {
		state    *State
		onExpire func()
	}
	var expired []expiry

	r.mut.Lock()
	for s, cb := range r.entries {
		if s.idleSince(now) >= idleSeconds {
			expired = append(expired, expiry{s, cb})
			delete(r.entries, s)
		}
	}
	r.mut.Unlock()

	for _, e := range expired {
		e.state.Close()
		if e.onExpire != nil {
			e.onExpire()
		}
	}
}
