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

// Package pool implements a fixed bank of equal-size buffer slots with an
// availability bitmap, bounding total ring-buffer memory across every
// connection a device holds open.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// ErrPoolExhausted is returned by Acquire when no slot is free.
var ErrPoolExhausted = errors.New("pool exhausted")

const (
	// DefaultNSlots and DefaultSlotSize match the compile-time defaults
	// spec.md §6 calls out, exposed here as the zero-value defaults for
	// Config rather than as actual Go constants, so a device can tune
	// them through confengine without a recompile.
	DefaultNSlots   = 8
	DefaultSlotSize = 8192
)

// Config sizes a Pool. Loaded via confengine.Config.UnpackChild.
type Config struct {
	NSlots   int `config:"nslots"`
	SlotSize int `config:"slotsize"`
}

// WithDefaults fills zero fields with DefaultNSlots/DefaultSlotSize.
func (c Config) WithDefaults() Config {
	if c.NSlots <= 0 {
		c.NSlots = DefaultNSlots
	}
	if c.SlotSize <= 0 {
		c.SlotSize = DefaultSlotSize
	}
	return c
}

// Stats is a point-in-time snapshot of pool occupancy. The metrics
// package does not read it.
type Stats struct {
	InUse     uint64
	Free      uint64
	Exhausted uint64
}

// Pool is a fixed bank of nSlots slots of slotSize bytes each, tracked by
// an availability bitmap. The bitmap is the single source of truth for
// slot ownership: a slot's bytes belong to at most one SendBuffer at a
// time.
type Pool struct {
	mut      sync.Mutex
	slotSize int
	slots    [][]byte
	inUse    []bool

	exhausted uint64 // atomic
}

// New allocates a Pool of nSlots slots of slotSize bytes. All backing
// memory is allocated once, up front, and never returned to the Go
// allocator — only recycled between callers via Acquire/Release.
func New(nSlots, slotSize int) *Pool {
	cfg := Config{NSlots: nSlots, SlotSize: slotSize}.WithDefaults()

	p := &Pool{
		slotSize: cfg.SlotSize,
		slots:    make([][]byte, cfg.NSlots),
		inUse:    make([]bool, cfg.NSlots),
	}
	for i := range p.slots {
		p.slots[i] = make([]byte, cfg.SlotSize)
	}
	return p
}

// NewFromConfig is the confengine-driven constructor described in
// SPEC_FULL.md §4.1.
func NewFromConfig(cfg Config) *Pool {
	cfg = cfg.WithDefaults()
	return New(cfg.NSlots, cfg.SlotSize)
}

// SlotSize returns the fixed size of every slot in the pool.
func (p *Pool) SlotSize() int {
	return p.slotSize
}

// NSlots returns the total slot count.
func (p *Pool) NSlots() int {
	return len(p.slots)
}

// Acquire returns the lowest-index free slot's index and its backing
// array, marking the slot in-use. Returns ErrPoolExhausted when no slot
// is free.
func (p *Pool) Acquire() (int, []byte, error) {
	p.mut.Lock()
	defer p.mut.Unlock()

	for i, used := range p.inUse {
		if !used {
			p.inUse[i] = true
			return i, p.slots[i], nil
		}
	}
	atomic.AddUint64(&p.exhausted, 1)
	return -1, nil, ErrPoolExhausted
}

// Release clears the in-use bit for slotIdx. Idempotent: releasing an
// already-free slot is a no-op. Lookup is by index, never by scanning
// slot contents or pointers, so release is O(1).
func (p *Pool) Release(slotIdx int) {
	if slotIdx < 0 || slotIdx >= len(p.inUse) {
		return
	}

	p.mut.Lock()
	defer p.mut.Unlock()
	p.inUse[slotIdx] = false
}

// Stats reports current occupancy.
func (p *Pool) Stats() Stats {
	p.mut.Lock()
	var inUse uint64
	for _, used := range p.inUse {
		if used {
			inUse++
		}
	}
	total := uint64(len(p.inUse))
	p.mut.Unlock()

	return Stats{
		InUse:     inUse,
		Free:      total - inUse,
		Exhausted: atomic.LoadUint64(&p.exhausted),
	}
}
