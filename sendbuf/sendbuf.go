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

// Package sendbuf implements the per-connection ring-buffered send
// pipeline: a fixed-capacity ring borrowed from a pool.Pool slot, zero-copy
// read/write windows, chunked transfer-encoding framing, and sendfile-style
// file streaming.
package sendbuf

import (
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"

	"github.com/packetd/emberd/internal/zerocopy"
	"github.com/packetd/emberd/metrics"
	"github.com/packetd/emberd/pool"
)

// ErrPoolExhausted is returned by Alloc when the backing pool has no free
// slot. It is the same sentinel as pool.ErrPoolExhausted so errors.Is
// matches regardless of which package's error a caller is holding.
var ErrPoolExhausted = pool.ErrPoolExhausted

// ErrNoSpace is returned by Queue when the ring cannot hold the requested
// bytes. Transient: callers should retry after draining via Peek/Consume.
var ErrNoSpace = errors.New("sendbuf: no space")

// ErrInvalidFD is returned by StartFile when given a nil file.
var ErrInvalidFD = errors.New("sendbuf: invalid file descriptor")

// flags packs the ring's boolean state into a single byte instead of a
// struct of bools, per spec.md §9's flag-bit guidance — masks stay
// unexported, never surfaced as a struct layout callers can depend on.
type flags uint8

const (
	flagAllocated flags = 1 << iota
	flagStreaming
	flagHeadersDone
)

// Buffer is a ring over one pool.Pool slot plus optional file-streaming
// state. The zero value is a valid, uninitialized Buffer (state UNINIT in
// spec.md §4.2's state machine); call Alloc before use.
type Buffer struct {
	pool    *pool.Pool
	slotIdx int
	slot    []byte
	size    int

	head, tail int
	flags      flags

	file          *os.File
	fileRemaining int64
}

// New returns an uninitialized Buffer, equivalent to Init.
func New() *Buffer {
	b := &Buffer{}
	b.Init()
	return b
}

// Init zeroes cursors, clears any slot reference, and clears all flags.
func (b *Buffer) Init() {
	b.pool = nil
	b.slotIdx = -1
	b.slot = nil
	b.size = 0
	b.head, b.tail = 0, 0
	b.flags = 0
	b.closeFile()
}

// Alloc acquires a slot from p on first call; idempotent on repeat calls
// while already allocated. Returns ErrPoolExhausted if the pool has no
// free slot.
func (b *Buffer) Alloc(p *pool.Pool) error {
	if b.flags&flagAllocated != 0 {
		return nil
	}

	idx, slot, err := p.Acquire()
	if err != nil {
		return errors.Wrap(err, "sendbuf: alloc")
	}

	b.pool = p
	b.slotIdx = idx
	b.slot = slot
	b.size = len(slot)
	b.head, b.tail = 0, 0
	b.flags |= flagAllocated
	return nil
}

// Free returns the slot (if any) to the pool, closes any streaming file,
// and resets to the UNINIT state. Idempotent.
func (b *Buffer) Free() {
	b.closeFile()
	if b.flags&flagAllocated != 0 && b.pool != nil {
		b.pool.Release(b.slotIdx)
	}
	b.Init()
}

// Reset retains the slot but clears cursors, closes any streaming file,
// and zeros all flag bits except allocation. The slot's bytes are not
// zeroed.
func (b *Buffer) Reset() {
	b.closeFile()
	b.head, b.tail = 0, 0
	b.flags &^= flagStreaming | flagHeadersDone
}

// IsAllocated reports whether the buffer currently owns a pool slot.
func (b *Buffer) IsAllocated() bool {
	return b.flags&flagAllocated != 0
}

// SetHeadersDone marks that the response header block has already been
// queued, so the dispatcher knows a PROTOCOL_ERROR can no longer be
// downgraded to a synthetic 400 (spec.md §7's propagation policy).
func (b *Buffer) SetHeadersDone() {
	b.flags |= flagHeadersDone
}

// HeadersDone reports whether SetHeadersDone has been called since the
// last Reset/Free.
func (b *Buffer) HeadersDone() bool {
	return b.flags&flagHeadersDone != 0
}

// pending returns the number of unread bytes currently in the ring.
func (b *Buffer) pending() int {
	if b.size == 0 {
		return 0
	}
	return ((b.head-b.tail)%b.size + b.size) % b.size
}

// Space returns the number of bytes that may still be queued before the
// ring is full. One slot of capacity is always sacrificed to disambiguate
// full from empty.
func (b *Buffer) Space() int {
	if b.size == 0 {
		return 0
	}
	return b.size - 1 - b.pending()
}

// Len reports the number of unread bytes currently queued.
func (b *Buffer) Len() int {
	return b.pending()
}

// Queue appends data, failing with ErrNoSpace if it does not fit, the
// buffer is unallocated, or data is empty. On success every byte is
// written via at most two contiguous copies.
func (b *Buffer) Queue(data []byte) (int, error) {
	if b.flags&flagAllocated == 0 {
		return 0, errors.Wrap(ErrNoSpace, "sendbuf: not allocated")
	}
	n := len(data)
	if n == 0 || n > b.Space() {
		if n > 0 {
			metrics.RingNoSpace()
		}
		return 0, ErrNoSpace
	}

	if n <= b.size-b.head {
		copy(b.slot[b.head:], data)
		b.head += n
		if b.head == b.size {
			b.head = 0
		}
	} else {
		first := b.size - b.head
		copy(b.slot[b.head:], data[:first])
		copy(b.slot[0:], data[first:])
		b.head = n - first
	}
	return n, nil
}

// contiguousReadLen returns the length of the maximal contiguous run
// starting at tail, ending at either head or the end of the slot,
// whichever comes first.
func (b *Buffer) contiguousReadLen() int {
	pend := b.pending()
	if pend == 0 {
		return 0
	}
	if b.tail < b.head {
		return b.head - b.tail
	}
	return b.size - b.tail
}

// Peek returns the maximal contiguous unread run and its length, or
// (nil, 0) when empty or unallocated. The returned slice aliases the pool
// slot directly: it is a read-only zero-copy window, valid until the next
// Consume/Queue/Commit call on this Buffer.
func (b *Buffer) Peek() ([]byte, int) {
	n := b.contiguousReadLen()
	if n == 0 {
		return nil, 0
	}
	zb := zerocopy.NewBuffer(b.slot[b.tail : b.tail+n])
	p, _ := zb.Read(n)
	return p, len(p)
}

// Consume advances tail by min(n, pending). When the advance empties the
// ring, both cursors snap to 0 (the empty-snap rule) so the next Queue
// sees the whole slot as one contiguous run starting at offset 0 — the
// invariant chunked encoding depends on to always find room for its
// prologue once the drain catches up.
func (b *Buffer) Consume(n int) {
	pend := b.pending()
	if n > pend {
		n = pend
	}
	if b.size > 0 {
		b.tail = (b.tail + n) % b.size
	}
	if b.head == b.tail {
		b.head, b.tail = 0, 0
	}
}

// WritePtr returns a zero-copy write window at head and the lesser of
// (bytes to end of slot, total Space()). The caller may write up to that
// many bytes in place, then call Commit.
func (b *Buffer) WritePtr() ([]byte, int) {
	space := b.Space()
	if space == 0 {
		return nil, 0
	}
	toEnd := b.size - b.head
	n := toEnd
	if space < n {
		n = space
	}
	return b.slot[b.head : b.head+n], n
}

// Commit advances head by n, wrapping at size. The caller is responsible
// for not exceeding the length returned by the preceding WritePtr call.
func (b *Buffer) Commit(n int) {
	if b.size == 0 || n <= 0 {
		return
	}
	b.head = (b.head + n) % b.size
}

// StartFile records a borrowed *os.File and a remaining-byte budget,
// closing any previously-recorded file. It does not read from the file;
// Refill is responsible for that.
func (b *Buffer) StartFile(f *os.File, size int64) error {
	if f == nil {
		return ErrInvalidFD
	}
	b.closeFile()
	b.file = f
	b.fileRemaining = size
	b.flags |= flagStreaming
	return nil
}

// StopFile closes the borrowed file (if any) and clears streaming state.
func (b *Buffer) StopFile() {
	b.closeFile()
}

func (b *Buffer) closeFile() {
	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
	b.fileRemaining = 0
	b.flags &^= flagStreaming
}

// IsStreaming reports whether a file is currently open for streaming.
func (b *Buffer) IsStreaming() bool {
	return b.flags&flagStreaming != 0 && b.file != nil
}

// FileRemaining reports the number of bytes left to stream.
func (b *Buffer) FileRemaining() int64 {
	return b.fileRemaining
}

// Refill performs at most one Read from the streaming file into the ring
// via WritePtr/Commit, decrementing the remaining-byte budget. It never
// blocks past that one syscall and returns (0, nil) when the ring has no
// free contiguous space or no file is streaming — the event loop owns
// calling StopFile once FileRemaining reaches 0.
func (b *Buffer) Refill() (int, error) {
	if !b.IsStreaming() || b.fileRemaining <= 0 {
		return 0, nil
	}

	p, n := b.WritePtr()
	if n == 0 {
		return 0, nil
	}
	if int64(n) > b.fileRemaining {
		n = int(b.fileRemaining)
	}

	read, err := b.file.Read(p[:n])
	if read > 0 {
		b.Commit(read)
		b.fileRemaining -= int64(read)
	}
	if err != nil && err != io.EOF {
		return read, errors.Wrap(err, "sendbuf: refill")
	}
	return read, nil
}

// chunkScratchSize bounds the hex-length + CRLF prologue. SlotSize up to
// "2000\r\n" (6 bytes) is the worst case spec.md §9 calls out; 8 bytes
// leaves headroom without a heap allocation.
const chunkScratchSize = 8

// WriteChunk queues data framed as a chunked-transfer-encoding chunk:
// "<hex-size>\r\n<bytes>\r\n". The three pieces are queued back to back so
// the frame is atomic from the caller's point of view even though the
// ring may wrap mid-frame.
func (b *Buffer) WriteChunk(data []byte) error {
	var scratch [chunkScratchSize]byte
	hexLen := strconv.AppendUint(scratch[:0], uint64(len(data)), 16)
	prologue := append(hexLen, '\r', '\n')

	if b.Space() < len(prologue)+len(data)+2 {
		return ErrNoSpace
	}
	if _, err := b.Queue(prologue); err != nil {
		return err
	}
	if _, err := b.Queue(data); err != nil {
		return err
	}
	_, err := b.Queue([]byte("\r\n"))
	return err
}

// WriteChunkEnd queues the terminal chunk "0\r\n\r\n".
func (b *Buffer) WriteChunkEnd() error {
	_, err := b.Queue([]byte("0\r\n\r\n"))
	return err
}
