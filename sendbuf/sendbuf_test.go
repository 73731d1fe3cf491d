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

package sendbuf

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/emberd/pool"
)

func drain(t *testing.T, b *Buffer) []byte {
	t.Helper()
	var out []byte
	for {
		p, n := b.Peek()
		if n == 0 {
			break
		}
		out = append(out, p...)
		b.Consume(n)
	}
	return out
}

func TestEmptySnap(t *testing.T) {
	p := pool.New(1, 64)
	b := New()
	require.NoError(t, b.Alloc(p))

	payload := bytes.Repeat([]byte{'X'}, 64-20)
	_, err := b.Queue(payload)
	require.NoError(t, err)

	got := drain(t, b)
	assert.Equal(t, payload, got)

	assert.Equal(t, 0, b.head)
	assert.Equal(t, 0, b.tail)
	assert.Equal(t, 64-1, b.Space())

	_, n := b.WritePtr()
	assert.GreaterOrEqual(t, n, 10)
}

func TestWrapIntegrity(t *testing.T) {
	p := pool.New(1, 64)
	b := New()
	require.NoError(t, b.Alloc(p))

	_, err := b.Queue(bytes.Repeat([]byte{'S'}, 64-4))
	require.NoError(t, err)
	b.Consume(64 - 4)
	assert.Equal(t, 0, b.head)
	assert.Equal(t, 0, b.tail)

	// Draining to empty snaps head back to 0 each time, so the payload
	// below lands at offset 0 and does not wrap; TestWrapIntegrityMidRing
	// covers a payload that straddles the wrap point.
	_, err = b.Queue(bytes.Repeat([]byte{'Z'}, 60))
	require.NoError(t, err)
	b.Consume(60)
	assert.Equal(t, 0, b.head)
	assert.Equal(t, 0, b.tail)

	_, err = b.Queue([]byte("0123456789ABCDEF0123456789ABCDEF"))
	require.NoError(t, err)

	got := drain(t, b)
	assert.Equal(t, []byte("0123456789ABCDEF0123456789ABCDEF"), got)
}

func TestWrapIntegrityMidRing(t *testing.T) {
	p := pool.New(1, 64)
	b := New()
	require.NoError(t, b.Alloc(p))

	// Push head close to the end of the slot, then consume only part of
	// it, so head stays near the end without being snapped back to 0 by
	// the empty-snap rule.
	_, err := b.Queue(bytes.Repeat([]byte{'S'}, 60))
	require.NoError(t, err)
	b.Consume(50)
	assert.NotEqual(t, 0, b.tail)
	assert.Equal(t, 60, b.head)

	// size-head == 4, so this 32-byte payload must straddle the wrap.
	payload := []byte("0123456789ABCDEF0123456789ABCDEF")
	_, err = b.Queue(payload)
	require.NoError(t, err)

	got := drain(t, b)
	assert.Equal(t, append(bytes.Repeat([]byte{'S'}, 10), payload...), got)
}

func TestFullVsEmptyDisambiguation(t *testing.T) {
	p := pool.New(1, 64)
	b := New()
	require.NoError(t, b.Alloc(p))

	_, err := b.Queue(bytes.Repeat([]byte{'a'}, 63))
	require.NoError(t, err)
	assert.Equal(t, 0, b.Space())

	_, err = b.Queue([]byte("x"))
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestQueueRejectsEmptyAndUnallocated(t *testing.T) {
	b := New()
	_, err := b.Queue([]byte("x"))
	assert.Error(t, err)

	p := pool.New(1, 64)
	require.NoError(t, b.Alloc(p))
	_, err = b.Queue(nil)
	assert.ErrorIs(t, err, ErrNoSpace)
}

func TestAllocIdempotentAndFreeIdempotent(t *testing.T) {
	p := pool.New(1, 64)
	b := New()
	require.NoError(t, b.Alloc(p))
	require.NoError(t, b.Alloc(p))
	assert.Equal(t, uint64(1), p.Stats().InUse)

	b.Free()
	b.Free()
	assert.Equal(t, uint64(0), p.Stats().InUse)
	assert.False(t, b.IsAllocated())
}

func TestPoolExhaustedPropagates(t *testing.T) {
	p := pool.New(1, 64)
	a, b := New(), New()
	require.NoError(t, a.Alloc(p))

	err := b.Alloc(p)
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestStartFileClosesPreviousFD(t *testing.T) {
	f1, err := os.CreateTemp(t.TempDir(), "sendbuf1")
	require.NoError(t, err)
	f2, err := os.CreateTemp(t.TempDir(), "sendbuf2")
	require.NoError(t, err)

	p := pool.New(1, 64)
	b := New()
	require.NoError(t, b.Alloc(p))

	require.NoError(t, b.StartFile(f1, 0))
	require.NoError(t, b.StartFile(f2, 0))

	_, err = f1.Write([]byte("x"))
	assert.Error(t, err, "previous file descriptor should already be closed")
}

func TestStartFileRejectsNilFD(t *testing.T) {
	b := New()
	err := b.StartFile(nil, 0)
	assert.ErrorIs(t, err, ErrInvalidFD)
}

func TestIsStreamingConsistency(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "sendbuf")
	require.NoError(t, err)

	p := pool.New(1, 64)
	b := New()
	require.NoError(t, b.Alloc(p))
	assert.False(t, b.IsStreaming())

	require.NoError(t, b.StartFile(f, 5))
	assert.True(t, b.IsStreaming())

	b.StopFile()
	assert.False(t, b.IsStreaming())
}

func TestRefillStopsAtBudgetAndNeverBlocksWithoutSpace(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "sendbuf")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello world"))
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)

	p := pool.New(1, 64)
	b := New()
	require.NoError(t, b.Alloc(p))
	require.NoError(t, b.StartFile(f, 5))

	n, err := b.Refill()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(0), b.FileRemaining())

	got := drain(t, b)
	assert.Equal(t, []byte("hello"), got)

	n, err = b.Refill()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestWriteChunkFraming(t *testing.T) {
	p := pool.New(1, 128)
	b := New()
	require.NoError(t, b.Alloc(p))

	require.NoError(t, b.WriteChunk([]byte("hello")))
	require.NoError(t, b.WriteChunkEnd())

	got := drain(t, b)
	assert.Equal(t, []byte("5\r\nhello\r\n0\r\n\r\n"), got)
}

func TestResetClosesFileAndKeepsSlot(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "sendbuf")
	require.NoError(t, err)

	p := pool.New(1, 64)
	b := New()
	require.NoError(t, b.Alloc(p))
	require.NoError(t, b.StartFile(f, 10))
	_, err = b.Queue([]byte("data"))
	require.NoError(t, err)

	b.Reset()
	assert.True(t, b.IsAllocated())
	assert.False(t, b.IsStreaming())
	assert.Equal(t, 0, b.Len())
}
