/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package ring

import (
	"errors"
	"sync"
)

// MaxCapacity bounds a single transport allocation. Requests above it are
// refused with ErrInsufficientResources instead of letting the runtime abort.
const MaxCapacity = 64 << 20

var (
	// ErrInvalidParameter reports a zero capacity, an empty write or use of an
	// uninitialized buffer.
	ErrInvalidParameter = errors.New("ring: invalid parameter")

	// ErrInsufficientResources reports a capacity that cannot be allocated.
	ErrInsufficientResources = errors.New("ring: insufficient resources")

	// ErrBufferOverflow reports a write larger than the current free space.
	// Nothing is written when it is returned.
	ErrBufferOverflow = errors.New("ring: buffer overflow")

	// ErrNoMoreEntries reports a read from an empty buffer. Callers should
	// retry later; it is not a failure.
	ErrNoMoreEntries = errors.New("ring: no more entries")
)

// Buffer is a fixed-capacity circular byte buffer shared by one producer and
// one consumer. One slot is always left empty so a full buffer can be told
// apart from an empty one: at most Capacity()-1 bytes are ever stored.
//
// All methods are safe for concurrent use. Critical sections only copy bytes;
// they never block or allocate.
type Buffer struct {
	mu   sync.Mutex
	data []byte
	head int // next write index
	tail int // next read index
}

// New creates a buffer with the given capacity.
func New(capacity int) (*Buffer, error) {
	b := &Buffer{}
	if err := b.Initialize(capacity); err != nil {
		return nil, err
	}
	return b, nil
}

// Initialize (re)allocates the storage and empties the buffer. Any previous
// storage is released first.
func (b *Buffer) Initialize(capacity int) error {
	if capacity <= 0 {
		return ErrInvalidParameter
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.data = nil
	b.head = 0
	b.tail = 0

	if capacity > MaxCapacity {
		return ErrInsufficientResources
	}

	b.data = make([]byte, capacity)
	return nil
}

// Write copies all of p into the buffer or nothing at all.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, ErrInvalidParameter
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data) == 0 {
		return 0, ErrInvalidParameter
	}
	if len(p) > b.free() {
		return 0, ErrBufferOverflow
	}

	n := copy(b.data[b.head:], p)
	if n < len(p) {
		copy(b.data, p[n:])
	}
	b.head = (b.head + len(p)) % len(b.data)

	return len(p), nil
}

// Read copies up to len(dest) bytes out of the buffer and returns how many
// were copied. When zeroPad is set and fewer bytes were available than
// requested, the rest of dest is filled with silence.
func (b *Buffer) Read(dest []byte, zeroPad bool) (int, error) {
	b.mu.Lock()

	if len(b.data) == 0 {
		b.mu.Unlock()
		return 0, ErrInvalidParameter
	}

	available := b.used()
	if available == 0 {
		b.mu.Unlock()
		return 0, ErrNoMoreEntries
	}

	toRead := min(len(dest), available)
	n := copy(dest[:toRead], b.data[b.tail:])
	if n < toRead {
		copy(dest[n:toRead], b.data)
	}
	b.tail = (b.tail + toRead) % len(b.data)

	b.mu.Unlock()

	if zeroPad && toRead < len(dest) {
		clear(dest[toRead:])
	}

	return toRead, nil
}

// FreeSpace returns how many bytes can be written right now.
func (b *Buffer) FreeSpace() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.free()
}

// UsedSpace returns how many bytes are waiting to be read.
func (b *Buffer) UsedSpace() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used()
}

// Capacity returns the size of the storage, one more than the number of
// bytes the buffer can hold.
func (b *Buffer) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Reset discards all buffered bytes. Storage and capacity are kept.
func (b *Buffer) Reset() {
	b.mu.Lock()
	b.head = 0
	b.tail = 0
	b.mu.Unlock()
}

func (b *Buffer) free() int {
	if len(b.data) == 0 {
		return 0
	}
	if b.head >= b.tail {
		return len(b.data) - (b.head - b.tail) - 1
	}
	return b.tail - b.head - 1
}

func (b *Buffer) used() int {
	if len(b.data) == 0 {
		return 0
	}
	if b.head >= b.tail {
		return b.head - b.tail
	}
	return len(b.data) - (b.tail - b.head)
}
