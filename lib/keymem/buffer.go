// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package keymem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Buffer holds key material in memory that is locked against swapping
// and zeroed on close. The backing memory is allocated via mmap
// outside the Go heap.
//
// A Buffer must not be copied after creation. After Close, Bytes
// panics.
type Buffer struct {
	mu     sync.Mutex
	data   []byte
	closed bool
}

// NewBuffer allocates a locked buffer of the given size.
func NewBuffer(size int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("keymem: buffer size must be positive, got %d", size)
	}

	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("keymem: mmap failed: %w", err)
	}
	if err := unix.Mlock(data); err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("keymem: mlock failed: %w", err)
	}

	return &Buffer{data: data}, nil
}

// NewBufferFromBytes copies source into a locked buffer and zeroes
// the source in place, so the caller's slice no longer holds the key.
func NewBufferFromBytes(source []byte) (*Buffer, error) {
	if len(source) == 0 {
		return nil, fmt.Errorf("keymem: cannot create buffer from empty source")
	}
	buffer, err := NewBuffer(len(source))
	if err != nil {
		return nil, err
	}
	copy(buffer.data, source)
	Zero(source)
	return buffer, nil
}

// Bytes returns the key material. The returned slice points directly
// into the locked region; do not retain it beyond the Buffer's
// lifetime. Panics if the buffer has been closed.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		panic("keymem: read from closed buffer")
	}
	return b.data
}

// Close zeroes the contents, unlocks, and unmaps the memory. Close is
// idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	Zero(b.data)

	var firstError error
	if err := unix.Munlock(b.data); err != nil {
		firstError = fmt.Errorf("keymem: munlock failed: %w", err)
	}
	if err := unix.Munmap(b.data); err != nil && firstError == nil {
		firstError = fmt.Errorf("keymem: munmap failed: %w", err)
	}
	b.data = nil
	return firstError
}

// Zero overwrites buffer with zero bytes.
func Zero(buffer []byte) {
	for index := range buffer {
		buffer[index] = 0
	}
}
