// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package negotiate

import "github.com/pion/webrtc/v4"

// DefaultBufferCapacity is the default bound on inbound ICE
// candidates held before the remote description is set.
const DefaultBufferCapacity = 100

// candidateBuffer is a bounded FIFO of inbound ICE candidates that
// arrived before the remote description was set. On overflow the
// oldest candidate is dropped; late candidates from a live peer are
// more likely to still be valid than the earliest ones.
type candidateBuffer struct {
	capacity int
	entries  []webrtc.ICECandidateInit
}

func newCandidateBuffer(capacity int) *candidateBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &candidateBuffer{capacity: capacity}
}

// push appends a candidate, dropping the oldest entry if the buffer
// is full. Reports whether a candidate was dropped.
func (b *candidateBuffer) push(candidate webrtc.ICECandidateInit) bool {
	dropped := false
	if len(b.entries) >= b.capacity {
		copy(b.entries, b.entries[1:])
		b.entries = b.entries[:len(b.entries)-1]
		dropped = true
	}
	b.entries = append(b.entries, candidate)
	return dropped
}

// drain returns all buffered candidates in arrival order and empties
// the buffer.
func (b *candidateBuffer) drain() []webrtc.ICECandidateInit {
	drained := b.entries
	b.entries = nil
	return drained
}

func (b *candidateBuffer) len() int {
	return len(b.entries)
}
