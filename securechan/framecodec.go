// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package securechan

import (
	"encoding/binary"
	"fmt"

	"github.com/pairlink/pairlink/wire"
)

// nonceFromSeq derives the 12-byte ChaCha20-Poly1305 nonce from a
// sequence number: four zero bytes followed by the big-endian seq.
// Sequence numbers are never reused within a direction, so neither
// are nonces.
func nonceFromSeq(seq uint64) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint64(nonce[4:], seq)
	return nonce
}

// Seal encrypts plaintext into the next application frame. The
// sequence number increments by exactly one per call and is never
// reused, even across retries. A frame that fails to transmit is
// re-sealed under a fresh sequence.
func (s *Session) Seal(plaintext []byte) (wire.DataFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateSecurityAborted, StateClosed:
		return wire.DataFrame{}, ErrAborted
	}
	if !s.verified {
		return wire.DataFrame{}, ErrNotVerified
	}

	seq := s.sendSeq
	s.sendSeq++

	ciphertext := s.sendAEAD.Seal(nil, nonceFromSeq(seq), plaintext, nil)
	return wire.DataFrame{Seq: seq, Ciphertext: ciphertext}, nil
}

// Open authenticates and decrypts an inbound frame. Replayed or
// duplicate sequence numbers and frames failing AEAD verification are
// rejected; a rejection drops only that frame. A run of consecutive
// rejections reaching the session's failure threshold aborts the
// session, after which Open returns ErrAborted for every frame.
func (s *Session) Open(frame wire.DataFrame) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateSecurityAborted, StateClosed:
		return nil, ErrAborted
	}
	if !s.verified {
		return nil, ErrNotVerified
	}

	if s.receivedAny && frame.Seq <= s.highestRecv {
		return nil, s.recordFailureLocked(ErrReplay)
	}

	plaintext, err := s.recvAEAD.Open(nil, nonceFromSeq(frame.Seq), frame.Ciphertext, nil)
	if err != nil {
		return nil, s.recordFailureLocked(ErrAuthentication)
	}

	s.consecutiveFailures = 0
	s.highestRecv = frame.Seq
	s.receivedAny = true
	return plaintext, nil
}

// recordFailureLocked counts a rejected frame and escalates to a
// session abort once the consecutive-failure threshold is reached.
func (s *Session) recordFailureLocked(cause error) error {
	s.consecutiveFailures++
	if s.consecutiveFailures >= s.failureThreshold {
		s.state = StateSecurityAborted
		return fmt.Errorf("%w: %d consecutive rejected frames: %w", ErrAborted, s.consecutiveFailures, cause)
	}
	return cause
}
