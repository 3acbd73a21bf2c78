// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package securechan

import (
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/pairlink/pairlink/lib/keymem"
	"github.com/pairlink/pairlink/wire"
)

// keyDerivationLabel is the HKDF info string binding derived keys to
// this protocol version.
const keyDerivationLabel = "pairlink/session-key/v1"

// DefaultFailureThreshold is the number of consecutive Open failures
// after which the session aborts, treating sustained tampering as an
// attack rather than noise.
const DefaultFailureThreshold = 5

var (
	// ErrKeyMismatch is returned when the transport-observed handshake
	// key does not equal the rendezvous-asserted key. The session is
	// aborted; no session key is ever derived from it.
	ErrKeyMismatch = errors.New("securechan: handshake key does not match rendezvous key")

	// ErrNotVerified is returned by Seal and Open before the binding
	// check has passed. No plaintext crosses the session boundary in
	// either direction until verified.
	ErrNotVerified = errors.New("securechan: session not verified")

	// ErrReplay is returned for a frame whose sequence number does not
	// strictly exceed the highest accepted one.
	ErrReplay = errors.New("securechan: replayed or duplicate frame")

	// ErrAuthentication is returned when AEAD verification fails.
	ErrAuthentication = errors.New("securechan: frame failed authentication")

	// ErrAborted is returned once the session has transitioned to
	// SecurityAborted; no further frames are sealed or opened.
	ErrAborted = errors.New("securechan: session aborted")
)

// State is the session trust state.
type State int

const (
	// StateAwaitingHandshake is the initial state: the transport is
	// open but the peer's handshake frame has not been verified.
	StateAwaitingHandshake State = iota

	// StateTrusted means the binding check passed and directional
	// session keys are derived.
	StateTrusted

	// StateSecurityAborted is terminal: the binding check failed or
	// sustained tampering was detected.
	StateSecurityAborted

	// StateClosed is terminal: key material has been destroyed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingHandshake:
		return "awaiting-handshake"
	case StateTrusted:
		return "trusted"
	case StateSecurityAborted:
		return "security-aborted"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Session binds one peer connection's rendezvous identity to its
// transport identity and, once verified, seals and opens application
// frames. A Session is owned by exactly one peer connection and is
// safe for concurrent use by the send and receive paths.
type Session struct {
	mu sync.Mutex

	peerCode string
	role     wire.Role
	identity *Identity

	expectedPeerKey [KeySize]byte
	observedPeerKey [KeySize]byte

	state    State
	verified bool

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD

	sendSeq     uint64
	highestRecv uint64
	receivedAny bool

	consecutiveFailures int
	failureThreshold    int
}

// NewSession creates a session awaiting the peer's handshake frame.
// expectedPeerKey is the public key the relay delivered in the match
// event; it is trusted only as far as the relay is, which is why the
// binding check exists. failureThreshold <= 0 selects
// DefaultFailureThreshold.
func NewSession(peerCode string, role wire.Role, identity *Identity, expectedPeerKey []byte, failureThreshold int) (*Session, error) {
	if len(expectedPeerKey) != KeySize {
		return nil, fmt.Errorf("securechan: expected peer key has %d bytes, want %d", len(expectedPeerKey), KeySize)
	}
	if role != wire.RoleInitiator && role != wire.RoleResponder {
		return nil, fmt.Errorf("securechan: unknown role %q", role)
	}
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}

	session := &Session{
		peerCode:         peerCode,
		role:             role,
		identity:         identity,
		state:            StateAwaitingHandshake,
		failureThreshold: failureThreshold,
	}
	copy(session.expectedPeerKey[:], expectedPeerKey)
	return session, nil
}

// State returns the current trust state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandshakeFrame returns the one-time key announcement to send over
// the freshly opened data channel.
func (s *Session) HandshakeFrame() wire.Handshake {
	return wire.Handshake{PublicKey: s.identity.PublicKey()}
}

// VerifyHandshake performs the mandatory binding check against the
// peer key observed over the transport. On success the session
// derives its directional keys and becomes Trusted. On mismatch the
// session aborts permanently and ErrKeyMismatch is returned; no
// session key is derivable from an aborted session.
func (s *Session) VerifyHandshake(observedPeerKey []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateSecurityAborted, StateClosed:
		return ErrAborted
	case StateTrusted:
		return fmt.Errorf("securechan: handshake already verified")
	}

	if len(observedPeerKey) != KeySize ||
		subtle.ConstantTimeCompare(observedPeerKey, s.expectedPeerKey[:]) != 1 {
		s.state = StateSecurityAborted
		return ErrKeyMismatch
	}

	copy(s.observedPeerKey[:], observedPeerKey)

	if err := s.deriveKeysLocked(); err != nil {
		s.state = StateSecurityAborted
		return err
	}

	s.verified = true
	s.state = StateTrusted
	return nil
}

// deriveKeysLocked computes the shared secret and expands it into one
// write key per direction, so the two send sequences never share
// nonce space. The HKDF salt binds the keys to the specific key pair
// by hashing both public keys in role order, which both sides can
// compute identically.
func (s *Session) deriveKeysLocked() error {
	shared, err := s.identity.sharedSecret(s.observedPeerKey[:])
	if err != nil {
		return err
	}
	defer keymem.Zero(shared)

	var initiatorPub, responderPub []byte
	if s.role == wire.RoleInitiator {
		initiatorPub = s.identity.public[:]
		responderPub = s.observedPeerKey[:]
	} else {
		initiatorPub = s.observedPeerKey[:]
		responderPub = s.identity.public[:]
	}
	saltHash := sha256.New()
	saltHash.Write(initiatorPub)
	saltHash.Write(responderPub)

	expand := hkdf.New(sha256.New, shared, saltHash.Sum(nil), []byte(keyDerivationLabel))
	keys := make([]byte, 2*chacha20poly1305.KeySize)
	if _, err := io.ReadFull(expand, keys); err != nil {
		return fmt.Errorf("securechan: expanding session keys: %w", err)
	}
	defer keymem.Zero(keys)

	initiatorWrite := keys[:chacha20poly1305.KeySize]
	responderWrite := keys[chacha20poly1305.KeySize:]

	var sendKey, recvKey []byte
	if s.role == wire.RoleInitiator {
		sendKey, recvKey = initiatorWrite, responderWrite
	} else {
		sendKey, recvKey = responderWrite, initiatorWrite
	}

	if s.sendAEAD, err = chacha20poly1305.New(sendKey); err != nil {
		return fmt.Errorf("securechan: constructing send cipher: %w", err)
	}
	if s.recvAEAD, err = chacha20poly1305.New(recvKey); err != nil {
		return fmt.Errorf("securechan: constructing receive cipher: %w", err)
	}
	return nil
}

// PeerFingerprint returns the SHA-256 fingerprint of the verified
// peer key. Empty until the session is Trusted.
func (s *Session) PeerFingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.verified {
		return ""
	}
	return Fingerprint(s.observedPeerKey[:])
}

// LocalFingerprint returns the SHA-256 fingerprint of this side's
// public key, for out-of-band verification display.
func (s *Session) LocalFingerprint() string {
	return s.identity.Fingerprint()
}

// Close aborts the session and destroys all key material: the
// ephemeral private key and both directional cipher states. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed
	s.verified = false
	s.sendAEAD = nil
	s.recvAEAD = nil
	keymem.Zero(s.expectedPeerKey[:])
	keymem.Zero(s.observedPeerKey[:])
	return s.identity.Close()
}
