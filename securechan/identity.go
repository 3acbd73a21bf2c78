// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package securechan

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/curve25519"

	"github.com/pairlink/pairlink/lib/keymem"
)

// KeySize is the size of X25519 keys in bytes.
const KeySize = 32

// Identity is a session-scoped X25519 keypair. It is generated at
// connect time, never persisted, and destroyed on Close. The private
// key lives in an mlock'd buffer outside the Go heap.
type Identity struct {
	private *keymem.Buffer
	public  [KeySize]byte
}

// NewIdentity generates a fresh X25519 keypair.
func NewIdentity() (*Identity, error) {
	seed := make([]byte, KeySize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("securechan: generating private key: %w", err)
	}

	// NewBufferFromBytes zeroes seed after copying.
	private, err := keymem.NewBufferFromBytes(seed)
	if err != nil {
		return nil, err
	}

	publicSlice, err := curve25519.X25519(private.Bytes(), curve25519.Basepoint)
	if err != nil {
		private.Close()
		return nil, fmt.Errorf("securechan: deriving public key: %w", err)
	}

	identity := &Identity{private: private}
	copy(identity.public[:], publicSlice)
	return identity, nil
}

// PublicKey returns a copy of the public key.
func (id *Identity) PublicKey() []byte {
	key := make([]byte, KeySize)
	copy(key, id.public[:])
	return key
}

// Fingerprint returns the SHA-256 fingerprint of this identity's
// public key.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.public[:])
}

// sharedSecret computes X25519(private, peerPublic). The caller owns
// the returned slice and must zero it after use.
func (id *Identity) sharedSecret(peerPublic []byte) ([]byte, error) {
	secret, err := curve25519.X25519(id.private.Bytes(), peerPublic)
	if err != nil {
		// curve25519 rejects low-order peer points here.
		return nil, fmt.Errorf("securechan: computing shared secret: %w", err)
	}
	return secret, nil
}

// Close destroys the private key. Idempotent.
func (id *Identity) Close() error {
	return id.private.Close()
}

// Fingerprint returns the lowercase hex SHA-256 digest of a public
// key, used for out-of-band verification display and the local
// trust-on-first-use table. It is never transmitted.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}
