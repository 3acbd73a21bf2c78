// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package securechan turns an open WebRTC data channel into a
// mutually authenticated, replay-protected message stream.
//
// Each peer generates a fresh X25519 keypair per session. The public
// key travels two independent paths: asserted through the relay at
// rendezvous time, and observed directly over the peer-to-peer
// transport in the handshake frame. A Session compares the two byte
// for byte, in constant time, before any key material is derived. A
// relay that substitutes a key during matching is caught because the
// key delivered over the transport comes from the real peer's device
// and cannot match the substitution; a tampered transport
// announcement fails the same check from the other direction.
//
// Only after the binding check passes is the shared secret computed
// (X25519) and expanded (HKDF-SHA256) into two directional
// ChaCha20-Poly1305 keys. Each frame's nonce is derived from the
// sender's monotonic sequence number, and the receiver rejects any
// frame whose sequence does not strictly exceed the highest accepted
// one, so a captured frame can never be delivered twice. A single
// failed frame is dropped; a configurable run of consecutive failures
// aborts the session as sustained tampering.
//
// Private keys live in mlock'd keymem buffers and all derived keys
// are zeroed on Close.
package securechan
