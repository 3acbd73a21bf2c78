// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package client ties the pieces together for one endpoint: register
// a pairing code with the relay, pair with a peer, negotiate the
// WebRTC transport, run the key-binding handshake, and exchange
// replay-protected messages over the trusted channel.
//
// A Client owns one session-scoped identity keypair, registered with
// the relay alongside its pairing code. Because the handshake must
// present the same key that was registered, a Client carries exactly
// one secure session; Disconnect is terminal and a fresh pairing
// starts with a fresh Client, fresh code, and fresh keys.
//
// Everything the caller needs to react to arrives as an Event on the
// Events channel: incoming pair requests, the match, channel trust,
// key changes, decrypted messages, security failures, and the single
// terminal disconnect. The peer session owns its delivery path; no
// callback slot is ever shared or reassigned.
package client
