// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the rendezvous server: pairing-code
// registration, pair-request matching with deterministic role
// assignment, and forwarding of negotiation messages between matched
// peers.
//
// The relay is untrusted by design. It sees pairing codes, public
// keys, and SDP blobs, but never key material: the binding check on
// the client side catches a relay that substitutes keys during
// matching. Its responsibilities end at validated message routing.
//
// Every inbound message is validated against the closed wire schema
// before it reaches any state. Malformed or unroutable messages earn
// the sender an explicit error or a protocol strike, never silent
// forwarding; a run of strikes disconnects the sender. Per-connection
// rate limiting bounds relay-side memory against floods.
package relay
