// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package negotiate drives WebRTC transport negotiation for one peer
// connection: offer/answer sequencing, trickle ICE, and the data
// channel that the secure session runs over.
//
// Each Engine owns exactly one PeerConnection and is never shared
// across peers. The central ordering rule is that an inbound ICE
// candidate is never applied before the remote description is set:
// early candidates go into a bounded FIFO (oldest dropped on
// overflow) and are drained exactly once, in arrival order, the
// moment the remote description lands. Locally gathered candidates
// are trickled to the relay immediately, independent of local state.
//
// A failed candidate application is logged and dropped without
// aborting the session. Failure to reach a connected transport within
// the deadline triggers a bounded number of ICE restarts on the
// initiating side before the engine transitions to Failed.
package negotiate
