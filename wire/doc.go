// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines Pairlink's two wire schemas and their hard
// validation boundary.
//
// Relay signaling messages travel between a client and the relay as
// length-prefixed CBOR envelopes: a 4-byte big-endian length followed
// by an envelope carrying a message kind tag and the message payload.
// The set of kinds is closed. ReadMessage and Decode reject unknown
// kinds, oversized payloads, and messages that fail per-kind field
// validation before anything reaches a state machine; there is no
// speculative field access anywhere downstream.
//
// Data-channel frames travel between the two peers over the WebRTC
// data channel, which is message-oriented, so they carry a kind tag
// but no length prefix. Exactly one unencrypted Handshake frame is
// sent per session immediately on channel open; every subsequent
// frame is a DataFrame of {seq, ciphertext}.
package wire
