// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Pairlink's standard CBOR encoding.
//
// All wire messages, relay signaling envelopes and data-channel
// frames alike, are encoded with Core Deterministic Encoding (RFC 8949
// §4.2) so the same logical message always produces identical bytes.
// Decoding ignores unknown fields for forward compatibility; the
// closed-schema validation that rejects unknown message kinds lives
// in the wire package, not here.
package codec
