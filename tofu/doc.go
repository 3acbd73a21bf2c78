// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package tofu persists peer key fingerprints for trust-on-first-use
// checks across sessions.
//
// The binding check catches a relay that substitutes keys within one
// session, but not a relay that consistently lies across sessions: if
// the peer's advertised key changes between sessions, only a local
// record of the previously accepted fingerprint can surface it. The
// store is local-only; fingerprints are never transmitted.
package tofu
