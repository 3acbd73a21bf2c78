// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package keymem holds session key material safely for the lifetime
// of a pairing session.
//
// Buffer allocates memory outside the Go heap via mmap(MAP_ANONYMOUS),
// locks it into physical RAM via mlock (preventing swap), and zeroes
// it on Close. Because the memory is invisible to the garbage
// collector, it is never copied or relocated, so zeroing it actually
// destroys the only copy. Private X25519 keys live in a Buffer for
// the session's duration.
//
// Zero overwrites an ordinary heap slice in place. It is used for
// derived symmetric keys and intermediate secrets that must pass
// through APIs taking []byte.
package keymem
