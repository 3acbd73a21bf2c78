// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time for the pairing and handshake state
// machines. Every deadline in Pairlink (pair-request expiry, the
// handshake-arrival window, ICE connect timeouts) is a cancellable
// timer obtained from a Clock, so a transition away from a waiting
// state can stop the timer synchronously and a timer can never fire
// into a disposed session.
//
// Production code injects Real(); tests inject Fake() and drive time
// with Advance, so expiry behavior is tested without sleeping.
package clock
