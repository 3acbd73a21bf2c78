// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides helpers shared across Pairlink tests:
// channel receive/close assertions with timeout safety valves, so
// individual tests never hang on a channel that a bug left silent.
package testutil
