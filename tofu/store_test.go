// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package tofu

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/pairlink/pairlink/lib/clock"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	store, err := Open(Config{
		Path:   path,
		Clock:  clock.Fake(time.Unix(1700000000, 0)),
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreGetPut(t *testing.T) {
	store := openTestStore(t, "file::memory:?mode=memory&cache=shared")
	ctx := context.Background()

	if _, found, err := store.Get(ctx, "ABC234"); err != nil || found {
		t.Fatalf("Get on empty store = found %v, err %v", found, err)
	}

	if err := store.Put(ctx, "ABC234", "fp-one"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fingerprint, found, err := store.Get(ctx, "ABC234")
	if err != nil || !found || fingerprint != "fp-one" {
		t.Fatalf("Get = %q, %v, %v; want fp-one", fingerprint, found, err)
	}

	// Put replaces.
	if err := store.Put(ctx, "ABC234", "fp-two"); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	fingerprint, _, err = store.Get(ctx, "ABC234")
	if err != nil || fingerprint != "fp-two" {
		t.Fatalf("Get after replace = %q, %v; want fp-two", fingerprint, err)
	}
}

func TestStoreCheckVerdicts(t *testing.T) {
	store := openTestStore(t, "file::memory:?mode=memory&cache=shared")
	ctx := context.Background()

	// First contact records the fingerprint.
	verdict, _, err := store.Check(ctx, "XYZ789", "fp-one")
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if verdict != FirstUse {
		t.Fatalf("verdict = %s, want first-use", verdict)
	}

	// Same fingerprint matches.
	verdict, _, err = store.Check(ctx, "XYZ789", "fp-one")
	if err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if verdict != Match {
		t.Fatalf("verdict = %s, want match", verdict)
	}

	// A changed key is flagged, the old record is surfaced, and
	// nothing is overwritten until the caller accepts.
	verdict, previous, err := store.Check(ctx, "XYZ789", "fp-two")
	if err != nil {
		t.Fatalf("third Check: %v", err)
	}
	if verdict != Mismatch || previous != "fp-one" {
		t.Fatalf("verdict = %s, previous = %q; want mismatch, fp-one", verdict, previous)
	}
	stored, _, _ := store.Get(ctx, "XYZ789")
	if stored != "fp-one" {
		t.Errorf("mismatch overwrote stored fingerprint: %q", stored)
	}

	// Accepting the change writes the new fingerprint.
	if err := store.Put(ctx, "XYZ789", "fp-two"); err != nil {
		t.Fatalf("Put after accept: %v", err)
	}
	verdict, _, err = store.Check(ctx, "XYZ789", "fp-two")
	if err != nil || verdict != Match {
		t.Fatalf("Check after accept = %s, %v; want match", verdict, err)
	}
}

func TestStorePersistsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fingerprints.db")
	ctx := context.Background()

	// Opened without openTestStore: this test closes the store itself,
	// and a t.Cleanup close would double-close the pool.
	first, err := Open(Config{
		Path:   path,
		Clock:  clock.Fake(time.Unix(1700000000, 0)),
		Logger: slog.New(slog.NewJSONHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := first.Put(ctx, "ABC234", "fp-persist"); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openTestStore(t, path)
	fingerprint, found, err := second.Get(ctx, "ABC234")
	if err != nil || !found || fingerprint != "fp-persist" {
		t.Fatalf("Get after reopen = %q, %v, %v; want fp-persist", fingerprint, found, err)
	}
}
