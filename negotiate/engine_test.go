// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pairlink/pairlink/lib/clock"
	"github.com/pairlink/pairlink/lib/testutil"
	"github.com/pairlink/pairlink/wire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// directSignaling delivers each message straight into the peer engine,
// standing in for the relay round trip.
type directSignaling struct {
	mu   sync.Mutex
	peer *Engine
}

func (s *directSignaling) bind(peer *Engine) {
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
}

func (s *directSignaling) target() *Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peer
}

func (s *directSignaling) SendOffer(sdp string) error  { return s.target().HandleOffer(sdp) }
func (s *directSignaling) SendAnswer(sdp string) error { return s.target().HandleAnswer(sdp) }
func (s *directSignaling) SendCandidate(candidate wire.ICECandidate) error {
	s.target().HandleCandidate(candidate)
	return nil
}

// dropSignaling swallows every message, for deadline tests where the
// peer never responds.
type dropSignaling struct {
	offers atomic.Int32
}

func (s *dropSignaling) SendOffer(string) error {
	s.offers.Add(1)
	return nil
}
func (s *dropSignaling) SendAnswer(string) error            { return nil }
func (s *dropSignaling) SendCandidate(wire.ICECandidate) error { return nil }

func bufferedCandidates(e *Engine) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffer.len()
}

// TestEngineLoopbackConnect pairs two engines over loopback ICE and
// verifies the data channel carries bytes both ways.
func TestEngineLoopbackConnect(t *testing.T) {
	initiatorSignaling := &directSignaling{}
	responderSignaling := &directSignaling{}
	config := Config{Logger: testLogger()}

	initiator, err := New("BBBBBB", wire.RoleInitiator, initiatorSignaling, config)
	if err != nil {
		t.Fatalf("New(initiator): %v", err)
	}
	defer initiator.Close()

	responder, err := New("AAAAAA", wire.RoleResponder, responderSignaling, config)
	if err != nil {
		t.Fatalf("New(responder): %v", err)
	}
	defer responder.Close()

	initiatorSignaling.bind(responder)
	responderSignaling.bind(initiator)

	if err := responder.Start(); err != nil {
		t.Fatalf("responder Start: %v", err)
	}
	if err := initiator.Start(); err != nil {
		t.Fatalf("initiator Start: %v", err)
	}

	initiatorConn := testutil.RequireReceive(t, initiator.Opened(), 30*time.Second, "initiator data channel")
	responderConn := testutil.RequireReceive(t, responder.Opened(), 30*time.Second, "responder data channel")
	defer initiatorConn.Close()
	defer responderConn.Close()

	if state := initiator.State(); state != StateConnected {
		t.Errorf("initiator state = %s, want connected", state)
	}

	if _, err := initiatorConn.Write([]byte("ping")); err != nil {
		t.Fatalf("initiator Write: %v", err)
	}
	responderConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	buffer := make([]byte, 1024)
	n, err := responderConn.Read(buffer)
	if err != nil {
		t.Fatalf("responder Read: %v", err)
	}
	if string(buffer[:n]) != "ping" {
		t.Errorf("responder read %q, want %q", buffer[:n], "ping")
	}

	if _, err := responderConn.Write([]byte("pong")); err != nil {
		t.Fatalf("responder Write: %v", err)
	}
	initiatorConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err = initiatorConn.Read(buffer)
	if err != nil {
		t.Fatalf("initiator Read: %v", err)
	}
	if string(buffer[:n]) != "pong" {
		t.Errorf("initiator read %q, want %q", buffer[:n], "pong")
	}
}

// holdingSignaling captures the offer instead of delivering it, while
// candidates flow through immediately. This forces the responder to
// receive trickled candidates before the remote description exists.
type holdingSignaling struct {
	mu    sync.Mutex
	peer  *Engine
	offer string
}

func (s *holdingSignaling) bind(peer *Engine) {
	s.mu.Lock()
	s.peer = peer
	s.mu.Unlock()
}

func (s *holdingSignaling) SendOffer(sdp string) error {
	s.mu.Lock()
	s.offer = sdp
	s.mu.Unlock()
	return nil
}

func (s *holdingSignaling) SendAnswer(string) error { return nil }

func (s *holdingSignaling) SendCandidate(candidate wire.ICECandidate) error {
	s.mu.Lock()
	peer := s.peer
	s.mu.Unlock()
	peer.HandleCandidate(candidate)
	return nil
}

func (s *holdingSignaling) heldOffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offer
}

// TestEngineBuffersEarlyCandidates withholds the offer so candidates
// arrive at the responder first, then releases it and verifies the
// buffered candidates were drained and the transport still connects.
func TestEngineBuffersEarlyCandidates(t *testing.T) {
	initiatorSignaling := &holdingSignaling{}
	responderSignaling := &directSignaling{}
	config := Config{Logger: testLogger()}

	initiator, err := New("BBBBBB", wire.RoleInitiator, initiatorSignaling, config)
	if err != nil {
		t.Fatalf("New(initiator): %v", err)
	}
	defer initiator.Close()

	responder, err := New("AAAAAA", wire.RoleResponder, responderSignaling, config)
	if err != nil {
		t.Fatalf("New(responder): %v", err)
	}
	defer responder.Close()

	initiatorSignaling.bind(responder)
	responderSignaling.bind(initiator)

	if err := responder.Start(); err != nil {
		t.Fatalf("responder Start: %v", err)
	}
	if err := initiator.Start(); err != nil {
		t.Fatalf("initiator Start: %v", err)
	}

	// Wait for at least one trickled candidate to reach the responder's
	// buffer. The remote description is still unset, so nothing may
	// have been applied yet.
	deadline := time.Now().Add(10 * time.Second)
	for bufferedCandidates(responder) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no candidate was buffered before the offer arrived")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Release the held offer. The buffer drains on the remote
	// description and the answer flows back directly.
	if err := responder.HandleOffer(initiatorSignaling.heldOffer()); err != nil {
		t.Fatalf("HandleOffer: %v", err)
	}
	if got := bufferedCandidates(responder); got != 0 {
		t.Errorf("buffered candidates after drain = %d, want 0", got)
	}

	initiatorConn := testutil.RequireReceive(t, initiator.Opened(), 30*time.Second, "initiator data channel")
	responderConn := testutil.RequireReceive(t, responder.Opened(), 30*time.Second, "responder data channel")
	initiatorConn.Close()
	responderConn.Close()
}

// TestEngineResponderTimesOut verifies that a responder whose offer
// never arrives fails with ErrConnectTimeout, without restarts.
func TestEngineResponderTimesOut(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	responder, err := New("AAAAAA", wire.RoleResponder, &dropSignaling{}, Config{
		Logger: testLogger(),
		Clock:  fakeClock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer responder.Close()

	if err := responder.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	fakeClock.Advance(DefaultConnectTimeout)

	cause := testutil.RequireReceive(t, responder.Failed(), 5*time.Second, "failure cause")
	if !errors.Is(cause, ErrConnectTimeout) {
		t.Errorf("failure = %v, want ErrConnectTimeout", cause)
	}
	if state := responder.State(); state != StateFailed {
		t.Errorf("state = %s, want failed", state)
	}
}

// TestEngineInitiatorRestartsBeforeFailing verifies the initiator
// retries with ICE restart offers a bounded number of times before
// surfacing the transport error.
func TestEngineInitiatorRestartsBeforeFailing(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	signaling := &dropSignaling{}
	initiator, err := New("BBBBBB", wire.RoleInitiator, signaling, Config{
		Logger:      testLogger(),
		Clock:       fakeClock,
		MaxRestarts: 2,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer initiator.Close()

	if err := initiator.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := signaling.offers.Load(); got != 1 {
		t.Fatalf("offers after Start = %d, want 1", got)
	}

	// Each expired deadline spends one restart.
	fakeClock.Advance(DefaultConnectTimeout)
	if got := signaling.offers.Load(); got != 2 {
		t.Fatalf("offers after first timeout = %d, want 2", got)
	}
	fakeClock.Advance(DefaultConnectTimeout)
	if got := signaling.offers.Load(); got != 3 {
		t.Fatalf("offers after second timeout = %d, want 3", got)
	}

	// Restart budget exhausted: the third timeout is terminal.
	fakeClock.Advance(DefaultConnectTimeout)
	cause := testutil.RequireReceive(t, initiator.Failed(), 5*time.Second, "failure cause")
	if !errors.Is(cause, ErrConnectTimeout) {
		t.Errorf("failure = %v, want ErrConnectTimeout", cause)
	}
	if got := signaling.offers.Load(); got != 3 {
		t.Errorf("offers after failure = %d, want 3", got)
	}
}

// TestEngineCloseCancelsDeadline verifies that Close stops the pending
// connect timer so it cannot fire into a disposed engine.
func TestEngineCloseCancelsDeadline(t *testing.T) {
	fakeClock := clock.Fake(time.Unix(1700000000, 0))
	responder, err := New("AAAAAA", wire.RoleResponder, &dropSignaling{}, Config{
		Logger: testLogger(),
		Clock:  fakeClock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := responder.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := responder.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if pending := fakeClock.PendingCount(); pending != 0 {
		t.Errorf("pending timers after Close = %d, want 0", pending)
	}

	fakeClock.Advance(DefaultConnectTimeout)
	testutil.RequireNoReceive(t, responder.Failed(), 100*time.Millisecond, "failure after Close")
}

// TestEngineRoleValidation rejects construction with an unknown role.
func TestEngineRoleValidation(t *testing.T) {
	if _, err := New("AAAAAA", wire.Role("observer"), &dropSignaling{}, Config{Logger: testLogger()}); err == nil {
		t.Fatal("New accepted an unknown role")
	}
}
