// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pairlink/pairlink/lib/clock"
	"github.com/pairlink/pairlink/relay"
	"github.com/pairlink/pairlink/securechan"
	"github.com/pairlink/pairlink/tofu"
	"github.com/pairlink/pairlink/wire"
)

const eventTimeout = 30 * time.Second

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// dialClient connects a fresh client to the in-process relay over a
// pipe. Loopback candidates carry the actual traffic, so no ICE
// servers are configured.
func dialClient(t *testing.T, server *relay.Server, config Config) *Client {
	t.Helper()
	if config.Logger == nil {
		config.Logger = testLogger()
	}
	clientEnd, serverEnd := net.Pipe()
	server.HandleConn(serverEnd)
	c, err := Connect(clientEnd, config)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// nextEvent waits for the next event and requires it to be of the
// expected concrete type.
func nextEvent[E Event](t *testing.T, c *Client) E {
	t.Helper()
	var zero E
	select {
	case event, ok := <-c.Events():
		if !ok {
			t.Fatalf("event stream closed while waiting for %T", zero)
		}
		typed, ok := event.(E)
		if !ok {
			t.Fatalf("event = %T (%+v), want %T", event, event, zero)
		}
		return typed
	case <-time.After(eventTimeout):
		t.Fatalf("timed out waiting for %T", zero)
	}
	return zero
}

func pairClients(t *testing.T, accepter, requester *Client) {
	t.Helper()
	if err := requester.RequestPair(accepter.Code()); err != nil {
		t.Fatalf("RequestPair: %v", err)
	}
	incoming := nextEvent[PairIncomingEvent](t, accepter)
	if incoming.FromCode != requester.Code() {
		t.Fatalf("incoming from %q, want %q", incoming.FromCode, requester.Code())
	}
	if incoming.FromFingerprint != requester.Fingerprint() {
		t.Fatalf("incoming fingerprint %q, want %q", incoming.FromFingerprint, requester.Fingerprint())
	}
	if err := accepter.Accept(incoming.RequestID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
}

func TestClientPairAndExchange(t *testing.T) {
	server := relay.NewServer(relay.ServerConfig{Logger: testLogger()})
	accepter := dialClient(t, server, Config{})
	requester := dialClient(t, server, Config{})

	if !wire.ValidCode(accepter.Code()) || !wire.ValidCode(requester.Code()) {
		t.Fatalf("invalid pairing codes %q, %q", accepter.Code(), requester.Code())
	}

	pairClients(t, accepter, requester)

	accepterMatch := nextEvent[PairMatchedEvent](t, accepter)
	requesterMatch := nextEvent[PairMatchedEvent](t, requester)

	// The accepting side drives the offer.
	if accepterMatch.Role != wire.RoleInitiator {
		t.Errorf("accepter role = %s, want initiator", accepterMatch.Role)
	}
	if requesterMatch.Role != wire.RoleResponder {
		t.Errorf("requester role = %s, want responder", requesterMatch.Role)
	}
	if accepterMatch.PeerFingerprint != requester.Fingerprint() {
		t.Errorf("accepter sees peer fingerprint %q, want %q", accepterMatch.PeerFingerprint, requester.Fingerprint())
	}

	accepterTrusted := nextEvent[ChannelTrustedEvent](t, accepter)
	requesterTrusted := nextEvent[ChannelTrustedEvent](t, requester)
	if accepterTrusted.PeerFingerprint != requester.Fingerprint() {
		t.Errorf("trusted fingerprint %q, want %q", accepterTrusted.PeerFingerprint, requester.Fingerprint())
	}
	if requesterTrusted.PeerFingerprint != accepter.Fingerprint() {
		t.Errorf("trusted fingerprint %q, want %q", requesterTrusted.PeerFingerprint, accepter.Fingerprint())
	}

	if err := accepter.Send([]byte("hello from the accepter")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	message := nextEvent[MessageEvent](t, requester)
	if !bytes.Equal(message.Plaintext, []byte("hello from the accepter")) {
		t.Fatalf("plaintext = %q", message.Plaintext)
	}

	if err := requester.Send([]byte("hello back")); err != nil {
		t.Fatalf("reply Send: %v", err)
	}
	reply := nextEvent[MessageEvent](t, accepter)
	if !bytes.Equal(reply.Plaintext, []byte("hello back")) {
		t.Fatalf("reply plaintext = %q", reply.Plaintext)
	}

	// A local disconnect is an ordinary terminal event on both sides,
	// never a security error.
	accepter.Disconnect()
	nextEvent[DisconnectedEvent](t, accepter)
	nextEvent[DisconnectedEvent](t, requester)

	if err := accepter.Send([]byte("after disconnect")); err == nil {
		t.Error("Send after disconnect succeeded")
	}
}

func TestClientRejectedPair(t *testing.T) {
	server := relay.NewServer(relay.ServerConfig{Logger: testLogger()})
	accepter := dialClient(t, server, Config{})
	requester := dialClient(t, server, Config{})

	if err := requester.RequestPair(accepter.Code()); err != nil {
		t.Fatalf("RequestPair: %v", err)
	}
	incoming := nextEvent[PairIncomingEvent](t, accepter)
	if err := accepter.Reject(incoming.RequestID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	nextEvent[PairRejectedEvent](t, requester)
}

func TestClientRequestPairValidation(t *testing.T) {
	server := relay.NewServer(relay.ServerConfig{Logger: testLogger()})
	c := dialClient(t, server, Config{})

	for _, code := range []string{"", "ABC", "abc234", "ABCI23", "TOOLONG"} {
		if err := c.RequestPair(code); err == nil {
			t.Errorf("RequestPair(%q) succeeded", code)
		}
	}
}

func TestClientSendBeforeSession(t *testing.T) {
	server := relay.NewServer(relay.ServerConfig{Logger: testLogger()})
	c := dialClient(t, server, Config{})

	if err := c.Send([]byte("too early")); err != ErrNoSession {
		t.Fatalf("Send = %v, want ErrNoSession", err)
	}
	if err := c.AcceptKeyChange(); err != ErrNoSession {
		t.Fatalf("AcceptKeyChange = %v, want ErrNoSession", err)
	}
}

func openTestTrust(t *testing.T) *tofu.Store {
	t.Helper()
	store, err := tofu.Open(tofu.Config{Path: "file::memory:?mode=memory&cache=shared", Logger: testLogger()})
	if err != nil {
		t.Fatalf("tofu.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestClientTrustStoreRecordsFirstUse(t *testing.T) {
	server := relay.NewServer(relay.ServerConfig{Logger: testLogger()})
	trust := openTestTrust(t)
	accepter := dialClient(t, server, Config{})
	requester := dialClient(t, server, Config{Trust: trust})

	pairClients(t, accepter, requester)
	nextEvent[PairMatchedEvent](t, accepter)
	nextEvent[PairMatchedEvent](t, requester)
	nextEvent[ChannelTrustedEvent](t, accepter)
	nextEvent[ChannelTrustedEvent](t, requester)

	stored, found, err := trust.Get(context.Background(), accepter.Code())
	if err != nil || !found {
		t.Fatalf("Get = found %v, err %v", found, err)
	}
	if stored != accepter.Fingerprint() {
		t.Fatalf("stored fingerprint %q, want %q", stored, accepter.Fingerprint())
	}
}

func TestClientAcceptedKeyChange(t *testing.T) {
	server := relay.NewServer(relay.ServerConfig{Logger: testLogger()})
	trust := openTestTrust(t)
	accepter := dialClient(t, server, Config{})
	requester := dialClient(t, server, Config{Trust: trust})

	// A fingerprint from some earlier session under the peer's code.
	if err := trust.Put(context.Background(), accepter.Code(), "stale-fingerprint"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	pairClients(t, accepter, requester)
	nextEvent[PairMatchedEvent](t, accepter)
	nextEvent[PairMatchedEvent](t, requester)

	changed := nextEvent[KeyChangedEvent](t, requester)
	if changed.OldFingerprint != "stale-fingerprint" {
		t.Errorf("old fingerprint = %q", changed.OldFingerprint)
	}
	if changed.NewFingerprint != accepter.Fingerprint() {
		t.Errorf("new fingerprint = %q, want %q", changed.NewFingerprint, accepter.Fingerprint())
	}

	if err := requester.AcceptKeyChange(); err != nil {
		t.Fatalf("AcceptKeyChange: %v", err)
	}
	nextEvent[ChannelTrustedEvent](t, requester)
	nextEvent[ChannelTrustedEvent](t, accepter)

	stored, _, err := trust.Get(context.Background(), accepter.Code())
	if err != nil || stored != accepter.Fingerprint() {
		t.Fatalf("stored fingerprint %q, err %v; want %q", stored, err, accepter.Fingerprint())
	}
}

func TestClientRejectedKeyChange(t *testing.T) {
	server := relay.NewServer(relay.ServerConfig{Logger: testLogger()})
	trust := openTestTrust(t)
	accepter := dialClient(t, server, Config{})
	requester := dialClient(t, server, Config{Trust: trust})

	if err := trust.Put(context.Background(), accepter.Code(), "stale-fingerprint"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	pairClients(t, accepter, requester)
	nextEvent[PairMatchedEvent](t, accepter)
	nextEvent[PairMatchedEvent](t, requester)
	nextEvent[KeyChangedEvent](t, requester)

	if err := requester.RejectKeyChange(); err != nil {
		t.Fatalf("RejectKeyChange: %v", err)
	}

	// Refusing the new key is a security outcome, and the stored
	// record keeps the old fingerprint.
	nextEvent[SecurityErrorEvent](t, requester)
	stored, _, err := trust.Get(context.Background(), accepter.Code())
	if err != nil || stored != "stale-fingerprint" {
		t.Fatalf("stored fingerprint %q, err %v; want stale-fingerprint", stored, err)
	}
}

// newBareClient builds a client without a relay round trip, for tests
// that exercise lifecycle paths directly.
func newBareClient(t *testing.T) *Client {
	t.Helper()
	identity, err := securechan.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	relayEnd, otherEnd := net.Pipe()
	t.Cleanup(func() { otherEnd.Close() })
	return &Client{
		identity:  identity,
		logger:    testLogger(),
		clock:     clock.Real(),
		relayConn: relayEnd,
		events:    make(chan Event, 1),
		done:      make(chan struct{}),
	}
}

func TestCloseWhileEmitBlocked(t *testing.T) {
	for iteration := 0; iteration < 200; iteration++ {
		c := newBareClient(t)

		// Fill the buffer so the next emit blocks in its select, then
		// race Close against it. A send case on a closed channel is
		// ready and panics when chosen, so the channel must never
		// close with a send in flight.
		c.events <- PairRejectedEvent{}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.emit(PairTimeoutEvent{})
		}()

		c.Close()
		wg.Wait()

		// Emitting after Close is a silent no-op, never a panic.
		c.emit(PairTimeoutEvent{})
	}
}

func TestTeardownEmitsSingleTerminalEvent(t *testing.T) {
	peerIdentity, err := securechan.NewIdentity()
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	defer peerIdentity.Close()

	for iteration := 0; iteration < 10; iteration++ {
		c := newBareClient(t)
		c.events = make(chan Event, 16)

		session, err := newPeerSession(c, &wire.PairMatched{
			PeerCode:      "ABC234",
			PeerPublicKey: peerIdentity.PublicKey(),
			Role:          wire.RoleResponder,
		})
		if err != nil {
			t.Fatalf("newPeerSession: %v", err)
		}

		var wg sync.WaitGroup
		for worker := 0; worker < 4; worker++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				session.teardown(DisconnectedEvent{
					PeerCode: session.peerCode,
					Reason:   errors.New("concurrent teardown"),
				})
			}()
		}
		wg.Wait()

		terminal := 0
		for draining := true; draining; {
			select {
			case <-c.events:
				terminal++
			default:
				draining = false
			}
		}
		if terminal != 1 {
			t.Fatalf("iteration %d: %d terminal events delivered, want exactly 1", iteration, terminal)
		}
		c.Close()
	}
}
