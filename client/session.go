// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pairlink/pairlink/lib/clock"
	"github.com/pairlink/pairlink/negotiate"
	"github.com/pairlink/pairlink/securechan"
	"github.com/pairlink/pairlink/tofu"
	"github.com/pairlink/pairlink/wire"
)

// maxFrameSize is the read buffer for data-channel frames: the 64 KB
// ciphertext cap plus envelope overhead. Each Read returns one whole
// frame because the detached channel preserves message boundaries.
const maxFrameSize = 68 * 1024

// peerSession drives one matched peer from negotiation through the
// trusted channel. It owns its engine, its crypto session, and its
// delivery into the client's event stream; nothing here is shared
// with any other peer.
type peerSession struct {
	client   *Client
	peerCode string
	engine   *negotiate.Engine
	secure   *securechan.Session

	handshakeTimer *clock.Timer

	// closed is closed by teardown; every wait in the session selects
	// on it.
	closed chan struct{}
	done   func() // teardown once guard

	// keyDecision carries the caller's AcceptKeyChange or
	// RejectKeyChange verdict to the parked session goroutine.
	keyDecision chan bool

	mu         sync.Mutex
	conn       *negotiate.ChannelConn
	trusted    bool
	keyPending bool

	// sendMu orders Seal and Write together so frames hit the wire in
	// sequence order.
	sendMu sync.Mutex
}

func newPeerSession(c *Client, m *wire.PairMatched) (*peerSession, error) {
	secure, err := securechan.NewSession(m.PeerCode, m.Role, c.identity, m.PeerPublicKey, c.config.FailureThreshold)
	if err != nil {
		return nil, err
	}

	engine, err := negotiate.New(m.PeerCode, m.Role, relaySignaling{client: c}, negotiate.Config{
		ICEServers:     c.config.ICEServers,
		Clock:          c.clock,
		Logger:         c.logger,
		ConnectTimeout: c.config.ConnectTimeout,
	})
	if err != nil {
		secure.Close()
		return nil, err
	}

	session := &peerSession{
		client:      c,
		peerCode:    m.PeerCode,
		engine:      engine,
		secure:      secure,
		closed:      make(chan struct{}),
		keyDecision: make(chan bool, 1),
	}
	var once sync.Once
	session.done = func() { once.Do(func() { close(session.closed) }) }
	return session, nil
}

// start kicks off negotiation and the goroutine that walks the
// session through channel open, handshake, and the message loop.
func (s *peerSession) start() {
	if err := s.engine.Start(); err != nil {
		s.teardown(DisconnectedEvent{PeerCode: s.peerCode, Reason: err})
		return
	}
	go s.run()
}

func (s *peerSession) run() {
	select {
	case conn := <-s.engine.Opened():
		s.runChannel(conn)
	case err := <-s.engine.Failed():
		s.teardown(DisconnectedEvent{PeerCode: s.peerCode, Reason: err})
	case <-s.closed:
	}
}

// runChannel performs the handshake over the freshly opened data
// channel and then pumps application frames until the session ends.
func (s *peerSession) runChannel(conn *negotiate.ChannelConn) {
	s.mu.Lock()
	s.conn = conn
	s.handshakeTimer = s.client.clock.AfterFunc(s.client.config.HandshakeTimeout, func() {
		conn.Close()
		s.teardown(DisconnectedEvent{
			PeerCode: s.peerCode,
			Reason:   fmt.Errorf("peer handshake did not arrive within %s", s.client.config.HandshakeTimeout),
		})
	})
	s.mu.Unlock()

	// Announce our key over the transport path. The peer compares it
	// against the relay-asserted one, as we do with theirs.
	announcement, err := wire.EncodeHandshake(s.secure.HandshakeFrame())
	if err != nil {
		s.teardown(DisconnectedEvent{PeerCode: s.peerCode, Reason: err})
		return
	}
	if _, err := conn.Write(announcement); err != nil {
		s.teardown(DisconnectedEvent{PeerCode: s.peerCode, Reason: fmt.Errorf("sending handshake: %w", err)})
		return
	}

	buffer := make([]byte, maxFrameSize)
	frame, err := s.readFrame(conn, buffer)
	if err != nil {
		s.teardown(DisconnectedEvent{PeerCode: s.peerCode, Reason: fmt.Errorf("reading handshake: %w", err)})
		return
	}
	handshake, ok := frame.(*wire.Handshake)
	if !ok {
		s.teardown(DisconnectedEvent{PeerCode: s.peerCode, Reason: errors.New("peer sent data before handshake")})
		return
	}

	s.mu.Lock()
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
	s.mu.Unlock()

	if err := s.secure.VerifyHandshake(handshake.PublicKey); err != nil {
		s.teardown(SecurityErrorEvent{PeerCode: s.peerCode, Err: err})
		return
	}

	if !s.checkTrustOnFirstUse() {
		return
	}

	s.mu.Lock()
	s.trusted = true
	s.mu.Unlock()
	s.client.emit(ChannelTrustedEvent{
		PeerCode:        s.peerCode,
		PeerFingerprint: s.secure.PeerFingerprint(),
	})

	s.messageLoop(conn, buffer)
}

// checkTrustOnFirstUse consults the fingerprint store, parking the
// session on a KeyChangedEvent until the caller rules. Reports
// whether the session may proceed to trusted.
func (s *peerSession) checkTrustOnFirstUse() bool {
	store := s.client.config.Trust
	if store == nil {
		return true
	}
	ctx := context.Background()
	fingerprint := s.secure.PeerFingerprint()

	verdict, previous, err := store.Check(ctx, s.peerCode, fingerprint)
	if err != nil {
		// Storage trouble must not silently downgrade trust decisions.
		s.teardown(DisconnectedEvent{PeerCode: s.peerCode, Reason: fmt.Errorf("fingerprint store: %w", err)})
		return false
	}
	if verdict != tofu.Mismatch {
		return true
	}

	s.mu.Lock()
	s.keyPending = true
	s.mu.Unlock()
	s.client.emit(KeyChangedEvent{
		PeerCode:       s.peerCode,
		OldFingerprint: previous,
		NewFingerprint: fingerprint,
	})

	select {
	case accept := <-s.keyDecision:
		s.mu.Lock()
		s.keyPending = false
		s.mu.Unlock()
		if !accept {
			s.teardown(SecurityErrorEvent{
				PeerCode: s.peerCode,
				Err:      errors.New("peer key change rejected"),
			})
			return false
		}
		if err := store.Put(ctx, s.peerCode, fingerprint); err != nil {
			s.teardown(DisconnectedEvent{PeerCode: s.peerCode, Reason: fmt.Errorf("fingerprint store: %w", err)})
			return false
		}
		return true
	case <-s.closed:
		return false
	}
}

// messageLoop decrypts inbound frames for the caller. A rejected
// frame is dropped; a session abort from the codec is terminal.
func (s *peerSession) messageLoop(conn *negotiate.ChannelConn, buffer []byte) {
	for {
		frame, err := s.readFrame(conn, buffer)
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.teardown(DisconnectedEvent{PeerCode: s.peerCode, Reason: fmt.Errorf("transport closed: %w", err)})
			}
			return
		}

		dataFrame, ok := frame.(*wire.DataFrame)
		if !ok {
			s.client.logger.Warn("unexpected handshake frame on trusted channel", "peer", s.peerCode)
			continue
		}

		plaintext, err := s.secure.Open(*dataFrame)
		switch {
		case err == nil:
			s.client.emit(MessageEvent{PeerCode: s.peerCode, Plaintext: plaintext})
		case errors.Is(err, securechan.ErrAborted):
			s.teardown(SecurityErrorEvent{PeerCode: s.peerCode, Err: err})
			return
		default:
			// Replay or authentication failure below the abort
			// threshold: drop the frame, keep the session.
			s.client.logger.Warn("rejected inbound frame", "peer", s.peerCode, "error", err)
		}
	}
}

// readFrame reads and decodes one whole frame from the channel.
func (s *peerSession) readFrame(conn *negotiate.ChannelConn, buffer []byte) (any, error) {
	n, err := conn.Read(buffer)
	if err != nil {
		return nil, err
	}
	return wire.DecodeFrame(buffer[:n])
}

// send seals plaintext and writes the frame. Seal and Write happen
// under one lock so sequence numbers hit the wire in order.
func (s *peerSession) send(plaintext []byte) error {
	s.mu.Lock()
	conn, trusted := s.conn, s.trusted
	s.mu.Unlock()
	if conn == nil || !trusted {
		return ErrNoSession
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	frame, err := s.secure.Seal(plaintext)
	if err != nil {
		return err
	}
	data, err := wire.EncodeDataFrame(frame)
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("client: writing frame: %w", err)
	}
	return nil
}

func (s *peerSession) resolveKeyChange(accept bool) error {
	s.mu.Lock()
	pending := s.keyPending
	s.mu.Unlock()
	if !pending {
		return errors.New("client: no key change awaiting a decision")
	}
	select {
	case s.keyDecision <- accept:
		return nil
	case <-s.closed:
		return ErrClosed
	}
}

func (s *peerSession) transportOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// teardown ends the session exactly once, in strict order: timers
// cancelled, transport closed, key material zeroed, then the single
// terminal event.
func (s *peerSession) teardown(terminal Event) {
	var first bool
	s.mu.Lock()
	select {
	case <-s.closed:
	default:
		first = true
	}
	if !first {
		s.mu.Unlock()
		return
	}
	// Closing s.closed inside the same critical section makes the
	// first-check and the claim atomic; a concurrent teardown cannot
	// also pass it and emit a second terminal event.
	s.done()
	if s.handshakeTimer != nil {
		s.handshakeTimer.Stop()
		s.handshakeTimer = nil
	}
	conn := s.conn
	s.trusted = false
	s.mu.Unlock()

	s.engine.Close()
	if conn != nil {
		conn.Close()
	}
	s.secure.Close()
	s.client.emit(terminal)
}
