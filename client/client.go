// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairlink/pairlink/lib/clock"
	"github.com/pairlink/pairlink/negotiate"
	"github.com/pairlink/pairlink/relay"
	"github.com/pairlink/pairlink/securechan"
	"github.com/pairlink/pairlink/tofu"
	"github.com/pairlink/pairlink/wire"
)

// DefaultHandshakeTimeout bounds the wait for the peer's handshake
// frame after the data channel opens.
const DefaultHandshakeTimeout = 15 * time.Second

// maxRegisterAttempts bounds collision-driven code regeneration. With
// a 32^6 code space, hitting it means the relay is lying or full.
const maxRegisterAttempts = 8

var (
	// ErrNoSession is returned by session operations when no peer
	// session exists or it is not yet trusted.
	ErrNoSession = errors.New("client: no active trusted session")

	// ErrClosed is returned once the client is closed.
	ErrClosed = errors.New("client: closed")
)

// Config carries client tunables. Zero values select defaults.
type Config struct {
	ICEServers       []webrtc.ICEServer
	Clock            clock.Clock
	Logger           *slog.Logger
	HandshakeTimeout time.Duration
	ConnectTimeout   time.Duration

	// FailureThreshold is the consecutive decrypt-failure count that
	// aborts a session. Zero selects the securechan default.
	FailureThreshold int

	// Trust enables trust-on-first-use fingerprint checks across
	// sessions. Nil disables them; the in-session binding check always
	// runs.
	Trust *tofu.Store
}

// Client is one pairing endpoint: a registered code, a session
// identity, and at most one secure peer session.
type Client struct {
	code     string
	identity *securechan.Identity
	logger   *slog.Logger
	clock    clock.Clock
	config   Config

	relayConn net.Conn
	writeMu   sync.Mutex

	// emitMu spans every send on events, so Close can only mark the
	// channel closed while no send is in flight.
	emitMu       sync.Mutex
	eventsClosed bool

	events chan Event
	done   chan struct{}
	once   sync.Once

	// session is the single peer session, created on PairMatched.
	// Guarded by mu; all relay message dispatch happens on the read
	// loop goroutine.
	mu      sync.Mutex
	session *peerSession
}

// Connect registers a fresh pairing code and identity over an
// established relay connection. On a code collision the client
// generates a new code and retries; the colliding registration is
// never disturbed. The returned client is receiving relay events.
func Connect(relayConn net.Conn, config Config) (*Client, error) {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}

	identity, err := securechan.NewIdentity()
	if err != nil {
		return nil, err
	}

	client := &Client{
		identity:  identity,
		logger:    config.Logger,
		clock:     config.Clock,
		config:    config,
		relayConn: relayConn,
		events:    make(chan Event, 32),
		done:      make(chan struct{}),
	}

	if err := client.register(); err != nil {
		identity.Close()
		return nil, err
	}
	client.logger = config.Logger.With("code", client.code)
	client.logger.Info("registered", "fingerprint", identity.Fingerprint())

	go client.readLoop()
	return client, nil
}

// register claims a code, regenerating on collisions. Runs before the
// read loop starts, so responses can be read synchronously.
func (c *Client) register() error {
	for attempt := 0; attempt < maxRegisterAttempts; attempt++ {
		code, err := relay.GenerateCode()
		if err != nil {
			return err
		}
		if err := c.write(&wire.Register{PairingCode: code, PublicKey: c.identity.PublicKey()}); err != nil {
			return fmt.Errorf("client: sending registration: %w", err)
		}
		response, err := wire.ReadMessage(c.relayConn)
		if err != nil {
			return fmt.Errorf("client: reading registration response: %w", err)
		}
		switch response.(type) {
		case *wire.Registered:
			c.code = code
			return nil
		case *wire.CodeCollision:
			continue
		default:
			return fmt.Errorf("client: unexpected %s during registration", response.Kind())
		}
	}
	return fmt.Errorf("client: %d pairing code collisions in a row", maxRegisterAttempts)
}

// Code returns the registered pairing code to share out of band.
func (c *Client) Code() string {
	return c.code
}

// Fingerprint returns this endpoint's key fingerprint for out-of-band
// verification display.
func (c *Client) Fingerprint() string {
	return c.identity.Fingerprint()
}

// Events returns the client's event stream. The channel closes when
// the client closes.
func (c *Client) Events() <-chan Event {
	return c.events
}

// RequestPair asks the relay to pair with the given code. The outcome
// arrives as a PairMatchedEvent, PairRejectedEvent, PairTimeoutEvent,
// or PairErrorEvent.
func (c *Client) RequestPair(targetCode string) error {
	if !wire.ValidCode(targetCode) {
		return fmt.Errorf("client: %q is not a valid pairing code", targetCode)
	}
	return c.write(&wire.PairRequest{TargetCode: targetCode})
}

// Accept accepts a pending incoming pair request.
func (c *Client) Accept(requestID uint64) error {
	return c.write(&wire.PairResponse{RequestID: requestID, Accept: true})
}

// Reject declines a pending incoming pair request.
func (c *Client) Reject(requestID uint64) error {
	return c.write(&wire.PairResponse{RequestID: requestID, Accept: false})
}

// Send encrypts plaintext and hands the sealed frame to the
// transport. Valid only while the session is trusted.
func (c *Client) Send(plaintext []byte) error {
	session := c.currentSession()
	if session == nil {
		return ErrNoSession
	}
	return session.send(plaintext)
}

// AcceptKeyChange resolves a pending KeyChangedEvent by trusting the
// new fingerprint. The stored record is updated and the session
// proceeds to trusted.
func (c *Client) AcceptKeyChange() error {
	session := c.currentSession()
	if session == nil {
		return ErrNoSession
	}
	return session.resolveKeyChange(true)
}

// RejectKeyChange resolves a pending KeyChangedEvent by refusing the
// new key. The session aborts as a security failure.
func (c *Client) RejectKeyChange() error {
	session := c.currentSession()
	if session == nil {
		return ErrNoSession
	}
	return session.resolveKeyChange(false)
}

// Disconnect tears down the active session: timers cancelled, the
// transport closed, key material zeroed, and exactly one terminal
// event delivered.
func (c *Client) Disconnect() {
	if session := c.currentSession(); session != nil {
		session.teardown(DisconnectedEvent{PeerCode: session.peerCode, Reason: errors.New("local disconnect")})
	}
}

// Close disconnects any session, closes the relay connection, and
// destroys the identity key.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.Disconnect()
		close(c.done)
		c.relayConn.Close()
		c.identity.Close()

		// done is closed, so any emit blocked on a full buffer has
		// been released. Taking emitMu then guarantees no send is in
		// flight and the closed flag stops new ones before the channel
		// closes under the same lock.
		c.emitMu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.emitMu.Unlock()
	})
	return nil
}

func (c *Client) currentSession() *peerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// write sends one message to the relay. Serialized because engine
// callbacks and caller operations write concurrently.
func (c *Client) write(message wire.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	return wire.WriteMessage(c.relayConn, message)
}

// emit delivers an event, blocking until the caller consumes it or
// the client closes. The mutex is held across the send; see Close.
func (c *Client) emit(event Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- event:
	case <-c.done:
	}
}

// readLoop is the sole dispatcher for relay messages; everything it
// touches is serialized through it or guarded.
func (c *Client) readLoop() {
	for {
		message, err := wire.ReadMessage(c.relayConn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Debug("relay connection lost", "error", err)
				if session := c.currentSession(); session != nil && !session.transportOpen() {
					// Negotiation still depended on the relay.
					session.teardown(DisconnectedEvent{PeerCode: session.peerCode, Reason: fmt.Errorf("relay connection lost: %w", err)})
				}
			}
			return
		}
		c.dispatch(message)
	}
}

func (c *Client) dispatch(message wire.Message) {
	switch m := message.(type) {
	case *wire.PairIncoming:
		c.emit(PairIncomingEvent{
			RequestID:       m.RequestID,
			FromCode:        m.FromCode,
			FromFingerprint: securechan.Fingerprint(m.FromPublicKey),
		})

	case *wire.PairMatched:
		c.handleMatched(m)

	case *wire.PairRejected:
		c.emit(PairRejectedEvent{})

	case *wire.PairTimeout:
		c.emit(PairTimeoutEvent{})

	case *wire.PairError:
		c.emit(PairErrorEvent{Reason: m.Reason})

	case *wire.Offer:
		if session := c.currentSession(); session != nil {
			if err := session.engine.HandleOffer(m.SDP); err != nil {
				c.logger.Warn("applying offer failed", "error", err)
			}
		}

	case *wire.Answer:
		if session := c.currentSession(); session != nil {
			if err := session.engine.HandleAnswer(m.SDP); err != nil {
				c.logger.Warn("applying answer failed", "error", err)
			}
		}

	case *wire.ICECandidate:
		if session := c.currentSession(); session != nil {
			session.engine.HandleCandidate(*m)
		}

	default:
		c.logger.Warn("unexpected relay message", "kind", message.Kind().String())
	}
}

// handleMatched builds the peer session and starts negotiation.
func (c *Client) handleMatched(m *wire.PairMatched) {
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		c.logger.Warn("match while a session exists, ignoring", "peer", m.PeerCode)
		return
	}

	session, err := newPeerSession(c, m)
	if err != nil {
		c.mu.Unlock()
		c.logger.Error("creating peer session failed", "error", err)
		c.emit(DisconnectedEvent{PeerCode: m.PeerCode, Reason: err})
		return
	}
	c.session = session
	c.mu.Unlock()

	c.emit(PairMatchedEvent{
		PeerCode:        m.PeerCode,
		PeerFingerprint: securechan.Fingerprint(m.PeerPublicKey),
		Role:            m.Role,
	})
	session.start()
}

// relaySignaling adapts the relay connection to the negotiation
// engine's signaling interface.
type relaySignaling struct {
	client *Client
}

var _ negotiate.Signaling = relaySignaling{}

func (s relaySignaling) SendOffer(sdp string) error {
	return s.client.write(&wire.Offer{SDP: sdp})
}

func (s relaySignaling) SendAnswer(sdp string) error {
	return s.client.write(&wire.Answer{SDP: sdp})
}

func (s relaySignaling) SendCandidate(candidate wire.ICECandidate) error {
	return s.client.write(&candidate)
}
