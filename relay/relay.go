// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pairlink/pairlink/lib/clock"
	"github.com/pairlink/pairlink/wire"
)

// DefaultMessageRate is the sustained per-connection inbound message
// rate, with DefaultMessageBurst absorbing trickle-ICE bursts.
const (
	DefaultMessageRate  = 50
	DefaultMessageBurst = 100
)

// DefaultStrikeLimit is the number of protocol violations (malformed
// messages, out-of-place kinds, rate overruns) a connection may
// accumulate before it is disconnected.
const DefaultStrikeLimit = 5

// outboundQueueSize bounds per-connection outbound buffering. A
// consumer that falls this far behind is disconnected rather than
// allowed to grow relay memory.
const outboundQueueSize = 64

// ServerConfig carries relay server tunables. Zero values select
// defaults.
type ServerConfig struct {
	Clock        clock.Clock
	Logger       *slog.Logger
	RequestTTL   time.Duration
	MaxPending   int
	MessageRate  rate.Limit
	MessageBurst int
	StrikeLimit  int
}

// Server accepts client connections and speaks the relay signaling
// protocol over them. Message handling is serialized within each
// connection and concurrent across connections; all shared state
// lives in the Registry behind its own lock.
type Server struct {
	registry *Registry
	logger   *slog.Logger

	messageRate  rate.Limit
	messageBurst int
	strikeLimit  int

	mu          sync.Mutex
	connections map[*connection]struct{}
	closed      bool
}

// NewServer creates a relay server with a fresh registry.
func NewServer(config ServerConfig) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MessageRate <= 0 {
		config.MessageRate = DefaultMessageRate
	}
	if config.MessageBurst <= 0 {
		config.MessageBurst = DefaultMessageBurst
	}
	if config.StrikeLimit <= 0 {
		config.StrikeLimit = DefaultStrikeLimit
	}
	return &Server{
		registry: NewRegistry(RegistryConfig{
			Clock:      config.Clock,
			Logger:     config.Logger,
			RequestTTL: config.RequestTTL,
			MaxPending: config.MaxPending,
		}),
		logger:       config.Logger,
		messageRate:  config.MessageRate,
		messageBurst: config.MessageBurst,
		strikeLimit:  config.StrikeLimit,
		connections:  make(map[*connection]struct{}),
	}
}

// Registry exposes the server's registry, mainly for tests and
// in-process relays.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Serve accepts connections from listener until ctx is cancelled or
// the listener fails.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		netConn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.closeAll()
				return nil
			}
			return fmt.Errorf("relay: accept: %w", err)
		}
		s.HandleConn(netConn)
	}
}

// HandleConn runs the relay protocol over one client connection in
// background goroutines. Exposed so in-process relays (tests, the
// loopback harness) can feed pipe connections directly.
func (s *Server) HandleConn(netConn net.Conn) {
	conn := &connection{
		server:   s,
		netConn:  netConn,
		logger:   s.logger.With("remote", netConn.RemoteAddr().String()),
		limiter:  rate.NewLimiter(s.messageRate, s.messageBurst),
		outbound: make(chan wire.Message, outboundQueueSize),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		netConn.Close()
		return
	}
	s.connections[conn] = struct{}{}
	s.mu.Unlock()

	go conn.writeLoop()
	go conn.readLoop()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*connection, 0, len(s.connections))
	for conn := range s.connections {
		conns = append(conns, conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.close()
	}
}

func (s *Server) removeConnection(conn *connection) {
	s.mu.Lock()
	delete(s.connections, conn)
	s.mu.Unlock()
}

// connection is one client of the relay. The read loop is the sole
// dispatcher for the connection, so handling is serialized; Send may
// be called from the registry under its lock and therefore never
// blocks.
type connection struct {
	server  *Server
	netConn net.Conn
	logger  *slog.Logger
	limiter *rate.Limiter

	outbound  chan wire.Message
	done      chan struct{}
	closeOnce sync.Once

	// code is set on successful registration. Written by the read
	// loop; read by close and Send on other goroutines.
	codeMu sync.Mutex
	code   string

	strikes int
}

func (c *connection) setCode(code string) {
	c.codeMu.Lock()
	c.code = code
	c.codeMu.Unlock()
}

func (c *connection) getCode() string {
	c.codeMu.Lock()
	defer c.codeMu.Unlock()
	return c.code
}

var _ Sink = (*connection)(nil)

// Send queues a message for the client. If the queue is full the
// connection is dropped: a stalled consumer must not hold relay
// memory hostage.
func (c *connection) Send(message wire.Message) {
	select {
	case c.outbound <- message:
	case <-c.done:
	default:
		c.logger.Warn("outbound queue full, dropping connection", "code", c.getCode())
		// Send may run under the registry lock, and close re-enters the
		// registry through Unregister. Tear down asynchronously.
		go c.close()
	}
}

func (c *connection) writeLoop() {
	for {
		select {
		case message := <-c.outbound:
			if err := wire.WriteMessage(c.netConn, message); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *connection) readLoop() {
	defer c.close()

	for {
		message, err := wire.ReadMessage(c.netConn)
		if err != nil {
			if errors.Is(err, wire.ErrMalformed) {
				// The envelope framed correctly, so the stream is still
				// aligned. Drop the message and count the violation.
				if c.strike(err.Error()) {
					return
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				// Broken framing leaves the stream at an unknown skew.
				c.logger.Warn("dropping connection on framing error", "error", err)
			}
			return
		}

		if !c.limiter.Allow() {
			if c.strike("rate limit exceeded") {
				return
			}
			continue
		}

		if c.dispatch(message) {
			return
		}
	}
}

// dispatch handles one validated inbound message. Returns true when
// the connection should be torn down.
func (c *connection) dispatch(message wire.Message) bool {
	switch m := message.(type) {
	case *wire.Register:
		return c.handleRegister(m)
	case *wire.PairRequest:
		return c.handlePairRequest(m)
	case *wire.PairResponse:
		return c.handlePairResponse(m)
	case *wire.Offer, *wire.Answer, *wire.ICECandidate:
		return c.forwardToPeer(message)
	default:
		// Relay-to-client kinds arriving inbound are protocol abuse.
		return c.strike(fmt.Sprintf("unexpected %s from client", message.Kind()))
	}
}

func (c *connection) handleRegister(m *wire.Register) bool {
	if c.getCode() != "" {
		return c.strike("duplicate registration")
	}
	err := c.server.registry.Register(m.PairingCode, m.PublicKey, c)
	switch {
	case errors.Is(err, ErrCollision):
		c.Send(&wire.CodeCollision{})
		return false
	case err != nil:
		return c.strike(err.Error())
	}
	c.setCode(m.PairingCode)
	c.Send(&wire.Registered{})
	return false
}

func (c *connection) handlePairRequest(m *wire.PairRequest) bool {
	code := c.getCode()
	if code == "" {
		return c.strike("pair request before registration")
	}
	_, err := c.server.registry.RequestPair(code, m.TargetCode)
	switch {
	case errors.Is(err, ErrTargetNotFound):
		c.Send(&wire.PairError{Reason: "target not found"})
	case errors.Is(err, ErrTooManyPending):
		c.Send(&wire.PairError{Reason: "target has too many pending requests"})
	case errors.Is(err, ErrSelfPair):
		c.Send(&wire.PairError{Reason: "cannot pair with own code"})
	case errors.Is(err, ErrAlreadyMatched):
		c.Send(&wire.PairError{Reason: "already paired"})
	case errors.Is(err, ErrTargetBusy):
		c.Send(&wire.PairError{Reason: "target already paired"})
	case err != nil:
		return c.strike(err.Error())
	}
	return false
}

func (c *connection) handlePairResponse(m *wire.PairResponse) bool {
	code := c.getCode()
	if code == "" {
		return c.strike("pair response before registration")
	}
	if err := c.server.registry.Respond(m.RequestID, code, m.Accept); err != nil {
		reason := "unknown pair request"
		if errors.Is(err, ErrAlreadyMatched) {
			reason = "already paired"
		}
		c.Send(&wire.PairError{Reason: reason})
	}
	return false
}

// forwardToPeer routes a negotiation message to the matched peer and
// nowhere else. An unmatched sender gets an explicit routing error
// rather than a silent drop.
func (c *connection) forwardToPeer(message wire.Message) bool {
	code := c.getCode()
	if code == "" {
		return c.strike(fmt.Sprintf("%s before registration", message.Kind()))
	}
	peer, ok := c.server.registry.PeerSink(code)
	if !ok {
		c.Send(&wire.PairError{Reason: "no matched peer"})
		return false
	}
	peer.Send(message)
	return false
}

// strike records a protocol violation. Returns true once the strike
// limit is reached and the connection should drop.
func (c *connection) strike(reason string) bool {
	c.strikes++
	c.logger.Warn("protocol violation", "reason", reason, "strikes", c.strikes)
	if c.strikes >= c.server.strikeLimit {
		c.logger.Warn("strike limit reached, disconnecting", "code", c.getCode())
		return true
	}
	return false
}

// close tears the connection down exactly once: the registration is
// released (expiring its pending requests and notifying a matched
// peer) before the socket closes.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		if code := c.getCode(); code != "" {
			c.server.registry.Unregister(code)
		}
		close(c.done)
		c.netConn.Close()
		c.server.removeConnection(c)
	})
}
