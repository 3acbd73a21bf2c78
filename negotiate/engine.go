// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package negotiate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/pairlink/pairlink/lib/clock"
	"github.com/pairlink/pairlink/wire"
)

// channelLabel is the label of the single data channel the secure
// session runs over. The initiator creates it before the offer so the
// SDP includes a data channel section.
const channelLabel = "pairlink"

// DefaultConnectTimeout is the maximum time to reach a connected
// transport before an ICE restart (initiator) or failure (responder).
const DefaultConnectTimeout = 30 * time.Second

// DefaultMaxRestarts bounds automatic ICE restarts before the engine
// gives up and surfaces a transport error.
const DefaultMaxRestarts = 2

var (
	// ErrConnectTimeout is the failure cause when the transport never
	// reached Connected within the deadline, restarts included.
	ErrConnectTimeout = errors.New("negotiate: transport connect timed out")

	// ErrTransportFailed is the failure cause when ICE reported a
	// terminal failure and no restarts remain.
	ErrTransportFailed = errors.New("negotiate: transport failed")
)

// Signaling carries locally generated negotiation messages to the
// peer, in practice through the rendezvous relay.
type Signaling interface {
	SendOffer(sdp string) error
	SendAnswer(sdp string) error
	SendCandidate(candidate wire.ICECandidate) error
}

// State is the negotiation state. Transitions are one-way except for
// the Connected/Disconnected pair, which tracks transient ICE drops.
type State int

const (
	StateNew State = iota
	StateOfferCreated
	StateAwaitingOffer
	StateAwaitingAnswer
	StateRemoteDescriptionSet
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferCreated:
		return "offer-created"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateRemoteDescriptionSet:
		return "remote-description-set"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config carries the engine's tunables. Zero values select defaults.
type Config struct {
	ICEServers     []webrtc.ICEServer
	Clock          clock.Clock
	Logger         *slog.Logger
	ConnectTimeout time.Duration
	MaxRestarts    int
	BufferCapacity int
}

// Engine drives transport negotiation for a single peer connection.
// It owns one PeerConnection exclusively; relay-delivered messages
// for this peer are fed in through HandleOffer, HandleAnswer, and
// HandleCandidate, and the opened data channel comes out of Opened.
type Engine struct {
	peerCode  string
	role      wire.Role
	signaling Signaling
	clock     clock.Clock
	logger    *slog.Logger

	connectTimeout time.Duration
	maxRestarts    int

	pc *webrtc.PeerConnection

	mu           sync.Mutex
	state        State
	remoteSet    bool
	restarts     int
	connectTimer *clock.Timer
	buffer       *candidateBuffer

	// opened delivers the detached data channel once, on open. failed
	// delivers the terminal failure cause once.
	opened chan *ChannelConn
	failed chan error
}

// New creates an engine for one peer. The role comes from the match
// event: the initiator creates the data channel and the offer, the
// responder answers.
func New(peerCode string, role wire.Role, signaling Signaling, config Config) (*Engine, error) {
	if role != wire.RoleInitiator && role != wire.RoleResponder {
		return nil, fmt.Errorf("negotiate: unknown role %q", role)
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.MaxRestarts < 0 {
		config.MaxRestarts = 0
	} else if config.MaxRestarts == 0 {
		config.MaxRestarts = DefaultMaxRestarts
	}

	engine := &Engine{
		peerCode:       peerCode,
		role:           role,
		signaling:      signaling,
		clock:          config.Clock,
		logger:         config.Logger.With("peer", peerCode, "role", string(role)),
		connectTimeout: config.ConnectTimeout,
		maxRestarts:    config.MaxRestarts,
		state:          StateNew,
		buffer:         newCandidateBuffer(config.BufferCapacity),
		opened:         make(chan *ChannelConn, 1),
		failed:         make(chan error, 1),
	}

	pc, err := newPeerConnection(config.ICEServers)
	if err != nil {
		return nil, fmt.Errorf("negotiate: creating PeerConnection: %w", err)
	}
	engine.pc = pc

	pc.OnICECandidate(engine.handleLocalCandidate)
	pc.OnICEConnectionStateChange(engine.handleICEState)
	pc.OnDataChannel(engine.registerChannel)
	return engine, nil
}

// Opened delivers the data channel, wrapped as a net.Conn, once the
// transport connects and the channel opens.
func (e *Engine) Opened() <-chan *ChannelConn {
	return e.opened
}

// Failed delivers the terminal failure cause. Once it fires the
// engine is done; the caller decides whether to retry with a fresh
// engine.
func (e *Engine) Failed() <-chan error {
	return e.failed
}

// State returns the current negotiation state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Start begins negotiation. The initiator creates the data channel,
// generates an offer, and sends it through signaling; the responder
// arms its deadline and waits for the offer to arrive.
func (e *Engine) Start() error {
	if e.role == wire.RoleResponder {
		e.mu.Lock()
		e.state = StateAwaitingOffer
		e.armConnectTimerLocked()
		e.mu.Unlock()
		return nil
	}

	ordered := true
	dc, err := e.pc.CreateDataChannel(channelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("negotiate: creating data channel: %w", err)
	}
	e.registerChannel(dc)

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("negotiate: creating offer: %w", err)
	}
	e.mu.Lock()
	e.state = StateOfferCreated
	e.mu.Unlock()

	// Trickle ICE: the local description is sent as soon as it exists;
	// candidates follow individually as gathering produces them.
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("negotiate: setting local description: %w", err)
	}
	if err := e.signaling.SendOffer(e.pc.LocalDescription().SDP); err != nil {
		return fmt.Errorf("negotiate: sending offer: %w", err)
	}

	e.mu.Lock()
	e.state = StateAwaitingAnswer
	e.armConnectTimerLocked()
	e.mu.Unlock()
	e.logger.Debug("offer sent")
	return nil
}

// HandleOffer applies a relay-delivered offer and sends back an
// answer. Only the responder receives offers; after the first one,
// further offers are ICE restarts from the initiator.
func (e *Engine) HandleOffer(sdp string) error {
	if e.role != wire.RoleResponder {
		return fmt.Errorf("negotiate: initiator received an offer")
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("negotiate: setting remote offer: %w", err)
	}
	e.markRemoteSet()

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("negotiate: creating answer: %w", err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("negotiate: setting local description: %w", err)
	}
	if err := e.signaling.SendAnswer(e.pc.LocalDescription().SDP); err != nil {
		return fmt.Errorf("negotiate: sending answer: %w", err)
	}

	e.mu.Lock()
	if e.state == StateRemoteDescriptionSet {
		e.state = StateConnecting
	}
	e.mu.Unlock()
	e.logger.Debug("answer sent")
	return nil
}

// HandleAnswer applies a relay-delivered answer to the pending offer.
func (e *Engine) HandleAnswer(sdp string) error {
	if e.role != wire.RoleInitiator {
		return fmt.Errorf("negotiate: responder received an answer")
	}
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := e.pc.SetRemoteDescription(remote); err != nil {
		return fmt.Errorf("negotiate: setting remote answer: %w", err)
	}
	e.markRemoteSet()

	e.mu.Lock()
	if e.state == StateRemoteDescriptionSet {
		e.state = StateConnecting
	}
	e.mu.Unlock()
	return nil
}

// markRemoteSet flips the remote-description flag and drains the
// early-candidate buffer exactly once, in arrival order, before any
// newly arriving candidate can be applied. The flag flip and the
// drain are atomic under the lock so no candidate can jump the queue.
func (e *Engine) markRemoteSet() {
	e.mu.Lock()
	defer e.mu.Unlock()
	first := !e.remoteSet
	e.remoteSet = true
	if e.state != StateConnected && e.state != StateFailed && e.state != StateClosed {
		e.state = StateRemoteDescriptionSet
	}
	if !first {
		return
	}
	drained := e.buffer.drain()
	for _, candidate := range drained {
		e.applyCandidateLocked(candidate)
	}
	if len(drained) > 0 {
		e.logger.Debug("drained buffered candidates", "count", len(drained))
	}
}

// HandleCandidate processes a relay-delivered ICE candidate: applied
// immediately once the remote description is set, buffered until then.
func (e *Engine) HandleCandidate(candidate wire.ICECandidate) {
	init := webrtc.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        &candidate.SDPMid,
		SDPMLineIndex: &candidate.SDPMLineIndex,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.remoteSet {
		if e.buffer.push(init) {
			e.logger.Warn("candidate buffer full, dropped oldest")
		}
		return
	}
	e.applyCandidateLocked(init)
}

// applyCandidateLocked adds one remote candidate. Failures are benign
// (stale candidates, pruned protocols) and drop only that candidate.
func (e *Engine) applyCandidateLocked(candidate webrtc.ICECandidateInit) {
	if err := e.pc.AddICECandidate(candidate); err != nil {
		e.logger.Warn("applying remote candidate failed", "error", err)
	}
}

// handleLocalCandidate trickles a locally gathered candidate to the
// peer. Local candidates are forwarded unconditionally; only inbound
// candidates are subject to buffering.
func (e *Engine) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return // gathering complete
	}
	init := candidate.ToJSON()
	outbound := wire.ICECandidate{Candidate: init.Candidate}
	if init.SDPMid != nil {
		outbound.SDPMid = *init.SDPMid
	}
	if init.SDPMLineIndex != nil {
		outbound.SDPMLineIndex = *init.SDPMLineIndex
	}
	if err := e.signaling.SendCandidate(outbound); err != nil {
		e.logger.Warn("sending local candidate failed", "error", err)
	}
}

func (e *Engine) handleICEState(state webrtc.ICEConnectionState) {
	e.logger.Debug("ICE state change", "state", state.String())

	switch state {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		e.mu.Lock()
		e.stopConnectTimerLocked()
		if e.state != StateFailed && e.state != StateClosed {
			e.state = StateConnected
		}
		e.mu.Unlock()

	case webrtc.ICEConnectionStateDisconnected:
		e.mu.Lock()
		if e.state == StateConnected {
			e.state = StateDisconnected
			e.armConnectTimerLocked()
		}
		e.mu.Unlock()

	case webrtc.ICEConnectionStateFailed:
		e.restartOrFail(ErrTransportFailed)
	}
}

// restartOrFail attempts an ICE restart if this side is the initiator
// and the restart budget allows, otherwise transitions to Failed with
// the given cause.
func (e *Engine) restartOrFail(cause error) {
	e.mu.Lock()
	if e.state == StateFailed || e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	if e.role != wire.RoleInitiator || e.restarts >= e.maxRestarts {
		e.failLocked(fmt.Errorf("%w after %d restarts", cause, e.restarts))
		e.mu.Unlock()
		return
	}
	e.restarts++
	attempt := e.restarts
	e.state = StateConnecting
	e.armConnectTimerLocked()
	e.mu.Unlock()

	e.logger.Info("restarting ICE", "attempt", attempt, "cause", cause)

	offer, err := e.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		e.fail(fmt.Errorf("negotiate: creating restart offer: %w", err))
		return
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		e.fail(fmt.Errorf("negotiate: setting restart description: %w", err))
		return
	}
	if err := e.signaling.SendOffer(e.pc.LocalDescription().SDP); err != nil {
		e.fail(fmt.Errorf("negotiate: sending restart offer: %w", err))
		return
	}
}

func (e *Engine) fail(cause error) {
	e.mu.Lock()
	e.failLocked(cause)
	e.mu.Unlock()
}

// failLocked transitions to Failed and delivers the cause exactly
// once. The PeerConnection is closed off the lock; pion callbacks can
// re-enter the engine during Close.
func (e *Engine) failLocked(cause error) {
	if e.state == StateFailed || e.state == StateClosed {
		return
	}
	e.state = StateFailed
	e.stopConnectTimerLocked()
	select {
	case e.failed <- cause:
	default:
	}
	e.logger.Warn("negotiation failed", "error", cause)
	go e.pc.Close()
}

func (e *Engine) armConnectTimerLocked() {
	e.stopConnectTimerLocked()
	e.connectTimer = e.clock.AfterFunc(e.connectTimeout, func() {
		e.restartOrFail(ErrConnectTimeout)
	})
}

func (e *Engine) stopConnectTimerLocked() {
	if e.connectTimer != nil {
		e.connectTimer.Stop()
		e.connectTimer = nil
	}
}

// registerChannel arranges delivery of the session data channel once
// it opens. The initiator registers its locally created channel; the
// responder receives the channel through OnDataChannel.
func (e *Engine) registerChannel(dc *webrtc.DataChannel) {
	dc.OnOpen(func() {
		raw, err := dc.Detach()
		if err != nil {
			e.logger.Error("detaching data channel failed", "error", err)
			return
		}
		conn := newChannelConn(raw, "local/"+dc.Label(), e.peerCode+"/"+dc.Label())
		select {
		case e.opened <- conn:
			e.logger.Debug("data channel open", "label", dc.Label())
		default:
			// Exactly one channel per session; a duplicate is discarded.
			conn.Close()
		}
	})
}

// Close tears the engine down. Any pending timer is cancelled before
// the PeerConnection closes, so a deadline can never fire into a
// disposed engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return nil
	}
	e.state = StateClosed
	e.stopConnectTimerLocked()
	e.mu.Unlock()
	return e.pc.Close()
}

// newPeerConnection creates a pion PeerConnection with data channel
// detach enabled (for stream access) and loopback candidates included
// (for same-machine sessions and test environments).
func newPeerConnection(servers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.DetachDataChannels()
	settingEngine.SetIncludeLoopbackCandidate(true)

	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
}
