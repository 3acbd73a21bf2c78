// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pairlink/pairlink/lib/clock"
	"github.com/pairlink/pairlink/wire"
)

// DefaultRequestTTL is how long a pair request stays pending before
// it expires and releases its slot.
const DefaultRequestTTL = 60 * time.Second

// DefaultMaxPendingPerTarget bounds concurrent pending pair requests
// aimed at one code. Requests beyond the bound are rejected, not
// queued; the existing pending requests keep their slots.
const DefaultMaxPendingPerTarget = 8

var (
	// ErrCollision means the pairing code is already registered. The
	// existing registration is untouched; the caller generates a new
	// code and retries.
	ErrCollision = errors.New("relay: pairing code already registered")

	// ErrTargetNotFound means no active registration holds the
	// requested code.
	ErrTargetNotFound = errors.New("relay: target code not registered")

	// ErrTooManyPending means the target already has the maximum
	// number of pending pair requests.
	ErrTooManyPending = errors.New("relay: target has too many pending requests")

	// ErrSelfPair rejects a pair request aimed at the requester's own
	// code.
	ErrSelfPair = errors.New("relay: cannot pair with own code")

	// ErrUnknownRequest means the request ID does not name a pending
	// request addressed to the responding party.
	ErrUnknownRequest = errors.New("relay: unknown pair request")

	// ErrAlreadyMatched means the acting party already has a matched
	// peer. A matched party holds exactly one signaling path; letting
	// it pair again would re-point routing mid-negotiation.
	ErrAlreadyMatched = errors.New("relay: already matched with a peer")

	// ErrTargetBusy means the target already has a matched peer.
	ErrTargetBusy = errors.New("relay: target already matched with a peer")

	// ErrNotRegistered means the operation requires a registered code
	// the connection does not have.
	ErrNotRegistered = errors.New("relay: connection not registered")
)

// Sink receives relay-generated messages for one registered party.
// Send must not block: the registry calls it from inside its critical
// section and from timer callbacks.
type Sink interface {
	Send(wire.Message)
}

type requestState int

const (
	requestPending requestState = iota
	requestMatched
	requestRejected
	requestExpired
)

// pairRequest tracks one pending pair request. Transitions out of
// Pending are one-way and terminal.
type pairRequest struct {
	id    uint64
	from  *registration
	to    *registration
	state requestState
	timer *clock.Timer
}

// registration is one active pairing-code holder.
type registration struct {
	code      string
	publicKey []byte
	sink      Sink

	// pending are requests targeting this code, in arrival order.
	pending []*pairRequest

	// peer is set once a match succeeds. Negotiation messages route
	// only to the matched peer.
	peer *registration
}

// Registry owns the code → registration map and all pair-request
// state. Every operation runs as one short critical section, so a
// match and a concurrent disconnect of the same code can never
// interleave partially.
type Registry struct {
	clock  clock.Clock
	logger *slog.Logger

	requestTTL time.Duration
	maxPending int

	mu            sync.Mutex
	sessions      map[string]*registration
	requests      map[uint64]*pairRequest
	nextRequestID uint64
}

// RegistryConfig carries Registry tunables. Zero values select
// defaults.
type RegistryConfig struct {
	Clock      clock.Clock
	Logger     *slog.Logger
	RequestTTL time.Duration
	MaxPending int
}

// NewRegistry creates an empty registry.
func NewRegistry(config RegistryConfig) *Registry {
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RequestTTL <= 0 {
		config.RequestTTL = DefaultRequestTTL
	}
	if config.MaxPending <= 0 {
		config.MaxPending = DefaultMaxPendingPerTarget
	}
	return &Registry{
		clock:      config.Clock,
		logger:     config.Logger,
		requestTTL: config.RequestTTL,
		maxPending: config.MaxPending,
		sessions:   make(map[string]*registration),
		requests:   make(map[uint64]*pairRequest),
	}
}

// Register claims a pairing code for the given public key and sink.
// A code already held by an active registration returns ErrCollision
// and leaves the existing registration untouched.
func (r *Registry) Register(code string, publicKey []byte, sink Sink) error {
	if !wire.ValidCode(code) {
		return fmt.Errorf("relay: %q is not a valid pairing code", code)
	}
	if len(publicKey) != wire.PublicKeySize {
		return fmt.Errorf("relay: public key has %d bytes, want %d", len(publicKey), wire.PublicKeySize)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[code]; exists {
		return ErrCollision
	}
	key := make([]byte, len(publicKey))
	copy(key, publicKey)
	r.sessions[code] = &registration{
		code:      code,
		publicKey: key,
		sink:      sink,
	}
	r.logger.Debug("code registered", "code", code)
	return nil
}

// Lookup returns the public key registered under code.
func (r *Registry) Lookup(code string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.sessions[code]
	if !ok {
		return nil, false
	}
	key := make([]byte, len(reg.publicKey))
	copy(key, reg.publicKey)
	return key, true
}

// RequestPair creates a pending pair request from fromCode to toCode,
// delivers PairIncoming to the target, and arms the expiry timer. The
// returned ID names the request in the target's PairResponse.
func (r *Registry) RequestPair(fromCode, toCode string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	from, ok := r.sessions[fromCode]
	if !ok {
		return 0, ErrNotRegistered
	}
	if from.peer != nil {
		return 0, ErrAlreadyMatched
	}
	if fromCode == toCode {
		return 0, ErrSelfPair
	}
	to, ok := r.sessions[toCode]
	if !ok {
		return 0, ErrTargetNotFound
	}
	if to.peer != nil {
		return 0, ErrTargetBusy
	}
	if len(to.pending) >= r.maxPending {
		return 0, ErrTooManyPending
	}

	r.nextRequestID++
	request := &pairRequest{
		id:    r.nextRequestID,
		from:  from,
		to:    to,
		state: requestPending,
	}
	request.timer = r.clock.AfterFunc(r.requestTTL, func() {
		r.expire(request)
	})
	to.pending = append(to.pending, request)
	r.requests[request.id] = request

	to.sink.Send(&wire.PairIncoming{
		RequestID:     request.id,
		FromCode:      from.code,
		FromPublicKey: from.publicKey,
	})
	r.logger.Debug("pair requested", "from", fromCode, "to", toCode, "request", request.id)
	return request.id, nil
}

// Respond resolves a pending pair request. Only the request's target
// may respond. Accepting matches the two parties and assigns roles as
// a pure function of the request: the accepting side is always the
// initiator, the requester always the responder, so the two sides can
// never both create offers.
func (r *Registry) Respond(requestID uint64, byCode string, accept bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	request, ok := r.requests[requestID]
	if !ok || request.to.code != byCode || request.state != requestPending {
		return ErrUnknownRequest
	}
	if request.to.peer != nil {
		return ErrAlreadyMatched
	}

	if !accept {
		r.resolveLocked(request, requestRejected)
		request.from.sink.Send(&wire.PairRejected{})
		r.logger.Debug("pair rejected", "request", request.id)
		return nil
	}

	r.resolveLocked(request, requestMatched)
	request.from.peer = request.to
	request.to.peer = request.from

	request.to.sink.Send(&wire.PairMatched{
		PeerCode:      request.from.code,
		PeerPublicKey: request.from.publicKey,
		Role:          wire.RoleInitiator,
	})
	request.from.sink.Send(&wire.PairMatched{
		PeerCode:      request.to.code,
		PeerPublicKey: request.to.publicKey,
		Role:          wire.RoleResponder,
	})

	// A matched party holds exactly one signaling path, so every other
	// request still touching either side is dead now.
	r.dropPendingLocked(request.to)
	r.dropPendingLocked(request.from)

	r.logger.Info("pair matched", "initiator", request.to.code, "responder", request.from.code)
	return nil
}

// dropPendingLocked resolves every remaining pending request touching
// a party that just matched. Requests aimed at the party are rejected
// so their requesters learn immediately; requests the party had issued
// elsewhere are withdrawn, and a later response to one reports an
// unknown request.
func (r *Registry) dropPendingLocked(reg *registration) {
	for _, request := range append([]*pairRequest(nil), reg.pending...) {
		if request.state != requestPending {
			continue
		}
		r.resolveLocked(request, requestRejected)
		request.from.sink.Send(&wire.PairRejected{})
	}
	for _, request := range r.requests {
		if request.from == reg && request.state == requestPending {
			r.resolveLocked(request, requestRejected)
		}
	}
}

// PeerSink returns the sink of the code's matched peer, for routing
// negotiation messages. Unmatched codes route nowhere.
func (r *Registry) PeerSink(code string) (Sink, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.sessions[code]
	if !ok || reg.peer == nil {
		return nil, false
	}
	return reg.peer.sink, true
}

// Unregister removes a registration. Its pending pair requests (both
// directions) expire immediately with PairTimeout to the counterpart,
// and a matched peer is told the party is gone.
func (r *Registry) Unregister(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.sessions[code]
	if !ok {
		return
	}
	delete(r.sessions, code)

	for _, request := range reg.pending {
		if request.state != requestPending {
			continue
		}
		r.resolveLocked(request, requestExpired)
		request.from.sink.Send(&wire.PairTimeout{})
	}
	for _, request := range r.requests {
		if request.from == reg && request.state == requestPending {
			r.resolveLocked(request, requestExpired)
			request.to.sink.Send(&wire.PairTimeout{})
		}
	}

	if reg.peer != nil {
		reg.peer.peer = nil
		reg.peer.sink.Send(&wire.PairError{Reason: "peer disconnected"})
	}
	r.logger.Debug("code unregistered", "code", code)
}

// expire is the request timer callback. Idempotent: a request already
// resolved by a response or a disconnect is left alone.
func (r *Registry) expire(request *pairRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if request.state != requestPending {
		return
	}
	r.resolveLocked(request, requestExpired)
	request.from.sink.Send(&wire.PairTimeout{})
	request.to.sink.Send(&wire.PairTimeout{})
	r.logger.Debug("pair request expired", "request", request.id)
}

// resolveLocked moves a pending request to a terminal state, stops
// its timer, and releases its pending slot.
func (r *Registry) resolveLocked(request *pairRequest, state requestState) {
	request.state = state
	if request.timer != nil {
		request.timer.Stop()
	}
	delete(r.requests, request.id)

	pending := request.to.pending
	for index, entry := range pending {
		if entry == request {
			request.to.pending = append(pending[:index], pending[index+1:]...)
			break
		}
	}
}
