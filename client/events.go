// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package client

import "github.com/pairlink/pairlink/wire"

// Event is a notification delivered on Client.Events. The set is
// closed; callers switch on the concrete type.
type Event interface {
	isEvent()
}

// PairIncomingEvent reports a pending pair request from another code.
// Respond with Accept or Reject using the request ID.
type PairIncomingEvent struct {
	RequestID       uint64
	FromCode        string
	FromFingerprint string
}

// PairMatchedEvent reports a successful match. Negotiation starts
// immediately; the caller waits for ChannelTrustedEvent before
// sending.
type PairMatchedEvent struct {
	PeerCode        string
	PeerFingerprint string
	Role            wire.Role
}

// PairRejectedEvent reports that the target declined the pair request.
type PairRejectedEvent struct{}

// PairTimeoutEvent reports that a pending pair request expired.
type PairTimeoutEvent struct{}

// PairErrorEvent carries a relay-reported routing or protocol error.
type PairErrorEvent struct {
	Reason string
}

// ChannelTrustedEvent reports that the binding check passed and the
// channel is ready for application messages.
type ChannelTrustedEvent struct {
	PeerCode        string
	PeerFingerprint string
}

// KeyChangedEvent reports that the peer's verified key differs from
// the fingerprint accepted in an earlier session. The session stays
// parked until AcceptKeyChange or RejectKeyChange is called.
type KeyChangedEvent struct {
	PeerCode       string
	OldFingerprint string
	NewFingerprint string
}

// MessageEvent carries one decrypted application message.
type MessageEvent struct {
	PeerCode  string
	Plaintext []byte
}

// SecurityErrorEvent is the terminal event for a session aborted on a
// security failure: a handshake key mismatch, a rejected key change,
// or sustained frame tampering. It is deliberately distinct from
// DisconnectedEvent so callers can never render a possible compromise
// as an ordinary network failure.
type SecurityErrorEvent struct {
	PeerCode string
	Err      error
}

// DisconnectedEvent is the terminal event for a session that ended
// without a security failure: transport loss, timeouts, or a local
// Disconnect.
type DisconnectedEvent struct {
	PeerCode string
	Reason   error
}

func (PairIncomingEvent) isEvent()   {}
func (PairMatchedEvent) isEvent()    {}
func (PairRejectedEvent) isEvent()   {}
func (PairTimeoutEvent) isEvent()    {}
func (PairErrorEvent) isEvent()      {}
func (ChannelTrustedEvent) isEvent() {}
func (KeyChangedEvent) isEvent()     {}
func (MessageEvent) isEvent()        {}
func (SecurityErrorEvent) isEvent()  {}
func (DisconnectedEvent) isEvent()   {}
