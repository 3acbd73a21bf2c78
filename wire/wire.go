// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"fmt"
	"strings"

	"github.com/pairlink/pairlink/lib/codec"
)

// CodeLength is the length of a rendezvous pairing code.
const CodeLength = 6

// CodeAlphabet is the 32-symbol alphabet for pairing codes. Crockford
// base32: digits plus uppercase letters, excluding I, L, O, and U to
// avoid transcription ambiguity.
const CodeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// PublicKeySize is the size of an X25519 public key in bytes.
const PublicKeySize = 32

// maxSDPSize bounds offer and answer payloads. A vanilla SDP with a
// handful of candidates is a few KB; 32 KB leaves room for many
// interfaces without letting a malicious sender balloon relay memory.
const maxSDPSize = 32 * 1024

// maxCandidateSize bounds a single trickled ICE candidate.
const maxCandidateSize = 4 * 1024

// maxErrorSize bounds relay error strings.
const maxErrorSize = 1024

// Kind discriminates relay signaling messages. The set is closed:
// Decode rejects values outside it.
type Kind uint8

const (
	KindRegister Kind = iota + 1
	KindRegistered
	KindCodeCollision
	KindPairRequest
	KindPairIncoming
	KindPairResponse
	KindPairMatched
	KindPairRejected
	KindPairTimeout
	KindOffer
	KindAnswer
	KindICECandidate
	KindPairError
)

// kindNames doubles as the closed-set membership check.
var kindNames = map[Kind]string{
	KindRegister:      "register",
	KindRegistered:    "registered",
	KindCodeCollision: "code_collision",
	KindPairRequest:   "pair_request",
	KindPairIncoming:  "pair_incoming",
	KindPairResponse:  "pair_response",
	KindPairMatched:   "pair_matched",
	KindPairRejected:  "pair_rejected",
	KindPairTimeout:   "pair_timeout",
	KindOffer:         "offer",
	KindAnswer:        "answer",
	KindICECandidate:  "ice_candidate",
	KindPairError:     "pair_error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// Role is the negotiation role assigned by the relay at match time.
type Role string

const (
	// RoleInitiator creates the SDP offer and the data channel. The
	// relay assigns it to the side that accepted the pair request.
	RoleInitiator Role = "initiator"

	// RoleResponder waits for the offer and answers it.
	RoleResponder Role = "responder"
)

// Message is a validated relay signaling message. The implementations
// form a closed set; Decode never returns anything outside it.
type Message interface {
	Kind() Kind

	// validate checks per-kind field constraints. Called by Decode on
	// every inbound message and by Encode on every outbound one.
	validate() error
}

// Register announces a pairing code and session public key to the
// relay. The relay answers with Registered or CodeCollision.
type Register struct {
	PairingCode string `cbor:"code"`
	PublicKey   []byte `cbor:"public_key"`
}

// Registered acknowledges a successful registration.
type Registered struct{}

// CodeCollision rejects a registration whose code is already active.
// The existing registration is untouched; the caller must generate a
// new code and re-register.
type CodeCollision struct{}

// PairRequest asks the relay to pair with the party registered under
// TargetCode.
type PairRequest struct {
	TargetCode string `cbor:"target_code"`
}

// PairIncoming notifies the target of a pending pair request.
type PairIncoming struct {
	RequestID     uint64 `cbor:"request_id"`
	FromCode      string `cbor:"from_code"`
	FromPublicKey []byte `cbor:"from_public_key"`
}

// PairResponse accepts or rejects a pending pair request.
type PairResponse struct {
	RequestID uint64 `cbor:"request_id"`
	Accept    bool   `cbor:"accept"`
}

// PairMatched tells each party the peer's code, the peer's registered
// public key, and this party's assigned negotiation role.
type PairMatched struct {
	PeerCode      string `cbor:"peer_code"`
	PeerPublicKey []byte `cbor:"peer_public_key"`
	Role          Role   `cbor:"role"`
}

// PairRejected tells the requester the target declined.
type PairRejected struct{}

// PairTimeout tells both parties a pending pair request expired.
type PairTimeout struct{}

// Offer carries an SDP offer from the initiator to its matched peer.
type Offer struct {
	SDP string `cbor:"sdp"`
}

// Answer carries an SDP answer from the responder to its matched peer.
type Answer struct {
	SDP string `cbor:"sdp"`
}

// ICECandidate carries one trickled ICE candidate to the matched peer.
type ICECandidate struct {
	Candidate     string `cbor:"candidate"`
	SDPMid        string `cbor:"sdp_mid"`
	SDPMLineIndex uint16 `cbor:"sdp_mline_index"`
}

// PairError reports a routing or protocol failure to the sender of
// the offending message. It never tears down the connection by itself.
type PairError struct {
	Reason string `cbor:"reason"`
}

func (Register) Kind() Kind      { return KindRegister }
func (Registered) Kind() Kind    { return KindRegistered }
func (CodeCollision) Kind() Kind { return KindCodeCollision }
func (PairRequest) Kind() Kind   { return KindPairRequest }
func (PairIncoming) Kind() Kind  { return KindPairIncoming }
func (PairResponse) Kind() Kind  { return KindPairResponse }
func (PairMatched) Kind() Kind   { return KindPairMatched }
func (PairRejected) Kind() Kind  { return KindPairRejected }
func (PairTimeout) Kind() Kind   { return KindPairTimeout }
func (Offer) Kind() Kind         { return KindOffer }
func (Answer) Kind() Kind        { return KindAnswer }
func (ICECandidate) Kind() Kind  { return KindICECandidate }
func (PairError) Kind() Kind     { return KindPairError }

// ValidCode reports whether code is a well-formed pairing code:
// exactly CodeLength symbols from CodeAlphabet.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, symbol := range code {
		if !strings.ContainsRune(CodeAlphabet, symbol) {
			return false
		}
	}
	return true
}

func validateCode(field, code string) error {
	if !ValidCode(code) {
		return fmt.Errorf("wire: %s %q is not a valid pairing code", field, code)
	}
	return nil
}

func validateKey(field string, key []byte) error {
	if len(key) != PublicKeySize {
		return fmt.Errorf("wire: %s has %d bytes, want %d", field, len(key), PublicKeySize)
	}
	return nil
}

func (m Register) validate() error {
	if err := validateCode("code", m.PairingCode); err != nil {
		return err
	}
	return validateKey("public_key", m.PublicKey)
}

func (Registered) validate() error    { return nil }
func (CodeCollision) validate() error { return nil }

func (m PairRequest) validate() error {
	return validateCode("target_code", m.TargetCode)
}

func (m PairIncoming) validate() error {
	if err := validateCode("from_code", m.FromCode); err != nil {
		return err
	}
	return validateKey("from_public_key", m.FromPublicKey)
}

func (PairResponse) validate() error { return nil }

func (m PairMatched) validate() error {
	if err := validateCode("peer_code", m.PeerCode); err != nil {
		return err
	}
	if err := validateKey("peer_public_key", m.PeerPublicKey); err != nil {
		return err
	}
	if m.Role != RoleInitiator && m.Role != RoleResponder {
		return fmt.Errorf("wire: unknown role %q", m.Role)
	}
	return nil
}

func (PairRejected) validate() error { return nil }
func (PairTimeout) validate() error  { return nil }

func (m Offer) validate() error {
	if m.SDP == "" || len(m.SDP) > maxSDPSize {
		return fmt.Errorf("wire: offer SDP size %d outside (0, %d]", len(m.SDP), maxSDPSize)
	}
	return nil
}

func (m Answer) validate() error {
	if m.SDP == "" || len(m.SDP) > maxSDPSize {
		return fmt.Errorf("wire: answer SDP size %d outside (0, %d]", len(m.SDP), maxSDPSize)
	}
	return nil
}

func (m ICECandidate) validate() error {
	if m.Candidate == "" || len(m.Candidate) > maxCandidateSize {
		return fmt.Errorf("wire: candidate size %d outside (0, %d]", len(m.Candidate), maxCandidateSize)
	}
	return nil
}

func (m PairError) validate() error {
	if len(m.Reason) > maxErrorSize {
		return fmt.Errorf("wire: error reason size %d exceeds %d", len(m.Reason), maxErrorSize)
	}
	return nil
}

// envelope is the outer CBOR structure carrying the kind tag and the
// still-encoded payload.
type envelope struct {
	Kind    Kind             `cbor:"kind"`
	Payload codec.RawMessage `cbor:"payload"`
}

// Encode validates m and encodes it as a tagged envelope.
func Encode(m Message) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	payload, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %s payload: %w", m.Kind(), err)
	}
	data, err := codec.Marshal(envelope{Kind: m.Kind(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %s envelope: %w", m.Kind(), err)
	}
	return data, nil
}

// Decode parses and validates a tagged envelope. Unknown kinds and
// messages failing per-kind validation are rejected; the caller never
// sees a partially valid message.
func Decode(data []byte) (Message, error) {
	var outer envelope
	if err := codec.Unmarshal(data, &outer); err != nil {
		return nil, fmt.Errorf("wire: malformed envelope: %w", err)
	}

	var message Message
	switch outer.Kind {
	case KindRegister:
		message = &Register{}
	case KindRegistered:
		message = &Registered{}
	case KindCodeCollision:
		message = &CodeCollision{}
	case KindPairRequest:
		message = &PairRequest{}
	case KindPairIncoming:
		message = &PairIncoming{}
	case KindPairResponse:
		message = &PairResponse{}
	case KindPairMatched:
		message = &PairMatched{}
	case KindPairRejected:
		message = &PairRejected{}
	case KindPairTimeout:
		message = &PairTimeout{}
	case KindOffer:
		message = &Offer{}
	case KindAnswer:
		message = &Answer{}
	case KindICECandidate:
		message = &ICECandidate{}
	case KindPairError:
		message = &PairError{}
	default:
		return nil, fmt.Errorf("wire: unknown message kind %d", uint8(outer.Kind))
	}

	if err := codec.Unmarshal(outer.Payload, message); err != nil {
		return nil, fmt.Errorf("wire: malformed %s payload: %w", outer.Kind, err)
	}
	if err := message.validate(); err != nil {
		return nil, err
	}
	return message, nil
}
