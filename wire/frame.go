// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/pairlink/pairlink/lib/codec"
)

// ErrMalformed marks an envelope that framed correctly but failed to
// decode or validate. The stream stays aligned on the next length
// prefix, so a reader may drop the message and keep reading.
var ErrMalformed = errors.New("wire: malformed message")

// maxEnvelopeSize bounds a relay signaling envelope on the wire. The
// largest legitimate message is an Offer near maxSDPSize; 64 KB gives
// headroom for envelope overhead while capping relay-side allocation.
const maxEnvelopeSize = 64 * 1024

// maxCiphertextSize bounds a data-channel ciphertext. SCTP fragments
// larger application messages, but the protocol keeps frames under
// the common 64 KB message limit.
const maxCiphertextSize = 64 * 1024

// WriteMessage writes a relay signaling message to w as a 4-byte
// big-endian length prefix followed by the tagged envelope.
func WriteMessage(w io.Writer, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	if len(data) > maxEnvelopeSize {
		return fmt.Errorf("wire: %s envelope is %d bytes, exceeds %d", m.Kind(), len(data), maxEnvelopeSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(data)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("wire: writing envelope header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("wire: writing envelope: %w", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed envelope from r, decodes, and
// validates it. An envelope whose declared length exceeds the cap is
// rejected before any payload is read.
func ReadMessage(r io.Reader) (Message, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 || length > maxEnvelopeSize {
		return nil, fmt.Errorf("wire: envelope length %d outside (0, %d]", length, maxEnvelopeSize)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("wire: reading envelope body: %w", err)
	}
	message, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return message, nil
}

// FrameKind discriminates data-channel frames.
type FrameKind uint8

const (
	// FrameHandshake is the single unencrypted frame each side sends
	// immediately on channel open, carrying its session public key as
	// observed directly over the peer-to-peer transport.
	FrameHandshake FrameKind = 1

	// FrameData carries one AEAD-sealed application message.
	FrameData FrameKind = 2
)

// Handshake is the one-time key announcement frame.
type Handshake struct {
	PublicKey []byte `cbor:"public_key"`
}

// DataFrame is an encrypted application frame. Seq is the sender's
// monotonic sequence number; the AEAD nonce is derived from it.
type DataFrame struct {
	Seq        uint64 `cbor:"seq"`
	Ciphertext []byte `cbor:"ciphertext"`
}

// frameEnvelope is the outer structure of a data-channel frame.
type frameEnvelope struct {
	Kind    FrameKind        `cbor:"kind"`
	Payload codec.RawMessage `cbor:"payload"`
}

// EncodeHandshake encodes the handshake frame.
func EncodeHandshake(h Handshake) ([]byte, error) {
	if err := validateKey("handshake public_key", h.PublicKey); err != nil {
		return nil, err
	}
	return encodeFrame(FrameHandshake, h)
}

// EncodeDataFrame encodes an application frame.
func EncodeDataFrame(f DataFrame) ([]byte, error) {
	if len(f.Ciphertext) == 0 || len(f.Ciphertext) > maxCiphertextSize {
		return nil, fmt.Errorf("wire: ciphertext size %d outside (0, %d]", len(f.Ciphertext), maxCiphertextSize)
	}
	return encodeFrame(FrameData, f)
}

func encodeFrame(kind FrameKind, payload any) ([]byte, error) {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encoding frame payload: %w", err)
	}
	data, err := codec.Marshal(frameEnvelope{Kind: kind, Payload: encoded})
	if err != nil {
		return nil, fmt.Errorf("wire: encoding frame envelope: %w", err)
	}
	return data, nil
}

// DecodeFrame parses a data-channel frame into either a *Handshake or
// a *DataFrame. Anything else is rejected.
func DecodeFrame(data []byte) (any, error) {
	var outer frameEnvelope
	if err := codec.Unmarshal(data, &outer); err != nil {
		return nil, fmt.Errorf("wire: malformed frame: %w", err)
	}
	switch outer.Kind {
	case FrameHandshake:
		var h Handshake
		if err := codec.Unmarshal(outer.Payload, &h); err != nil {
			return nil, fmt.Errorf("wire: malformed handshake frame: %w", err)
		}
		if err := validateKey("handshake public_key", h.PublicKey); err != nil {
			return nil, err
		}
		return &h, nil
	case FrameData:
		var f DataFrame
		if err := codec.Unmarshal(outer.Payload, &f); err != nil {
			return nil, fmt.Errorf("wire: malformed data frame: %w", err)
		}
		if len(f.Ciphertext) == 0 || len(f.Ciphertext) > maxCiphertextSize {
			return nil, fmt.Errorf("wire: ciphertext size %d outside (0, %d]", len(f.Ciphertext), maxCiphertextSize)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("wire: unknown frame kind %d", uint8(outer.Kind))
	}
}
