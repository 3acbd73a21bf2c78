// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/pairlink/pairlink/lib/codec"
)

func TestValidCode(t *testing.T) {
	tests := []struct {
		code string
		want bool
	}{
		{"ABC234", true},
		{"XYZ789", true},
		{"000000", true},
		{"abc234", false}, // lowercase
		{"ABC23", false},  // short
		{"ABC2345", false},
		{"ABCI34", false}, // I excluded
		{"ABCL34", false}, // L excluded
		{"ABCO34", false}, // O excluded
		{"ABCU34", false}, // U excluded
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidCode(tt.code); got != tt.want {
			t.Errorf("ValidCode(%q) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestCodeAlphabetHas32Symbols(t *testing.T) {
	if len(CodeAlphabet) != 32 {
		t.Errorf("alphabet has %d symbols, want 32", len(CodeAlphabet))
	}
	for _, ambiguous := range "ILOU" {
		if strings.ContainsRune(CodeAlphabet, ambiguous) {
			t.Errorf("alphabet contains ambiguous symbol %c", ambiguous)
		}
	}
}

func TestMessageRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{7}, PublicKeySize)

	messages := []Message{
		Register{PairingCode: "ABC234", PublicKey: key},
		Registered{},
		CodeCollision{},
		PairRequest{TargetCode: "XYZ789"},
		PairIncoming{RequestID: 42, FromCode: "ABC234", FromPublicKey: key},
		PairResponse{RequestID: 42, Accept: true},
		PairMatched{PeerCode: "XYZ789", PeerPublicKey: key, Role: RoleInitiator},
		PairRejected{},
		PairTimeout{},
		Offer{SDP: "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"},
		Answer{SDP: "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\n"},
		ICECandidate{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 4444 typ host", SDPMid: "0"},
		PairError{Reason: "target not registered"},
	}

	for _, message := range messages {
		var buffer bytes.Buffer
		if err := WriteMessage(&buffer, message); err != nil {
			t.Fatalf("WriteMessage(%s): %v", message.Kind(), err)
		}
		decoded, err := ReadMessage(&buffer)
		if err != nil {
			t.Fatalf("ReadMessage(%s): %v", message.Kind(), err)
		}
		if decoded.Kind() != message.Kind() {
			t.Errorf("round trip kind = %s, want %s", decoded.Kind(), message.Kind())
		}
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	payload, err := codec.Marshal(Registered{})
	if err != nil {
		t.Fatal(err)
	}
	data, err := codec.Marshal(envelope{Kind: Kind(200), Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(data); err == nil {
		t.Error("Decode accepted an unknown message kind")
	}
}

func TestDecodeRejectsInvalidFields(t *testing.T) {
	tests := []struct {
		name    string
		message Message
	}{
		{"bad code", Register{PairingCode: "abc", PublicKey: bytes.Repeat([]byte{1}, 32)}},
		{"short key", Register{PairingCode: "ABC234", PublicKey: []byte{1, 2, 3}}},
		{"empty sdp", Offer{}},
		{"oversized sdp", Offer{SDP: strings.Repeat("a", maxSDPSize+1)}},
		{"empty candidate", ICECandidate{}},
		{"bad role", PairMatched{PeerCode: "ABC234", PeerPublicKey: bytes.Repeat([]byte{1}, 32), Role: "boss"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Encode(tt.message); err == nil {
				t.Error("Encode accepted an invalid message")
			}
			// The same invalid payload must also fail on the inbound
			// path, where it arrives from an untrusted sender.
			payload, err := codec.Marshal(tt.message)
			if err != nil {
				t.Fatal(err)
			}
			data, err := codec.Marshal(envelope{Kind: tt.message.Kind(), Payload: payload})
			if err != nil {
				t.Fatal(err)
			}
			if _, err := Decode(data); err == nil {
				t.Error("Decode accepted an invalid message")
			}
		})
	}
}

func TestReadMessageRejectsOversizedEnvelope(t *testing.T) {
	var buffer bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], maxEnvelopeSize+1)
	buffer.Write(header[:])

	if _, err := ReadMessage(&buffer); err == nil {
		t.Error("ReadMessage accepted an oversized envelope length")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{9}, PublicKeySize)

	handshakeData, err := EncodeHandshake(Handshake{PublicKey: key})
	if err != nil {
		t.Fatalf("EncodeHandshake: %v", err)
	}
	decoded, err := DecodeFrame(handshakeData)
	if err != nil {
		t.Fatalf("DecodeFrame(handshake): %v", err)
	}
	handshake, ok := decoded.(*Handshake)
	if !ok {
		t.Fatalf("decoded type = %T, want *Handshake", decoded)
	}
	if !bytes.Equal(handshake.PublicKey, key) {
		t.Error("handshake key did not round-trip")
	}

	frameData, err := EncodeDataFrame(DataFrame{Seq: 7, Ciphertext: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("EncodeDataFrame: %v", err)
	}
	decoded, err = DecodeFrame(frameData)
	if err != nil {
		t.Fatalf("DecodeFrame(data): %v", err)
	}
	frame, ok := decoded.(*DataFrame)
	if !ok {
		t.Fatalf("decoded type = %T, want *DataFrame", decoded)
	}
	if frame.Seq != 7 || !bytes.Equal(frame.Ciphertext, []byte{1, 2, 3}) {
		t.Errorf("frame = %+v, want seq 7, ciphertext [1 2 3]", frame)
	}
}

func TestDecodeFrameRejectsUnknownKind(t *testing.T) {
	payload, err := codec.Marshal(DataFrame{Seq: 1, Ciphertext: []byte{1}})
	if err != nil {
		t.Fatal(err)
	}
	data, err := codec.Marshal(frameEnvelope{Kind: FrameKind(9), Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeFrame(data); err == nil {
		t.Error("DecodeFrame accepted an unknown frame kind")
	}
}
