// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"crypto/rand"
	"fmt"

	"github.com/pairlink/pairlink/wire"
)

// GenerateCode returns a random pairing code: CodeLength symbols drawn
// uniformly from CodeAlphabet. The alphabet has 32 symbols, so the
// byte-to-symbol reduction is bias-free.
func GenerateCode() (string, error) {
	var raw [wire.CodeLength]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("relay: generating pairing code: %w", err)
	}
	code := make([]byte, wire.CodeLength)
	for index, b := range raw {
		code[index] = wire.CodeAlphabet[int(b)%len(wire.CodeAlphabet)]
	}
	return string(code), nil
}
