// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// pairlink is the interactive endpoint. It registers a pairing code
// with a relay, pairs with a peer by code, and then chats over the
// encrypted peer-to-peer channel. Lines typed on stdin become
// messages; slash commands drive pairing:
//
//	/pair CODE    request a session with the peer holding CODE
//	/accept       accept the most recent incoming request
//	/reject       decline the most recent incoming request
//	/trust        accept a reported peer key change
//	/distrust     reject a reported peer key change
//	/quit         disconnect and exit
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/pairlink/pairlink/client"
	"github.com/pairlink/pairlink/tofu"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var relayAddr string
	var trustPath string
	var iceServers []string
	var logOutput string

	flagSet := pflag.NewFlagSet("pairlink", pflag.ContinueOnError)
	flagSet.StringVar(&relayAddr, "relay", "127.0.0.1:7420", "relay server address")
	flagSet.StringVar(&trustPath, "trust-db", defaultTrustPath(), "fingerprint database path (empty disables cross-session trust)")
	flagSet.StringSliceVar(&iceServers, "ice-server", nil, "STUN/TURN server URL (repeatable)")
	flagSet.StringVar(&logOutput, "log-output", "", "write JSON log records to this file")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	if logOutput != "" {
		file, err := os.OpenFile(logOutput, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening log output: %w", err)
		}
		defer file.Close()
		logger = slog.New(slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	var trust *tofu.Store
	if trustPath != "" {
		if err := os.MkdirAll(filepath.Dir(trustPath), 0o700); err != nil {
			return fmt.Errorf("creating trust database directory: %w", err)
		}
		store, err := tofu.Open(tofu.Config{Path: trustPath, Logger: logger})
		if err != nil {
			return fmt.Errorf("opening trust database: %w", err)
		}
		defer store.Close()
		trust = store
	}

	relayConn, err := net.DialTimeout("tcp", relayAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("dialing relay %s: %w", relayAddr, err)
	}

	config := client.Config{Logger: logger, Trust: trust}
	for _, url := range iceServers {
		config.ICEServers = append(config.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}

	endpoint, err := client.Connect(relayConn, config)
	if err != nil {
		return err
	}
	defer endpoint.Close()

	fmt.Printf("your pairing code:  %s\n", endpoint.Code())
	fmt.Printf("your fingerprint:   %s\n", endpoint.Fingerprint())
	fmt.Println("share the code out of band, then /pair CODE or wait for a request")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	input := make(chan string)
	go func() {
		defer close(input)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			input <- scanner.Text()
		}
	}()

	session := &terminalSession{endpoint: endpoint}
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-endpoint.Events():
			if !ok {
				return nil
			}
			if done := session.handleEvent(event); done {
				return nil
			}
		case line, ok := <-input:
			if !ok {
				return nil
			}
			if done, err := session.handleLine(line); err != nil {
				fmt.Printf("! %v\n", err)
			} else if done {
				return nil
			}
		}
	}
}

func defaultTrustPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pairlink", "fingerprints.db")
}

// terminalSession tracks the small amount of interactive state: the
// request awaiting a verdict and whether the channel is up.
type terminalSession struct {
	endpoint       *client.Client
	pendingRequest uint64
	hasPending     bool
	trusted        bool
}

func (s *terminalSession) handleEvent(event client.Event) bool {
	switch e := event.(type) {
	case client.PairIncomingEvent:
		s.pendingRequest = e.RequestID
		s.hasPending = true
		fmt.Printf("pair request from %s (fingerprint %s)\n", e.FromCode, e.FromFingerprint)
		fmt.Println("verify the fingerprint out of band, then /accept or /reject")

	case client.PairMatchedEvent:
		fmt.Printf("matched with %s as %s, connecting...\n", e.PeerCode, e.Role)

	case client.PairRejectedEvent:
		fmt.Println("peer declined the pair request")

	case client.PairTimeoutEvent:
		fmt.Println("pair request expired")

	case client.PairErrorEvent:
		fmt.Printf("relay error: %s\n", e.Reason)

	case client.ChannelTrustedEvent:
		s.trusted = true
		fmt.Printf("secure channel up with %s (fingerprint %s)\n", e.PeerCode, e.PeerFingerprint)

	case client.KeyChangedEvent:
		fmt.Printf("WARNING: %s presented a different key than last time\n", e.PeerCode)
		fmt.Printf("  previous: %s\n", e.OldFingerprint)
		fmt.Printf("  current:  %s\n", e.NewFingerprint)
		fmt.Println("verify out of band, then /trust or /distrust")

	case client.MessageEvent:
		fmt.Printf("%s> %s\n", e.PeerCode, e.Plaintext)

	case client.SecurityErrorEvent:
		fmt.Printf("SECURITY: session with %s aborted: %v\n", e.PeerCode, e.Err)
		return true

	case client.DisconnectedEvent:
		fmt.Printf("disconnected from %s: %v\n", e.PeerCode, e.Reason)
		return true
	}
	return false
}

func (s *terminalSession) handleLine(line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return false, nil

	case strings.HasPrefix(line, "/pair "):
		code := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(line, "/pair ")))
		if err := s.endpoint.RequestPair(code); err != nil {
			return false, err
		}
		fmt.Printf("pair request sent to %s\n", code)
		return false, nil

	case line == "/accept":
		if !s.hasPending {
			return false, fmt.Errorf("no pending pair request")
		}
		s.hasPending = false
		return false, s.endpoint.Accept(s.pendingRequest)

	case line == "/reject":
		if !s.hasPending {
			return false, fmt.Errorf("no pending pair request")
		}
		s.hasPending = false
		return false, s.endpoint.Reject(s.pendingRequest)

	case line == "/trust":
		return false, s.endpoint.AcceptKeyChange()

	case line == "/distrust":
		return false, s.endpoint.RejectKeyChange()

	case line == "/quit":
		s.endpoint.Disconnect()
		return true, nil

	case strings.HasPrefix(line, "/"):
		return false, fmt.Errorf("unknown command %s", strings.Fields(line)[0])

	default:
		if !s.trusted {
			return false, fmt.Errorf("no secure channel yet")
		}
		return false, s.endpoint.Send([]byte(line))
	}
}
