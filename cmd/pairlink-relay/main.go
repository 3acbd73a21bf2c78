// Copyright 2026 The Pairlink Authors
// SPDX-License-Identifier: Apache-2.0

// pairlink-relay is the untrusted rendezvous server. It hands out
// pairing-code registrations, brokers pair requests, and forwards
// opaque signaling between matched peers. It never sees session keys
// or message plaintext; clients verify each other end to end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/pairlink/pairlink/relay"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// serverConfig is the YAML configuration file shape. Every field has
// a working default; an absent file means defaults throughout.
type serverConfig struct {
	// Listen is the TCP address to accept client connections on.
	Listen string `yaml:"listen"`

	// RequestTTLSeconds bounds how long a pair request may stay
	// pending.
	RequestTTLSeconds int `yaml:"request_ttl_seconds"`

	// MaxPending caps pending pair requests per target code.
	MaxPending int `yaml:"max_pending"`

	// MessageRate and MessageBurst shape per-connection inbound
	// message rate limiting.
	MessageRate  float64 `yaml:"message_rate"`
	MessageBurst int     `yaml:"message_burst"`

	// StrikeLimit is the protocol-violation count that disconnects a
	// client.
	StrikeLimit int `yaml:"strike_limit"`
}

func loadConfig(path string) (serverConfig, error) {
	config := serverConfig{Listen: "127.0.0.1:7420"}
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return config, fmt.Errorf("parsing %s: %w", path, err)
	}
	if config.Listen == "" {
		return config, fmt.Errorf("%s: listen address must not be empty", path)
	}
	return config, nil
}

func run() error {
	var configPath string
	var listen string
	var logLevel string

	flagSet := pflag.NewFlagSet("pairlink-relay", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML configuration file")
	flagSet.StringVar(&listen, "listen", "", "TCP listen address (overrides config)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	config, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if listen != "" {
		config.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", config.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", config.Listen, err)
	}

	server := relay.NewServer(relay.ServerConfig{
		Logger:       logger,
		RequestTTL:   time.Duration(config.RequestTTLSeconds) * time.Second,
		MaxPending:   config.MaxPending,
		MessageRate:  rate.Limit(config.MessageRate),
		MessageBurst: config.MessageBurst,
		StrikeLimit:  config.StrikeLimit,
	})

	logger.Info("relay listening", "address", listener.Addr().String())
	if err := server.Serve(ctx, listener); err != nil {
		return err
	}
	logger.Info("relay stopped")
	return nil
}
