// Copyright 2026 The Freeflow Authors
// SPDX-License-Identifier: Apache-2.0

// Freeflow is a terminal client for peer-to-peer chat. It registers
// with a signaling relay, negotiates direct WebRTC data channels with
// peers that accept its requests, and keeps per-peer history in a local
// SQLite database.
//
// Usage:
//
//	freeflow [--config path] [--verbose]
//
// Without --config the file named by FREEFLOW_CONFIG is read. Type
// /help at the prompt for the command list.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/freeflow-chat/freeflow/chat"
	"github.com/freeflow-chat/freeflow/lib/config"
	"github.com/freeflow-chat/freeflow/lib/kvstore"
	"github.com/freeflow-chat/freeflow/lib/sqlitepool"
	"github.com/freeflow-chat/freeflow/lib/version"
	"github.com/freeflow-chat/freeflow/peer"
	"github.com/freeflow-chat/freeflow/registry"
	"github.com/freeflow-chat/freeflow/signaling"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "freeflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.String("config", "", "path to freeflow.yaml (default: $FREEFLOW_CONFIG)")
	verbose := pflag.BoolP("verbose", "v", false, "log debug output to stderr")
	showVersion := pflag.Bool("version", false, "print version information and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("freeflow %s\n", version.Full())
		return nil
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}
	if err := cfg.EnsureStorageDir(); err != nil {
		return err
	}

	logger := newLogger(*verbose)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := kvstore.OpenSQLite(sqlitepool.Config{
		Path:     cfg.Storage.Path,
		MaxPages: cfg.Storage.MaxPages,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("opening %s: %w", cfg.Storage.Path, err)
	}
	defer store.Close()

	client, err := chat.New(ctx, chat.Config{
		Self:        signaling.PeerID(cfg.Identity.PeerID),
		DisplayName: cfg.Identity.DisplayName,
		Dialer:      &signaling.WebSocketDialer{URL: cfg.Relay.URL},
		Backend:     store,
		Factory:     peer.NewPionFactory(peer.ICEConfigFromURLs(cfg.ICE.Servers)),
		MessageCap:  cfg.Storage.MessageCap,
		Signaling: signaling.Config{
			StableDelay:        cfg.Relay.StableDelay,
			ReconnectBaseDelay: cfg.Relay.ReconnectBaseDelay,
			ReconnectMaxDelay:  cfg.Relay.ReconnectMaxDelay,
			ReconnectAttempts:  cfg.Relay.ReconnectAttempts,
		},
		Negotiation: peer.Config{
			DescriptionAttempts: cfg.Negotiation.DescriptionAttempts,
			CandidateAttempts:   cfg.Negotiation.CandidateAttempts,
			RetryBaseDelay:      cfg.Negotiation.RetryBaseDelay,
			SettleDelay:         cfg.Negotiation.SettleDelay,
			ConnectTimeout:      cfg.Negotiation.ConnectTimeout,
			CandidateQueueLimit: cfg.Negotiation.CandidateQueueLimit,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer client.Close()

	sh := newShell(client, os.Stdout)
	subscribe(client, sh, stop)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to relay: %w", err)
	}
	sh.printf("freeflow %s as %s, /help for commands\n", version.Info(), client.Self())

	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	return readLoop(ctx, sh, interactive)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// subscribe prints client events through sh. A fatal relay state ends
// the session.
func subscribe(client *chat.Client, sh *shell, stop context.CancelFunc) {
	client.OnRequest(func(request registry.ConnectionRequest) {
		sh.printf("* %s (%s) wants to connect: /accept %s, /reject %s or /ignore %s\n",
			request.From, request.FromDisplayName, request.From, request.From, request.From)
	})
	client.OnChannel(func(event peer.StateEvent) {
		switch {
		case event.State == peer.ChannelOpen:
			sh.printf("* channel to %s open\n", event.Peer)
		case event.Err != nil:
			sh.printf("* channel to %s closed: %v\n", event.Peer, event.Err)
		default:
			sh.printf("* channel to %s closed\n", event.Peer)
		}
	})
	client.OnMessage(func(event peer.MessageEvent) {
		if event.Synced {
			sh.printf("* recovered message from %s\n", event.Peer)
		}
		if event.Peer == sh.selected() {
			sh.printMessage(event.Message)
			return
		}
		sh.printf("* new message from %s (/history %s)\n", event.Peer, event.Peer)
	})
	client.OnRelayState(func(event signaling.StateEvent) {
		if errors.Is(event.Err, signaling.ErrRelayUnreachable) {
			sh.printf("* relay unreachable, exiting\n")
			stop()
		}
	})
}

// readLoop feeds stdin lines to sh until EOF, /quit or cancellation.
func readLoop(ctx context.Context, sh *shell, interactive bool) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		if interactive {
			sh.printf("> ")
		}
		select {
		case <-ctx.Done():
			return nil
		case err := <-scanErr:
			return err
		case line := <-lines:
			err := sh.execute(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				sh.printf("error: %v\n", err)
			}
		}
	}
}

// newLogger writes warnings to stderr, or everything with verbose. The
// handler is JSON unless stderr is a terminal.
func newLogger(verbose bool) *slog.Logger {
	options := &slog.HandlerOptions{Level: slog.LevelWarn}
	if verbose {
		options.Level = slog.LevelDebug
	}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}
