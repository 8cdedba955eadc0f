// Voicekit demo - text-driven realtime voice session against a live
// broker and inference endpoint. Spoken audio plays through the peer
// connection; this binary drives the session with typed input.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/voicekit-dev/go-voicekit/internal/config"
	"github.com/voicekit-dev/go-voicekit/internal/log"
	"github.com/voicekit-dev/go-voicekit/pkg/broker"
	"github.com/voicekit-dev/go-voicekit/pkg/session"
	"github.com/voicekit-dev/go-voicekit/pkg/store"
	"github.com/voicekit-dev/go-voicekit/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voicekit-demo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.Init(cfg.LogLevel)

	db, err := store.NewSQLite(cfg.Store.SQLitePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	bridge := store.NewBridge(db)
	defer bridge.Close()

	minter := broker.NewClient(cfg.Broker.URL, broker.WithAPIKey(cfg.Broker.APIKey))

	tr := transport.NewPeer(transport.PeerConfig{
		BaseURL: cfg.Realtime.URL,
		Model:   cfg.Realtime.Model,
	})

	ctrl := session.New(minter, tr, bridge,
		session.WithModel(cfg.Realtime.Model),
		session.WithVoice(cfg.Realtime.Voice),
		session.WithUserID("demo"),
	)

	ctrl.OnMessage(func(m session.Message) {
		if m.IsPartial {
			return
		}
		fmt.Printf("[%s] %s\n", m.Role, m.Content)
	})
	ctrl.OnStatus(func(s session.Status) {
		log.Info("session status", "status", s.String())
	})
	ctrl.OnSpeaking(func(on bool) {
		if on {
			fmt.Println("... agent speaking ...")
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer ctrl.End()

	fmt.Println("Connected. Type a message and press enter; /quit ends the session.")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return nil
			case line == "/cancel":
				if err := ctrl.CancelResponse(); err != nil {
					log.Warn("cancel failed", "error", err)
				}
			default:
				if err := ctrl.SendText(line); err != nil {
					log.Warn("send failed", "error", err)
				}
			}
		}
	}
}
