// Copyright 2026 The Chime API Authors
// SPDX-License-Identifier: Apache-2.0

// chime-chat is a reference terminal client for the chime-api library.
// It signs in, joins a single room, prints the merged message stream
// to stdout, and sends each line read from stdin to the room.
//
// Usage:
//
//	chime-chat --config chime.yaml --room <room-id> --channel <channel>
//
// The sign-in token comes from the token_file configured in the YAML
// file, or from --token-file. When a credential cache is configured
// and holds a fresher session token, that token is used instead.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/fosschime/chime-api/chat"
	"github.com/fosschime/chime-api/chime"
	"github.com/fosschime/chime-api/juggernaut"
	"github.com/fosschime/chime-api/lib/config"
	"github.com/fosschime/chime-api/lib/ref"
	"github.com/fosschime/chime-api/statestore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chime-chat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var roomFlag string
	var channelFlag string
	var roomName string
	var tokenFile string

	flagSet := pflag.NewFlagSet("chime-chat", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", os.Getenv("CHIME_CONFIG"), "path to the YAML configuration file")
	flagSet.StringVar(&roomFlag, "room", "", "room ID to join")
	flagSet.StringVar(&channelFlag, "channel", "", "realtime channel of the room")
	flagSet.StringVar(&roomName, "room-name", "", "display name for the room (defaults to the room ID)")
	flagSet.StringVar(&tokenFile, "token-file", "", "sign-in token file (overrides token_file from the config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if configPath == "" {
		return fmt.Errorf("--config or CHIME_CONFIG is required")
	}
	if roomFlag == "" || channelFlag == "" {
		return fmt.Errorf("--room and --channel are required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if tokenFile == "" {
		tokenFile = cfg.TokenFile
	}
	if tokenFile == "" {
		return fmt.Errorf("no token file: set token_file in %s or pass --token-file", configPath)
	}

	roomID, err := ref.ParseRoomID(roomFlag)
	if err != nil {
		return err
	}
	channel, err := ref.ParseChannelName(channelFlag)
	if err != nil {
		return err
	}
	if roomName == "" {
		roomName = roomFlag
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	signinToken, err := readToken(tokenFile)
	if err != nil {
		return err
	}

	var cache *chime.CredentialCache
	if cfg.CredentialCache != "" {
		cache, err = chime.NewCredentialCache(cfg.CredentialCache)
		if err != nil {
			return err
		}
		// A cached session token survives the sign-in token's
		// expiry; prefer it when present.
		if cached, err := cache.Load(); err != nil {
			logger.Warn("reading credential cache failed", "error", err)
		} else if cached != "" {
			signinToken = cached
		}
	}

	client, err := chime.NewClient(chime.ClientConfig{
		SigninURL:       cfg.SigninURL,
		Logger:          logger,
		RequestTimeout:  cfg.RequestTimeout,
		CredentialCache: cache,
		OnConnectionError: func(err error) {
			logger.Error("connection failed", "error", err)
			stop()
		},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(ctx, signinToken); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	session := client.Session()
	fmt.Printf("signed in as %s\n", session.DisplayName())

	stream, err := juggernaut.Dial(ctx, juggernaut.Config{Client: client, Logger: logger})
	if err != nil {
		return fmt.Errorf("opening event stream: %w", err)
	}
	defer stream.Close()

	var store statestore.Store
	if cfg.StateDB != "" {
		store, err = statestore.OpenSQLite(cfg.StateDB, logger)
		if err != nil {
			return err
		}
		defer store.Close()
	}

	manager, err := chat.NewManager(chat.Config{
		Client: client,
		Stream: stream,
		Store:  store,
		Events: &printer{out: os.Stdout},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer manager.Close()

	room, err := manager.Join(ctx, roomID, roomName, channel)
	if err != nil {
		return fmt.Errorf("joining %s: %w", roomID, err)
	}
	fmt.Printf("joined %s, syncing...\n", room.Name())

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			text := strings.TrimSpace(scanner.Text())
			if text == "" {
				continue
			}
			if err := manager.Send(ctx, roomID, text); err != nil {
				logger.Error("send failed", "error", err)
			}
		}
		stop()
	}()

	<-ctx.Done()

	// Closed by the remote: surface the stream error if there is one.
	select {
	case <-stream.Closed():
		if err := stream.Err(); err != nil {
			return fmt.Errorf("event stream: %w", err)
		}
	default:
	}
	return nil
}

func readToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	return token, nil
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// printer writes chat callbacks as plain lines. All callbacks arrive
// from library goroutines; os.File writes are atomic enough for a
// line-oriented log.
type printer struct {
	out *os.File
}

func (p *printer) Message(roomID ref.RoomID, sender, text string, flags chat.MessageFlags, at time.Time) {
	marker := " "
	switch {
	case flags&chat.FlagError != 0:
		marker = "!"
	case flags&chat.FlagMentionsMe != 0:
		marker = "*"
	case flags&chat.FlagOutgoing != 0:
		marker = ">"
	}
	fmt.Fprintf(p.out, "%s %s <%s> %s\n", at.Local().Format("15:04:05"), marker, sender, text)
}

func (p *printer) MemberJoined(roomID ref.RoomID, member chat.Member) {
	fmt.Fprintf(p.out, "-- %s joined\n", member.DisplayName)
}

func (p *printer) MemberPresenceChanged(roomID ref.RoomID, memberID ref.ProfileID, present bool) {
	state := "away"
	if present {
		state = "present"
	}
	fmt.Fprintf(p.out, "-- %s is %s\n", memberID, state)
}

func (p *printer) RoomClosed(roomID ref.RoomID) {
	fmt.Fprintf(p.out, "-- room %s closed\n", roomID)
}

func (p *printer) SyncFailed(roomID ref.RoomID, err error) {
	fmt.Fprintf(p.out, "-- sync failed for %s: %v\n", roomID, err)
}
