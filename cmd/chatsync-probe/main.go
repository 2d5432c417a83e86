// chatsync-probe connects the sync client to a chat backend, tails a room,
// and prints state changes. Useful for poking at servers during development.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/danielagblo/chatsync"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	room := flag.String("room", "", "room identifier (numeric id or conversation key)")
	send := flag.String("send", "", "optional message to send after connecting")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg := chatsync.ConfigFromEnv()
	token := os.Getenv("CHATSYNC_TOKEN")

	client, err := chatsync.New(cfg, chatsync.TokenFunc(func() string { return token }))
	if err != nil {
		slog.Error("failed to create client", "error", err)
		os.Exit(1)
	}
	defer client.CloseAll()

	if err := client.EnsureListConnection(); err != nil {
		slog.Error("list feed unavailable", "error", err)
		os.Exit(1)
	}
	if err := client.EnsureUnreadConnection(); err != nil {
		slog.Error("unread feed unavailable", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *room != "" {
		resolved, err := client.ConnectToRoom(ctx, *room, chatsync.JoinOptions{})
		if err != nil {
			slog.Error("connect failed", "room", *room, "error", err)
			os.Exit(1)
		}
		slog.Info("connected", "room", *room, "resolved", resolved)

		if *send != "" {
			if err := client.SendMessage(ctx, resolved, *send, "", ""); err != nil {
				slog.Error("send failed", "error", err)
			}
		}
	}

	// Poll the cheap change clock and dump state when it moves.
	last := client.LastUpdate()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return
		case <-ticker.C:
		}

		now := client.LastUpdate()
		if !now.After(last) {
			continue
		}
		last = now

		fmt.Printf("--- update at %s (unread %d)\n", now.Format(time.RFC3339Nano), client.UnreadCount())
		for _, r := range client.Rooms() {
			fmt.Printf("room %-20s id=%-6d unread=%d %s\n", r.Key, r.ID, r.Unread, r.Name)
		}
		if *room != "" {
			for _, m := range client.Messages(*room) {
				state := "ok"
				if m.Optimistic {
					state = "pending"
				}
				fmt.Printf("  [%s] %d/%s %s: %s\n", state, m.ID, m.TempID, m.SenderName, m.Content)
			}
			if typing := client.TypingUsers(*room); len(typing) > 0 {
				fmt.Printf("  typing: %v\n", typing)
			}
		}
	}
}
