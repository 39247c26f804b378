package main

import (
	"fmt"
	"os"
	"time"

	scylla "github.com/scylla-chat/scylla-go"
)

// getClient creates an authenticated API client from the stored session.
func getClient() (*scylla.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'scylla login <username> <password>' first.")
		os.Exit(1)
	}

	var opts []scylla.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, scylla.WithBaseURL(cfg.Default.BaseURL))
	}
	return scylla.NewClient(cfg.Auth.Token, opts...), cfg
}

// anonClient creates an unauthenticated client, for login.
func anonClient() *scylla.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	var opts []scylla.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, scylla.WithBaseURL(cfg.Default.BaseURL))
	}
	return scylla.NewClient("", opts...)
}

// chatLabel returns a display name for a chat: its own name for groups,
// the other participant's name for one-on-one chats.
func chatLabel(view scylla.ChatView, selfID string) string {
	if view.Chat.ChatType == scylla.ChatTypeGroup {
		if view.Chat.Name != "" {
			return view.Chat.Name
		}
		return "Group"
	}
	for _, m := range view.Members {
		if m.UserID != selfID {
			if m.Name != "" {
				return m.Name
			}
			return m.Username
		}
	}
	return "Unknown"
}

// formatTime renders a message timestamp for list output.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("15:04")
}
