package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	scylla "github.com/scylla-chat/scylla-go"
	"github.com/spf13/cobra"
)

var watchChatID string

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchChatID, "chat", "", "select one chat (joins its room and marks it read)")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch chats live",
	Long:  "Connect to the realtime channel, load all chats, and print incoming messages as they arrive. Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		rt := scylla.NewRealtime(client.BaseURL(), cfg.Auth.Token, cfg.Auth.UserID, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := rt.Connect(ctx); err != nil {
			cancel()
			return fmt.Errorf("realtime connect failed: %w", err)
		}
		cancel()
		defer rt.Disconnect()

		engine := scylla.NewEngine(client, rt, cfg.Auth.UserID)
		defer engine.Close()

		initCtx, initCancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer initCancel()
		if err := engine.Initialize(initCtx); err != nil {
			return fmt.Errorf("failed to load chats: %w", err)
		}

		seen := make(map[string]bool)
		for _, view := range engine.Snapshot().Chats {
			for _, msg := range view.Messages {
				seen[msg.MessageID] = true
			}
		}

		engine.Subscribe(func(snap scylla.Snapshot) {
			for _, view := range snap.Chats {
				label := chatLabel(view, cfg.Auth.UserID)
				for _, msg := range view.Messages {
					if seen[msg.MessageID] {
						continue
					}
					seen[msg.MessageID] = true
					fmt.Printf("[%s] %s %s: %s\n", formatTime(msg.SentAt), label, msg.SenderID, msg.Text)
				}
			}
		})

		if watchChatID != "" {
			engine.SelectChat(watchChatID)
		}

		fmt.Printf("Watching %d chats (state: %s). Ctrl-C to stop.\n",
			len(engine.Snapshot().Chats), engine.Snapshot().State)

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}
