package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	scylla "github.com/scylla-chat/scylla-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <chatId> <text>...",
	Short: "Send a message to a chat",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]
		text := strings.Join(args[1:], " ")
		if strings.TrimSpace(text) == "" {
			return fmt.Errorf("message text is empty")
		}

		client, cfg := getClient()
		rt := scylla.NewRealtime(client.BaseURL(), cfg.Auth.Token, cfg.Auth.UserID, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := rt.Connect(ctx); err != nil {
			return fmt.Errorf("realtime connect failed: %w", err)
		}
		defer rt.Disconnect()

		engine := scylla.NewEngine(client, rt, cfg.Auth.UserID)
		defer engine.Close()

		engine.SendMessage(chatID, text)

		// The send is fire-and-forget; give the frame a moment to flush
		// before tearing the connection down.
		time.Sleep(200 * time.Millisecond)
		fmt.Println("Sent.")
		return nil
	},
}
