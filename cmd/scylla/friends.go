package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(friendsCmd)
	friendsCmd.AddCommand(friendsAddCmd)
	friendsCmd.AddCommand(friendsAcceptCmd)
	friendsCmd.AddCommand(friendsRejectCmd)
}

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Manage friend requests",
}

var friendsAddCmd = &cobra.Command{
	Use:   "add <userId>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.SendFriendRequest(ctx, args[0]); err != nil {
			return fmt.Errorf("send friend request failed: %w", err)
		}
		fmt.Println("Request sent.")
		return nil
	},
}

var friendsAcceptCmd = &cobra.Command{
	Use:   "accept <userId>",
	Short: "Accept a pending friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.AcceptFriendRequest(ctx, args[0]); err != nil {
			return fmt.Errorf("accept friend request failed: %w", err)
		}
		fmt.Println("Request accepted.")
		return nil
	},
}

var friendsRejectCmd = &cobra.Command{
	Use:   "reject <userId>",
	Short: "Reject a pending friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := client.RejectFriendRequest(ctx, args[0]); err != nil {
			return fmt.Errorf("reject friend request failed: %w", err)
		}
		fmt.Println("Request rejected.")
		return nil
	},
}
