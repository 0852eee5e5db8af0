package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ST33ZEmachine/printshop/pkg/trello"
)

// trelloClientFromEnv builds a client from TRELLO_API_KEY/TRELLO_API_TOKEN.
// The management commands only need Trello credentials, not the full service
// configuration.
func trelloClientFromEnv() (*trello.Client, error) {
	key := os.Getenv("TRELLO_API_KEY")
	token := os.Getenv("TRELLO_API_TOKEN")
	if key == "" || token == "" {
		return nil, fmt.Errorf("TRELLO_API_KEY and TRELLO_API_TOKEN are required")
	}
	return trello.NewClient(key, token, 30*time.Second), nil
}

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Manage Trello webhook subscriptions",
}

var webhooksRegisterCmd = &cobra.Command{
	Use:   "register <board-id>",
	Short: "Register the callback URL for a board",
	Long: "Registers TRELLO_CALLBACK_URL as a webhook on the given board. " +
		"Trello verifies the URL synchronously, so the serve process must be reachable first.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := trelloClientFromEnv()
		if err != nil {
			return err
		}
		callbackURL := os.Getenv("TRELLO_CALLBACK_URL")
		if callbackURL == "" {
			return fmt.Errorf("TRELLO_CALLBACK_URL is required")
		}

		wh, err := client.RegisterWebhook(context.Background(), args[0], callbackURL, "printshop order pipeline")
		if err != nil {
			return err
		}
		fmt.Printf("Registered webhook %s (board %s -> %s)\n", wh.ID, wh.IDModel, wh.CallbackURL)
		return nil
	},
}

var webhooksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhooks registered under the token",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := trelloClientFromEnv()
		if err != nil {
			return err
		}
		whs, err := client.ListWebhooks(context.Background())
		if err != nil {
			return err
		}
		if len(whs) == 0 {
			fmt.Println("No webhooks registered")
			return nil
		}
		for _, wh := range whs {
			status := "inactive"
			if wh.Active {
				status = "active"
			}
			fmt.Printf("%s  board=%s  %s  [%s]  %s\n", wh.ID, wh.IDModel, wh.CallbackURL, status, wh.Description)
		}
		return nil
	},
}

var webhooksDeleteCmd = &cobra.Command{
	Use:   "delete <webhook-id>",
	Short: "Delete a webhook subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := trelloClientFromEnv()
		if err != nil {
			return err
		}
		if err := client.DeleteWebhook(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted webhook %s\n", args[0])
		return nil
	},
}

func init() {
	webhooksCmd.AddCommand(webhooksRegisterCmd)
	webhooksCmd.AddCommand(webhooksListCmd)
	webhooksCmd.AddCommand(webhooksDeleteCmd)
}
