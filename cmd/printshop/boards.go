package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var boardsCmd = &cobra.Command{
	Use:   "boards",
	Short: "List boards visible to the configured token",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := trelloClientFromEnv()
		if err != nil {
			return err
		}
		boards, err := client.ListBoards(context.Background())
		if err != nil {
			return err
		}
		for _, b := range boards {
			state := "open"
			if b.Closed {
				state = "closed"
			}
			fmt.Printf("%s  %-40s  [%s]\n", b.ID, b.Name, state)
		}
		return nil
	},
}
