package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/partners/syncagent/internal/middleware"
)

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <admin-api-key>",
		Short: "Print the bcrypt hash to store as admin.apiKeyHash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := middleware.HashAPIKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
