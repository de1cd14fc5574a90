package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/partners/syncagent/internal/handlers"
)

// rootOptions holds flags shared by every command
type rootOptions struct {
	ConfigPath string
	Format     string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:     "syncagent",
		Short:   "Offline-first sync agent for POS terminals",
		Version: fmt.Sprintf("%s (%s, built %s)", handlers.Version, handlers.GitCommit, handlers.BuildTime),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default $CONFIG_PATH or config.json)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newOperationsCommand(opts))
	cmd.AddCommand(newHashKeyCommand())

	return cmd
}
