package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/partners/syncagent/internal/clock"
	"github.com/partners/syncagent/internal/config"
	"github.com/partners/syncagent/internal/models"
	"github.com/partners/syncagent/internal/observability"
	"github.com/partners/syncagent/internal/services"
)

// offlineQueue opens the outbox directly so operators can work on it while
// the agent is stopped.
func offlineQueue(opts *rootOptions) (*services.OperationQueue, *storage, error) {
	// Keep stdout for command output
	observability.GetLogger().SetOutput(os.Stderr)

	cfg, err := config.NewLoader(opts.ConfigPath).Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := openStorage(cfg)
	if err != nil {
		return nil, nil, err
	}
	return services.NewOperationQueue(st.operations, config.NewStore(*cfg), clock.Real()), st, nil
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show outbox counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, st, err := offlineQueue(opts)
			if err != nil {
				return err
			}
			defer st.Close()

			stats, err := queue.Counts(cmd.Context())
			if err != nil {
				return err
			}
			return printStats(cmd.OutOrStdout(), opts.Format, stats)
		},
	}
}

func printStats(w io.Writer, format string, stats *models.QueueStats) error {
	if format == "json" {
		return writeJSONTo(w, stats)
	}
	fmt.Fprintf(w, "Pending:    %d\n", stats.Pending)
	fmt.Fprintf(w, "Processing: %d\n", stats.Processing)
	fmt.Fprintf(w, "Completed:  %d\n", stats.Completed)
	fmt.Fprintf(w, "Failed:     %d\n", stats.Failed)
	fmt.Fprintf(w, "Conflict:   %d\n", stats.Conflict)
	if n := stats.Failed + stats.Conflict; n > 0 {
		fmt.Fprintf(w, "\n%d operation(s) need an operator: syncagent operations list --status failed|conflict\n", n)
	}
	return nil
}

func writeJSONTo(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

