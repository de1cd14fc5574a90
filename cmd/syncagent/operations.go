package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/partners/syncagent/internal/models"
)

type operationsOptions struct {
	*rootOptions
	Status string
	Skip   int
	Take   int
}

func newOperationsCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operations",
		Short: "Inspect and resolve outbox operations",
		Long: `Inspect and resolve outbox operations directly in the agent database.

Failed and conflicting operations stay in the outbox until an operator
requeues or discards them.

Example:
  syncagent operations list --status conflict
  syncagent operations requeue 3f2b8c1e-...
  syncagent operations discard 3f2b8c1e-...`,
	}

	cmd.AddCommand(newOperationsListCommand(rootOpts))
	cmd.AddCommand(newOperationsRequeueCommand(rootOpts))
	cmd.AddCommand(newOperationsDiscardCommand(rootOpts))
	return cmd
}

func newOperationsListCommand(rootOpts *rootOptions) *cobra.Command {
	opts := &operationsOptions{rootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, st, err := offlineQueue(opts.rootOptions)
			if err != nil {
				return err
			}
			defer st.Close()

			ops, total, err := queue.List(cmd.Context(), opts.Status, opts.Skip, opts.Take)
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				if ops == nil {
					ops = []*models.SyncOperation{}
				}
				return writeJSONTo(cmd.OutOrStdout(), models.OperationListResponse{
					Operations: ops,
					TotalCount: total,
					Skip:       opts.Skip,
					Take:       opts.Take,
				})
			}
			printOperations(cmd.OutOrStdout(), ops, total)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (pending, processing, completed, failed, conflict)")
	cmd.Flags().IntVar(&opts.Skip, "skip", 0, "number of operations to skip")
	cmd.Flags().IntVar(&opts.Take, "take", 50, "number of operations to show")
	return cmd
}

func printOperations(w io.Writer, ops []*models.SyncOperation, total int) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENTITY\tOPERATION\tSTATUS\tRETRIES\tCREATED\tERROR")
	for _, op := range ops {
		errMsg := ""
		if op.ErrorMessage != nil {
			errMsg = *op.ErrorMessage
		}
		fmt.Fprintf(tw, "%s\t%s/%s\t%s\t%s\t%d\t%s\t%s\n",
			op.ID, op.EntityType, op.EntityID, op.OperationType, op.Status,
			op.RetryCount, op.CreatedAt.Local().Format(time.DateTime), errMsg)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d of %d operation(s)\n", len(ops), total)
}

func newOperationsRequeueCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <operation-id>",
		Short: "Send a failed or conflicting operation back to the outbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, st, err := offlineQueue(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			op, err := queue.Requeue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if rootOpts.Format == "json" {
				return writeJSONTo(cmd.OutOrStdout(), op)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Operation %s requeued\n", op.ID)
			return nil
		},
	}
}

func newOperationsDiscardCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <operation-id>",
		Short: "Drop a failed or conflicting operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, st, err := offlineQueue(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := queue.Discard(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Operation %s discarded\n", args[0])
			return nil
		},
	}
}
