package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run the expense workflow",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Process unread receipts once and print the report",
		Long: `Fetch receipt emails matching --query, parse each one, append it to the
ledger spreadsheet, request approval in --slack-channel and mark the email
read. The run report is printed as JSON.

The principal must already be authorized for Gmail, Sheets and Slack
(see "expensebridge auth login").`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			sc, err := buildServerContext(ctx, &appCfg, newLogger(os.Stderr, appCfg.debug), nil)
			if err != nil {
				return err
			}
			defer func() { _ = sc.Shutdown() }()

			report, err := sc.Workflow().Run(ctx, sc.DefaultPrincipal())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	})
	return cmd
}
