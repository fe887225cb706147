package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the expensebridge application
var rootCmd = &cobra.Command{
	Use:   "expensebridge",
	Short: "MCP server for expense operations across Gmail, Google Sheets and Slack",
	Long: `expensebridge exposes Gmail, Google Sheets and Slack operations as MCP
tools and runs an expense workflow on top of them: receipts are read from
Gmail, recorded in a spreadsheet and posted to Slack for approval.

It manages one OAuth credential per principal and provider, refreshing
tokens before they expire.

It can run as:
  - An MCP server for AI assistants (serve)
  - A CLI for credential management (auth) and one-off workflow runs (workflow)`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnv(cmd)
	},
}

// version will be set by main
var version = "dev"

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "expensebridge version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	appCfg.registerFlags(rootCmd)

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAuthCmd())
	rootCmd.AddCommand(newWorkflowCmd())
	rootCmd.AddCommand(newGenerateDocsCmd())
	rootCmd.AddCommand(newVersionCmd())
}
