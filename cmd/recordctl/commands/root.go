package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-record/internal/client"
	"github.com/loqalabs/loqa-record/internal/console"
)

var (
	// Global flags
	addr       string
	outputFmt  string
	reqTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "recordctl",
	Short: "Control a running recordd",
	Long: `recordctl talks to the recordd HTTP API.

Examples:
  # Start a recording and follow the transcript
  recordctl record
  recordctl watch

  # Stop and print the final state as JSON
  recordctl stop -o json
`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:8080", "recordd address")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "yaml", "output format (yaml or json)")
	rootCmd.PersistentFlags().DurationVar(&reqTimeout, "timeout", 10*time.Second, "request timeout")

	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	return client.New(addr, reqTimeout)
}

func outputResult(cmd *cobra.Command, v any) error {
	switch console.Format(outputFmt) {
	case console.FormatYAML, console.FormatJSON:
	default:
		return fmt.Errorf("unsupported output format %q, use yaml or json", outputFmt)
	}
	return console.Output(cmd.OutOrStdout(), v, console.Format(outputFmt))
}
