package commands

import (
	"github.com/spf13/cobra"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Start recording and transcribing",
	Long: `Start recording into the record file and transcribing the microphone.

Calling record while a recording is running keeps the current file and
resets the status text.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		snap, err := c.Record(cmd.Context())
		if err != nil {
			return err
		}
		return outputResult(cmd, snap)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the current recording",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		snap, err := c.Stop(cmd.Context())
		if err != nil {
			return err
		}
		return outputResult(cmd, snap)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the recorder state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		snap, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}
		return outputResult(cmd, snap)
	},
}
