package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-record/internal/console"
	"github.com/loqalabs/loqa-record/internal/recorder"
)

var watchWidth int

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the status text live",
	Long: `Follow the recorder over its websocket and redraw the status panel on
every change. Press Ctrl+C to quit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		styles := console.NewStyles(console.DefaultTheme)
		out := cmd.OutOrStdout()
		var lines int
		return c.Watch(ctx, func(snap recorder.Snapshot) {
			// Move the cursor back over the previous panel before redrawing.
			if lines > 0 {
				fmt.Fprintf(out, "\033[%dA\033[J", lines)
			}
			panel := console.Render(snap, styles, watchWidth)
			lines = strings.Count(panel, "\n") + 1
			fmt.Fprintln(out, panel)
		})
	},
}

func init() {
	watchCmd.Flags().IntVar(&watchWidth, "width", 60, "panel width in columns")
}
