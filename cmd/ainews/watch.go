package main

import (
	"fmt"
	"time"

	"github.com/fentz26/ainews/internal/tui"
	"github.com/spf13/cobra"
)

var watchRefresh time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live dashboard of the daemon",
	RunE:  runWatch,
}

func init() {
	watchCmd.Flags().DurationVar(&watchRefresh, "refresh", tui.DefaultRefresh, "Poll interval")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if _, err := CheckHealth(); err != nil {
		return fmt.Errorf("daemon not reachable at %s (start it with 'ainews daemon'): %w", apiAddr, err)
	}

	app := tui.New(apiAddr, watchRefresh)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}
