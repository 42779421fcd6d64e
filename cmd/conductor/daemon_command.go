package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"conductor/internal/daemonrun"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	var logLevel string
	var development bool
	var eventBuffer int

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the conductor daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return daemonrun.Run(cmd.Context(), cfg, daemonrun.Options{
				LogLevel:    logLevel,
				Development: development,
				EventBuffer: eventBuffer,
			})
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&development, "development", false, "Verbose development logging")
	cmd.Flags().IntVar(&eventBuffer, "event-buffer", 0, "Live update replay buffer size (0 uses the default)")
	return cmd
}
