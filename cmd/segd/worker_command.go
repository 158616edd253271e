package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"segd/internal/worker"
)

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var (
		frames    int
		size      int
		loadDelay time.Duration
	)
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run the built-in synthetic worker on stdin/stdout (internal)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			level := "info"
			if ctx.logLevelFlag != nil && *ctx.logLevelFlag != "" {
				level = *ctx.logLevelFlag
			}
			// stdout carries the protocol; logs go to stderr only
			log := stderrLogger(level).With().Str("component", "worker").Int("pid", os.Getpid()).Logger()
			h := &worker.Synthetic{Frames: frames, Height: size, Width: size, LoadDelay: loadDelay}
			return worker.Serve(cmd.Context(), os.Stdin, os.Stdout, h, log)
		},
	}
	cmd.Flags().IntVar(&frames, "frames", 120, "Frames per video")
	cmd.Flags().IntVar(&size, "size", 256, "Frame height and width")
	cmd.Flags().DurationVar(&loadDelay, "load-delay", 0, "Simulated model load time")
	return cmd
}
