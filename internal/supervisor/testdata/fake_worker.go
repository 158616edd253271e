package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"segd/internal/protocol"
	"segd/internal/worker"
)

// crashing exits the process instead of answering the n-th session command.
type crashing struct {
	worker.Handler
	after int
	n     int
}

func (c *crashing) Handle(ctx context.Context, cmd protocol.Command) (protocol.Result, error) {
	c.n++
	if c.after > 0 && c.n >= c.after {
		os.Exit(3)
	}
	return c.Handler.Handle(ctx, cmd)
}

func main() {
	var (
		frames     = flag.Int("frames", 8, "frames per video")
		size       = flag.Int("size", 16, "frame height and width")
		crashAfter = flag.Int("crash-after", 0, "exit on the n-th session command")
		hang       = flag.Bool("hang", false, "keep running after shutdown and ignore SIGTERM")
	)
	flag.Parse()
	if *hang {
		signal.Ignore(syscall.SIGTERM)
	}
	log := zerolog.New(os.Stderr)
	h := &crashing{Handler: &worker.Synthetic{Frames: *frames, Height: *size, Width: *size}, after: *crashAfter}
	if err := worker.Serve(context.Background(), os.Stdin, os.Stdout, h, log); err != nil {
		log.Error().Err(err).Msg("serve")
		os.Exit(1)
	}
	for *hang {
		time.Sleep(time.Hour)
	}
}
