// Package worker implements the worker side of the supervisor protocol: a
// loop that reads commands from stdin, hands them to a model Handler and
// writes results to stdout.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"segd/internal/protocol"
)

// Handler is the model behind a worker.
type Handler interface {
	// LoadModel prepares the model. It runs once per load_model command.
	LoadModel(ctx context.Context) error
	// Handle executes one session command. Type, RequestID and Status of the
	// returned result are filled in by Serve when left empty. A returned error
	// becomes a status:"error" result carrying its text.
	Handle(ctx context.Context, cmd protocol.Command) (protocol.Result, error)
}

// Serve runs the command loop until r reaches EOF, a shutdown command is
// handled or ctx is done. Session commands before a successful load_model
// fail with "model not loaded".
func Serve(ctx context.Context, r io.Reader, w io.Writer, h Handler, log zerolog.Logger) error {
	dec := protocol.NewDecoder(r)
	enc := protocol.NewEncoder(w)
	loaded := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var cmd protocol.Command
		if err := dec.Decode(&cmd); err != nil {
			var se *protocol.SyntaxError
			if errors.As(err, &se) {
				log.Warn().Err(err).Msg("skipping malformed command")
				if werr := enc.Encode(protocol.Result{Type: protocol.TypeError, Status: protocol.StatusError, Error: se.Error()}); werr != nil {
					return werr
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				log.Info().Msg("command stream closed")
				return nil
			}
			return fmt.Errorf("read command: %w", err)
		}

		switch {
		case cmd.Type == protocol.CmdLoadModel:
			loaded = loadModel(ctx, enc, h, log)
		case cmd.Type == protocol.CmdShutdown:
			log.Info().Msg("shutdown requested")
			return enc.Encode(protocol.Result{
				Type:      protocol.ResultType(cmd.Type),
				RequestID: cmd.RequestID,
				Status:    protocol.StatusOK,
			})
		case !protocol.IsCommandType(cmd.Type):
			log.Warn().Str("type", cmd.Type).Msg("unknown command type")
			if err := enc.Encode(protocol.Result{
				Type:      protocol.TypeError,
				RequestID: cmd.RequestID,
				Status:    protocol.StatusError,
				Error:     fmt.Sprintf("unknown command type %q", cmd.Type),
			}); err != nil {
				return err
			}
		default:
			if err := enc.Encode(handle(ctx, h, cmd, loaded, log)); err != nil {
				return err
			}
		}
	}
}

func loadModel(ctx context.Context, enc *protocol.Encoder, h Handler, log zerolog.Logger) bool {
	_ = enc.Encode(protocol.Result{Type: protocol.TypeStatus, Status: protocol.StatusLoadingModel})
	if err := h.LoadModel(ctx); err != nil {
		log.Error().Err(err).Msg("model load failed")
		_ = enc.Encode(protocol.Result{Type: protocol.TypeStatus, Status: protocol.StatusError, Error: err.Error()})
		return false
	}
	log.Info().Msg("model ready")
	_ = enc.Encode(protocol.Result{Type: protocol.TypeStatus, Status: protocol.StatusReady})
	return true
}

func handle(ctx context.Context, h Handler, cmd protocol.Command, loaded bool, log zerolog.Logger) protocol.Result {
	fail := func(err error) protocol.Result {
		log.Warn().Err(err).Str("type", cmd.Type).Str("video_id", cmd.VideoID).Msg("command failed")
		return protocol.Result{
			Type:      protocol.ResultType(cmd.Type),
			RequestID: cmd.RequestID,
			Status:    protocol.StatusError,
			Error:     err.Error(),
			VideoID:   cmd.VideoID,
		}
	}
	if !loaded {
		return fail(errors.New("model not loaded"))
	}
	res, err := h.Handle(ctx, cmd)
	if err != nil {
		return fail(err)
	}
	if res.Type == "" {
		res.Type = protocol.ResultType(cmd.Type)
	}
	if res.RequestID == "" {
		res.RequestID = cmd.RequestID
	}
	if res.Status == "" {
		res.Status = protocol.StatusOK
	}
	return res
}
