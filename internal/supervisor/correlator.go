package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"segd/internal/protocol"
)

// readLoop is the only reader of w's result stream. It routes every envelope
// until the stream ends; a malformed line is skipped without disturbing
// pending requests.
func (s *Supervisor) readLoop(w Worker, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		res, err := w.Recv()
		if err == nil {
			s.dispatch(gen, res)
			continue
		}
		var se *protocol.SyntaxError
		if errors.As(err, &se) {
			s.mu.Lock()
			if s.gen == gen {
				s.protocolErrorLocked(se.Error())
			}
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		if s.gen == gen {
			s.log.Warn().Err(err).Int("pending", len(s.pending)).Msg("worker result stream closed")
			s.failPendingLocked(&NotReadyError{State: s.stateLocked(), Reason: "worker exited"})
		}
		s.mu.Unlock()
		return
	}
}

func (s *Supervisor) dispatch(gen uint64, res protocol.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	if res.Type == protocol.TypeStatus {
		s.applyStatusLocked(res)
		return
	}
	if res.RequestID == "" {
		s.protocolErrorLocked(fmt.Sprintf("%q envelope without request_id", res.Type))
		return
	}
	ch, ok := s.pending[res.RequestID]
	if !ok {
		orphanedResults.Inc()
		s.log.Debug().Str("type", res.Type).Str("request_id", res.RequestID).Msg("dropping result for abandoned request")
		s.publish(Event{Name: EventResultOrphan, VideoID: res.VideoID, Fields: map[string]any{"type": res.Type, "request_id": res.RequestID}})
		return
	}
	delete(s.pending, res.RequestID)
	pendingRequests.Set(float64(len(s.pending)))
	if !protocol.IsResultType(res.Type) {
		s.protocolErrorLocked(fmt.Sprintf("unknown envelope type %q", res.Type))
	}
	// buffered; the entry was just removed so nobody else sends on ch
	ch <- reply{res: res}
}

func (s *Supervisor) applyStatusLocked(res protocol.Result) {
	st := s.stateLocked()
	switch res.Status {
	case protocol.StatusLoadingModel:
		if st != StateLoading {
			s.log.Warn().Str("state", string(st)).Msg("ignoring loading_model status outside loading")
			return
		}
		s.log.Info().Msg("worker loading model")
	case protocol.StatusReady:
		if st != StateLoading {
			s.log.Warn().Str("state", string(st)).Msg("ignoring ready status outside loading")
			return
		}
		s.errMsg = ""
		s.warmed = false
		s.fireLocked(evLoaded)
		s.publish(Event{Name: EventModelReady})
	case protocol.StatusError:
		msg := res.Error
		if msg == "" {
			msg = "worker reported an error"
		}
		s.errMsg = msg
		if s.fireLocked(evFail) {
			s.log.Error().Str("error", msg).Msg("worker failed")
			s.publish(Event{Name: EventModelFailed, Fields: map[string]any{"error": msg}})
		}
	default:
		s.protocolErrorLocked(fmt.Sprintf("unknown status %q", res.Status))
	}
}

func (s *Supervisor) protocolErrorLocked(msg string) {
	protocolErrors.Inc()
	s.lastProtoErr = msg
	s.log.Warn().Str("error", msg).Msg("worker protocol error")
}

func (s *Supervisor) failPendingLocked(cause error) {
	for id, ch := range s.pending {
		ch <- reply{err: cause}
		delete(s.pending, id)
	}
	pendingRequests.Set(0)
}

// forget removes a pending slot. It returns false when the reader already
// resolved it, in which case the reply is waiting in the channel.
func (s *Supervisor) forget(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pending[id]; !ok {
		return false
	}
	delete(s.pending, id)
	pendingRequests.Set(float64(len(s.pending)))
	return true
}

// SendAndWait sends cmd with a fresh request id and blocks until the matching
// result arrives, the timeout elapses or ctx is done. A timeout of zero uses
// the default command timeout. It fails with NotReady without sending when
// the worker is not ready.
func (s *Supervisor) SendAndWait(ctx context.Context, cmd protocol.Command, timeout time.Duration) (protocol.Result, error) {
	if !protocol.IsCommandType(cmd.Type) || cmd.Type == protocol.CmdLoadModel || cmd.Type == protocol.CmdShutdown {
		return protocol.Result{}, invalidf("command type %q cannot be sent directly", cmd.Type)
	}
	res, _, err := s.roundTrip(ctx, cmd, timeout)
	return res, err
}

// roundTrip also returns the worker generation the command went to, so
// callers only record its effects while that worker is still current.
func (s *Supervisor) roundTrip(ctx context.Context, cmd protocol.Command, timeout time.Duration) (protocol.Result, uint64, error) {
	if timeout <= 0 {
		timeout = s.cfg.Timeouts.Default
	}
	s.mu.Lock()
	if err := s.ensureReadyLocked(); err != nil {
		s.mu.Unlock()
		commandsTotal.WithLabelValues(cmd.Type, "not_ready").Inc()
		return protocol.Result{}, 0, err
	}
	w, gen := s.worker, s.gen
	cmd.RequestID = uuid.NewString()
	ch := make(chan reply, 1)
	s.pending[cmd.RequestID] = ch
	pendingRequests.Set(float64(len(s.pending)))
	s.mu.Unlock()

	log := s.log.With().Str("type", cmd.Type).Str("request_id", cmd.RequestID).Logger()
	start := time.Now()
	t := time.NewTimer(timeout)
	defer t.Stop()

	// A worker busy with an earlier command stops draining its input, so the
	// write itself is bounded by the same timer as the reply.
	sent := make(chan error, 1)
	go func() { sent <- w.Send(cmd) }()

	var r reply
wait:
	for {
		select {
		case err := <-sent:
			sent = nil
			if err != nil {
				if !s.forget(cmd.RequestID) {
					<-ch
				}
				observeCommand(cmd.Type, "send_error", start)
				return protocol.Result{}, gen, fmt.Errorf("send %s: %w", cmd.Type, err)
			}
			log.Debug().Dur("timeout", timeout).Msg("command sent")
		case r = <-ch:
			break wait
		case <-t.C:
			if s.forget(cmd.RequestID) {
				observeCommand(cmd.Type, "timeout", start)
				log.Warn().Dur("after", timeout).Bool("sent", sent == nil).Msg("command timed out")
				return protocol.Result{}, gen, &TimeoutError{Type: cmd.Type, After: timeout}
			}
			r = <-ch
			break wait
		case <-ctx.Done():
			if s.forget(cmd.RequestID) {
				observeCommand(cmd.Type, "canceled", start)
				return protocol.Result{}, gen, fmt.Errorf("%s: %w", cmd.Type, ctx.Err())
			}
			r = <-ch
			break wait
		}
	}

	if r.err != nil {
		observeCommand(cmd.Type, "not_ready", start)
		return protocol.Result{}, gen, r.err
	}
	res := r.res
	var err error
	switch {
	case res.Type == protocol.TypeError:
		msg := res.Error
		if msg == "" {
			msg = "worker rejected command"
		}
		err = &ProtocolError{Type: cmd.Type, Msg: msg}
	case res.Type != protocol.ResultType(cmd.Type):
		err = &ProtocolError{Type: cmd.Type, Msg: fmt.Sprintf("unexpected result type %q", res.Type)}
	case !res.OK():
		msg := res.Error
		if msg == "" {
			msg = "status " + res.Status
		}
		err = &WorkerError{Type: cmd.Type, Msg: msg}
	}
	if err != nil {
		observeCommand(cmd.Type, "error", start)
		log.Debug().Err(err).Msg("command failed")
		return res, gen, err
	}
	observeCommand(cmd.Type, "ok", start)
	log.Debug().Dur("took", time.Since(start)).Msg("command done")
	return res, gen, nil
}
