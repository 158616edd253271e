package supervisor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/flock"

	"segd/internal/common/fsutil"
	"segd/internal/protocol"
)

// StartLoading spawns the worker and asks it to load the model. It returns
// once load_model has been sent; the model becomes ready asynchronously.
// Calling it while loading or ready is a no-op. From the error state the old
// worker is stopped first.
func (s *Supervisor) StartLoading(ctx context.Context) error {
	if s.cfg.Launcher == nil {
		return errors.New("supervisor has no worker launcher")
	}
	s.mu.Lock()
	s.reconcileLocked()
	switch s.stateLocked() {
	case StateLoading, StateReady:
		s.mu.Unlock()
		return nil
	}
	old, oldLock := s.detachLocked(&NotReadyError{State: StateLoading, Reason: "worker restarting"})
	s.errMsg = ""
	s.fireLocked(evStart)
	gen := s.gen
	s.mu.Unlock()

	if old != nil {
		s.retire(old, s.cfg.ShutdownGrace)
	}
	releaseLock(oldLock)

	lock, err := s.acquireWorkerLock()
	if err != nil {
		s.failStart(gen, err.Error())
		return err
	}

	w, err := s.cfg.Launcher.Launch(ctx)
	if err != nil {
		releaseLock(lock)
		s.failStart(gen, "launch worker: "+err.Error())
		return fmt.Errorf("launch worker: %w", err)
	}
	workerSpawns.Inc()

	s.mu.Lock()
	if s.gen != gen {
		// Shutdown ran while the process was starting.
		st := s.stateLocked()
		s.mu.Unlock()
		s.stopWorker(w, 0)
		releaseLock(lock)
		return &NotReadyError{State: st, Reason: "shut down during start"}
	}
	done := make(chan struct{})
	s.worker = w
	s.lock = lock
	s.readerDone = done
	s.warmed = false
	s.mu.Unlock()

	go s.readLoop(w, gen, done)
	s.log.Info().Int("pid", w.PID()).Msg("worker spawned, loading model")
	s.publish(Event{Name: EventWorkerStarted, Fields: map[string]any{"pid": w.PID()}})

	if err := w.Send(protocol.Command{Type: protocol.CmdLoadModel}); err != nil {
		s.failStart(gen, "send load_model: "+err.Error())
		return fmt.Errorf("send load_model: %w", err)
	}
	return nil
}

func (s *Supervisor) failStart(gen uint64, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.errMsg = msg
	s.fireLocked(evFail)
	s.log.Error().Str("error", msg).Msg("worker start failed")
	s.publish(Event{Name: EventModelFailed, Fields: map[string]any{"error": msg}})
}

// Status reports the current state. It also detects a worker that died since
// the last call: a dead worker in ready state resets to not_loaded and drops
// all sessions; a dead worker in loading state moves to error.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	s.reconcileLocked()
	st := Status{
		State:             s.stateLocked(),
		Error:             s.errMsg,
		Sessions:          len(s.sessions),
		Pending:           len(s.pending),
		LastProtocolError: s.lastProtoErr,
	}
	w := s.worker
	s.mu.Unlock()

	if w != nil {
		st.PID = w.PID()
		if sw, ok := w.(statsWorker); ok {
			if ps, err := sw.Stats(); err == nil {
				st.RSSBytes = ps.RSSBytes
				st.CPUPercent = ps.CPUPercent
			}
		}
	}
	return st
}

// Ready reports whether commands would currently be accepted.
func (s *Supervisor) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconcileLocked()
	return s.stateLocked() == StateReady
}

// Shutdown asks the worker to exit, escalates to SIGTERM and SIGKILL when it
// does not, and resets all local state unconditionally. Waiting requests fail
// with NotReady. The returned error only reports a process that could not be
// killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	w, lock := s.detachLocked(&NotReadyError{State: StateNotLoaded, Reason: "supervisor shutting down"})
	s.errMsg = ""
	s.fireLocked(evReset)
	s.mu.Unlock()

	if w == nil {
		releaseLock(lock)
		return nil
	}
	grace := s.cfg.ShutdownGrace
	if dl, ok := ctx.Deadline(); ok {
		if left := time.Until(dl); left < grace {
			grace = max(left, 0)
		}
	}
	err := s.retire(w, grace)
	releaseLock(lock)
	s.publish(Event{Name: EventWorkerStopped, Fields: map[string]any{"pid": w.PID()}})
	return err
}

// acquireWorkerLock takes the cross-process worker lock when one is
// configured. Only a lock held elsewhere yields ErrWorkerLocked; a lock file
// that cannot be created is an ordinary start failure.
func (s *Supervisor) acquireWorkerLock() (*flock.Flock, error) {
	if s.cfg.LockPath == "" {
		return nil, nil
	}
	if err := fsutil.EnsureParent(s.cfg.LockPath); err != nil {
		return nil, fmt.Errorf("worker lock: %w", err)
	}
	lock := flock.New(s.cfg.LockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("worker lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerLocked, s.cfg.LockPath)
	}
	return lock, nil
}

// retire sends a best-effort shutdown command and stops the process.
func (s *Supervisor) retire(w Worker, grace time.Duration) error {
	sent := make(chan error, 1)
	go func() { sent <- w.Send(protocol.Command{Type: protocol.CmdShutdown}) }()
	t := time.NewTimer(s.cfg.KillGrace)
	select {
	case err := <-sent:
		if err != nil {
			s.log.Debug().Err(err).Msg("shutdown command not delivered")
		}
	case <-w.Exited():
	case <-t.C:
	}
	t.Stop()
	return s.stopWorker(w, grace)
}

func (s *Supervisor) stopWorker(w Worker, grace time.Duration) error {
	if err := w.Stop(grace, s.cfg.KillGrace); err != nil {
		s.log.Error().Err(err).Int("pid", w.PID()).Msg("worker stop failed")
		return err
	}
	s.log.Info().Int("pid", w.PID()).Msg("worker stopped")
	return nil
}

// reconcileLocked detaches a worker that is no longer alive and applies the
// matching transition. It reports whether a ready worker crashed.
func (s *Supervisor) reconcileLocked() bool {
	if s.worker == nil || s.workerAliveLocked() {
		return false
	}
	crashed := false
	pid := s.worker.PID()
	switch s.stateLocked() {
	case StateReady:
		crashed = true
		workerCrashes.Inc()
		s.fireLocked(evCrash)
		s.log.Error().Int("pid", pid).Int("sessions", len(s.sessions)).Msg("worker died, sessions dropped")
		s.publish(Event{Name: EventWorkerCrashed, Fields: map[string]any{"pid": pid}})
	case StateLoading:
		workerCrashes.Inc()
		s.errMsg = "worker exited during model load"
		s.fireLocked(evFail)
		s.log.Error().Int("pid", pid).Msg(s.errMsg)
		s.publish(Event{Name: EventModelFailed, Fields: map[string]any{"error": s.errMsg}})
	}
	w, lock := s.detachLocked(&NotReadyError{State: s.stateLocked(), Reason: "worker exited", Crashed: crashed})
	releaseLock(lock)
	go s.stopWorker(w, 0)
	return crashed
}

func (s *Supervisor) workerAliveLocked() bool {
	select {
	case <-s.worker.Exited():
		return false
	case <-s.readerDone:
		return false
	default:
		return true
	}
}

// detachLocked forgets the current worker and everything tied to it: the
// session registry is cleared and waiters fail with cause. The caller stops
// the returned worker and releases the lock outside the mutex.
func (s *Supervisor) detachLocked(cause error) (Worker, *flock.Flock) {
	w, lock := s.worker, s.lock
	s.worker, s.lock, s.readerDone = nil, nil, nil
	s.gen++
	s.warmed = false
	s.clearSessionsLocked()
	s.failPendingLocked(cause)
	return w, lock
}

func releaseLock(l *flock.Flock) {
	if l != nil {
		_ = l.Unlock()
	}
}

// ensureReadyLocked is the precondition of every worker command.
func (s *Supervisor) ensureReadyLocked() error {
	crashed := s.reconcileLocked()
	st := s.stateLocked()
	if st == StateReady {
		return nil
	}
	reason := s.errMsg
	if crashed {
		reason = "worker process exited"
	}
	return &NotReadyError{State: st, Reason: reason, Crashed: crashed}
}
