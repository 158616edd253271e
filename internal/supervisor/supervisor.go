// Package supervisor runs a stateful inference worker in a separate process
// and exposes it as a synchronous request/response facade.
//
// It is structured into small files by concern:
//
//   - supervisor.go: Supervisor type, constructor, lifecycle state machine.
//   - config.go: Config, Timeouts and package defaults.
//   - types.go: State, Worker/Launcher, SessionInfo, Status, prompts.
//   - errors.go: error taxonomy and IsXxx helpers.
//   - lifecycle.go: StartLoading, Status, Shutdown and crash reconciliation.
//   - correlator.go: the reader loop and SendAndWait.
//   - ops.go: per-video operations (sessions, prompts, propagation).
//   - metrics.go, events.go: observability.
//
// One goroutine per worker owns the result stream and resolves waiters by
// request id, so results may arrive in any order. A single mutex guards the
// state, the session registry and the pending table; it is never held while
// sending to or waiting on the worker.
package supervisor

import (
	"context"
	"errors"
	"sync"

	"github.com/gofrs/flock"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog"

	"segd/internal/protocol"
)

// Lifecycle events.
const (
	evStart  = "start"
	evLoaded = "loaded"
	evFail   = "fail"
	evCrash  = "crash"
	evReset  = "reset"
)

type reply struct {
	res protocol.Result
	err error
}

// Supervisor owns one worker process at a time.
type Supervisor struct {
	cfg Config
	log zerolog.Logger
	pub EventPublisher

	mu      sync.Mutex
	machine *fsm.FSM
	errMsg  string
	// lastProtoErr is the most recent protocol violation, kept for Status.
	lastProtoErr string

	worker     Worker
	readerDone chan struct{}
	lock       *flock.Flock
	// gen increments whenever a worker is attached or detached; reader
	// goroutines and in-flight operations of an older generation must not
	// touch current state.
	gen uint64
	// warmed is false until the first session init on the current worker
	// succeeded.
	warmed bool

	sessions map[string]*SessionInfo
	pending  map[string]chan reply
}

// New constructs a Supervisor in state not_loaded. No process is started until
// StartLoading.
func New(cfg Config) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		cfg:      cfg,
		log:      zerolog.Nop(),
		pub:      cfg.Publisher,
		sessions: make(map[string]*SessionInfo),
		pending:  make(map[string]chan reply),
	}
	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("component", "supervisor").Logger()
	}
	all := []string{string(StateNotLoaded), string(StateLoading), string(StateReady), string(StateError)}
	s.machine = fsm.NewFSM(
		string(StateNotLoaded),
		fsm.Events{
			{Name: evStart, Src: []string{string(StateNotLoaded), string(StateError)}, Dst: string(StateLoading)},
			{Name: evLoaded, Src: []string{string(StateLoading)}, Dst: string(StateReady)},
			{Name: evFail, Src: []string{string(StateLoading), string(StateReady)}, Dst: string(StateError)},
			{Name: evCrash, Src: []string{string(StateReady)}, Dst: string(StateNotLoaded)},
			{Name: evReset, Src: all, Dst: string(StateNotLoaded)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				setStateGauge(State(e.Dst))
				s.log.Info().Str("from", e.Src).Str("to", e.Dst).Str("event", e.Event).Msg("lifecycle transition")
			},
		},
	)
	setStateGauge(StateNotLoaded)
	return s
}

func (s *Supervisor) stateLocked() State { return State(s.machine.Current()) }

// fireLocked applies a lifecycle event. Self-transitions are no-ops; an event
// that is illegal in the current state is logged and ignored.
func (s *Supervisor) fireLocked(event string) bool {
	err := s.machine.Event(context.Background(), event)
	if err == nil {
		return true
	}
	var noop fsm.NoTransitionError
	if errors.As(err, &noop) {
		return false
	}
	s.log.Warn().Err(err).Str("event", event).Str("state", s.machine.Current()).Msg("ignored lifecycle event")
	return false
}

func (s *Supervisor) publish(e Event) { s.pub.Publish(e) }
