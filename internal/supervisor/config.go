package supervisor

import (
	"time"

	"github.com/rs/zerolog"
)

// DefaultObjectID is the object id assumed when a bbox prompt result does not
// report one.
const DefaultObjectID = 1

// Defaults applied when the corresponding Config fields are unset. Model
// warm-up makes the first session init much slower than later ones.
const (
	defaultFirstInitTimeout = 10 * time.Minute
	defaultInitTimeout      = 2 * time.Minute
	defaultPromptTimeout    = 2 * time.Minute
	defaultPropagateTimeout = 10 * time.Minute
	defaultResetTimeout     = 30 * time.Second
	defaultCloseTimeout     = 10 * time.Second
	defaultCommandTimeout   = 2 * time.Minute
	defaultShutdownGrace    = 5 * time.Second
	defaultKillGrace        = 2 * time.Second
)

// Timeouts is the per-operation wait policy of the correlator.
type Timeouts struct {
	// FirstInit applies to the first init_session after a worker became ready.
	FirstInit time.Duration
	Init      time.Duration
	Prompt    time.Duration
	Propagate time.Duration
	Reset     time.Duration
	Close     time.Duration
	// Default covers commands without a dedicated entry (remove_object,
	// inject_mask, raw SendAndWait with timeout 0).
	Default time.Duration
}

// DefaultTimeouts returns the built-in policy.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		FirstInit: defaultFirstInitTimeout,
		Init:      defaultInitTimeout,
		Prompt:    defaultPromptTimeout,
		Propagate: defaultPropagateTimeout,
		Reset:     defaultResetTimeout,
		Close:     defaultCloseTimeout,
		Default:   defaultCommandTimeout,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	pick := func(v, def time.Duration) time.Duration {
		if v <= 0 {
			return def
		}
		return v
	}
	return Timeouts{
		FirstInit: pick(t.FirstInit, d.FirstInit),
		Init:      pick(t.Init, d.Init),
		Prompt:    pick(t.Prompt, d.Prompt),
		Propagate: pick(t.Propagate, d.Propagate),
		Reset:     pick(t.Reset, d.Reset),
		Close:     pick(t.Close, d.Close),
		Default:   pick(t.Default, d.Default),
	}
}

// Config encapsulates all tunables for Supervisor construction.
type Config struct {
	// Launcher spawns the worker. Required.
	Launcher Launcher
	Timeouts Timeouts
	// ShutdownGrace bounds the wait for a worker to exit after the shutdown
	// command before SIGTERM; KillGrace bounds each escalation step after it.
	ShutdownGrace time.Duration
	KillGrace     time.Duration
	// LockPath, when set, is flock'ed while a worker runs so that two
	// supervisors never drive workers on the same host at once.
	LockPath        string
	DefaultObjectID int
	// Logger defaults to a no-op logger.
	Logger    *zerolog.Logger
	Publisher EventPublisher
}

func (c Config) withDefaults() Config {
	c.Timeouts = c.Timeouts.withDefaults()
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.KillGrace <= 0 {
		c.KillGrace = defaultKillGrace
	}
	if c.DefaultObjectID <= 0 {
		c.DefaultObjectID = DefaultObjectID
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
	return c
}
