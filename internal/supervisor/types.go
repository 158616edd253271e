package supervisor

import (
	"context"
	"math"
	"time"

	"segd/internal/process"
	"segd/internal/protocol"
)

// State is the lifecycle state of the inference worker.
type State string

const (
	StateNotLoaded State = "not_loaded"
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateError     State = "error"
)

// Worker is the supervisor's view of a running worker process. process.Handle
// implements it; tests substitute in-memory doubles.
type Worker interface {
	Send(protocol.Command) error
	// Recv is called from exactly one goroutine, the reader loop.
	Recv() (protocol.Result, error)
	PID() int
	Exited() <-chan struct{}
	Stop(grace, killGrace time.Duration) error
}

// statsWorker is implemented by workers that can sample resource usage.
type statsWorker interface {
	Stats() (process.Stats, error)
}

// Launcher spawns a worker.
type Launcher interface {
	Launch(ctx context.Context) (Worker, error)
}

// ProcessLauncher launches the worker as an OS process.
type ProcessLauncher struct {
	process.Launcher
}

func (l ProcessLauncher) Launch(ctx context.Context) (Worker, error) {
	h, err := l.Start(ctx)
	if err != nil {
		return nil, err
	}
	return h, nil
}

// LauncherFunc adapts a function to Launcher.
type LauncherFunc func(ctx context.Context) (Worker, error)

func (f LauncherFunc) Launch(ctx context.Context) (Worker, error) { return f(ctx) }

// SessionInfo is the supervisor's record of a worker-side video session.
type SessionInfo struct {
	VideoID    string
	FrameCount int
	Height     int
	Width      int
	// ActiveObjectID is the object the last bbox prompt created or selected.
	ActiveObjectID *int
	HasObject      bool
}

func (s SessionInfo) clone() SessionInfo {
	if s.ActiveObjectID != nil {
		s.ActiveObjectID = protocol.Int(*s.ActiveObjectID)
	}
	return s
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	State             State
	Error             string
	PID               int
	Sessions          int
	Pending           int
	RSSBytes          uint64
	CPUPercent        float64
	LastProtocolError string
}

// Prompt is a user interaction on one frame: BBoxPrompt or PointPrompt.
type Prompt interface {
	validate() error
}

// BBoxPrompt selects an object by a normalized box. When the video has no
// session and Source is set, the session is created first.
type BBoxPrompt struct {
	FrameIdx int
	Box      protocol.BBox
	// Text is an optional concept prompt for models that accept one.
	Text   string
	Source string
}

func (p BBoxPrompt) validate() error {
	if p.FrameIdx < 0 {
		return invalidf("frame index %d", p.FrameIdx)
	}
	for _, v := range p.Box {
		if !unit(v) {
			return invalidf("bbox %v not normalized to [0,1]", p.Box)
		}
	}
	if p.Box[0] >= p.Box[2] || p.Box[1] >= p.Box[3] {
		return invalidf("bbox %v is empty", p.Box)
	}
	return nil
}

// PointPrompt refines the active object with labelled clicks: label 1 is
// foreground, 0 background. Coordinates are normalized.
type PointPrompt struct {
	FrameIdx int
	Points   [][2]float64
	Labels   []int
}

func (p PointPrompt) validate() error {
	if p.FrameIdx < 0 {
		return invalidf("frame index %d", p.FrameIdx)
	}
	if len(p.Points) == 0 {
		return invalidf("no points")
	}
	if len(p.Points) != len(p.Labels) {
		return invalidf("%d points but %d labels", len(p.Points), len(p.Labels))
	}
	for i, pt := range p.Points {
		if !unit(pt[0]) || !unit(pt[1]) {
			return invalidf("point %d %v not normalized to [0,1]", i, pt)
		}
		if l := p.Labels[i]; l != 0 && l != 1 {
			return invalidf("label %d must be 0 or 1, got %d", i, l)
		}
	}
	return nil
}

func unit(v float64) bool { return !math.IsNaN(v) && v >= 0 && v <= 1 }

// PropagateRequest asks the worker to track the active object across frames.
type PropagateRequest struct {
	StartFrame int
	MaxFrames  int
	// Direction defaults to forward.
	Direction protocol.Direction
}

// FrameResult is one frame of a propagation. BBox is nil when the object is
// not visible on the frame.
type FrameResult struct {
	FrameIdx int
	Mask     protocol.Mask
	BBox     *protocol.BBox
}
