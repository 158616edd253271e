package supervisor

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"segd/internal/protocol"
)

type recvItem struct {
	res protocol.Result
	err error
}

// fakeWorker is an in-memory Worker. Results are queued with emit; respond,
// when set, runs synchronously inside Send.
type fakeWorker struct {
	pid     int
	respond func(w *fakeWorker, cmd protocol.Command)

	mu      sync.Mutex
	sent    []protocol.Command
	sendErr error
	stops   int

	out      chan recvItem
	done     chan struct{}
	doneOnce sync.Once
}

func newFakeWorker(pid int) *fakeWorker {
	return &fakeWorker{pid: pid, out: make(chan recvItem, 256), done: make(chan struct{})}
}

func (f *fakeWorker) Send(cmd protocol.Command) error {
	f.mu.Lock()
	if f.sendErr != nil {
		err := f.sendErr
		f.mu.Unlock()
		return err
	}
	select {
	case <-f.done:
		f.mu.Unlock()
		return io.ErrClosedPipe
	default:
	}
	f.sent = append(f.sent, cmd)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		respond(f, cmd)
	}
	return nil
}

func (f *fakeWorker) Recv() (protocol.Result, error) {
	select {
	case it := <-f.out:
		return it.res, it.err
	case <-f.done:
		select {
		case it := <-f.out:
			return it.res, it.err
		default:
			return protocol.Result{}, io.EOF
		}
	}
}

func (f *fakeWorker) PID() int                { return f.pid }
func (f *fakeWorker) Exited() <-chan struct{} { return f.done }

func (f *fakeWorker) Stop(grace, killGrace time.Duration) error {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
	f.crash()
	return nil
}

func (f *fakeWorker) emit(r protocol.Result) {
	select {
	case f.out <- recvItem{res: r}:
	case <-f.done:
	}
}

func (f *fakeWorker) emitErr(err error) {
	select {
	case f.out <- recvItem{err: err}:
	case <-f.done:
	}
}

// crash simulates the process dying.
func (f *fakeWorker) crash() { f.doneOnce.Do(func() { close(f.done) }) }

func (f *fakeWorker) commands() []protocol.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Command, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeWorker) types() []string {
	var out []string
	for _, c := range f.commands() {
		out = append(out, c.Type)
	}
	return out
}

func (f *fakeWorker) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// lastCommand returns the most recent command of the given type.
func (f *fakeWorker) lastCommand(t *testing.T, typ string) protocol.Command {
	t.Helper()
	cmds := f.commands()
	for i := len(cmds) - 1; i >= 0; i-- {
		if cmds[i].Type == typ {
			return cmds[i]
		}
	}
	t.Fatalf("no %s command sent; sent %v", typ, f.types())
	return protocol.Command{}
}

func okResult(cmd protocol.Command) protocol.Result {
	return protocol.Result{Type: protocol.ResultType(cmd.Type), RequestID: cmd.RequestID, Status: protocol.StatusOK, VideoID: cmd.VideoID}
}

func testMask(h, w int) protocol.Mask {
	m := protocol.NewMask(h, w)
	m.Set(1, 1)
	return m
}

// modelResponder answers like a healthy worker with 10-frame 4x4 videos.
func modelResponder(w *fakeWorker, cmd protocol.Command) {
	switch cmd.Type {
	case protocol.CmdLoadModel:
		w.emit(protocol.Result{Type: protocol.TypeStatus, Status: protocol.StatusLoadingModel})
		w.emit(protocol.Result{Type: protocol.TypeStatus, Status: protocol.StatusReady})
	case protocol.CmdInitSession:
		r := okResult(cmd)
		r.NumFrames, r.Height, r.Width = 10, 4, 4
		w.emit(r)
	case protocol.CmdAddBBoxPrompt, protocol.CmdAddPointPrompt:
		r := okResult(cmd)
		r.MaskFields = testMask(4, 4).Fields()
		w.emit(r)
	case protocol.CmdPropagate:
		r := okResult(cmd)
		step := 1
		if cmd.Direction == protocol.Backward {
			step = -1
		}
		for i, f := 0, *cmd.StartFrameIdx; i < cmd.MaxFrames && f >= 0 && f < 10; i, f = i+1, f+step {
			b := protocol.BBox{1, 1, 1, 1}
			r.Masks = append(r.Masks, protocol.FrameMask{FrameIdx: f, BBox: &b, MaskFields: testMask(4, 4).Fields()})
		}
		w.emit(r)
	case protocol.CmdShutdown:
		w.crash()
	default:
		w.emit(okResult(cmd))
	}
}

// loadOnly acknowledges load_model and leaves every other command unanswered.
func loadOnly(w *fakeWorker, cmd protocol.Command) {
	if cmd.Type == protocol.CmdLoadModel {
		w.emit(protocol.Result{Type: protocol.TypeStatus, Status: protocol.StatusReady})
	}
}

type fakeLauncher struct {
	respond func(w *fakeWorker, cmd protocol.Command)
	err     error

	mu      sync.Mutex
	workers []*fakeWorker
}

func (l *fakeLauncher) Launch(ctx context.Context) (Worker, error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	w := newFakeWorker(1000 + len(l.workers))
	w.respond = l.respond
	l.workers = append(l.workers, w)
	return w, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.workers)
}

func (l *fakeLauncher) last() *fakeWorker {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.workers) == 0 {
		return nil
	}
	return l.workers[len(l.workers)-1]
}

func newTestSupervisor(t *testing.T, respond func(*fakeWorker, protocol.Command)) (*Supervisor, *fakeLauncher, *MemoryPublisher) {
	t.Helper()
	l := &fakeLauncher{respond: respond}
	pub := NewMemoryPublisher()
	s := New(Config{
		Launcher:      l,
		Publisher:     pub,
		ShutdownGrace: 50 * time.Millisecond,
		KillGrace:     50 * time.Millisecond,
		Timeouts:      Timeouts{Default: 2 * time.Second, FirstInit: 2 * time.Second, Init: 2 * time.Second, Prompt: 2 * time.Second, Propagate: 2 * time.Second, Reset: 2 * time.Second, Close: 2 * time.Second},
	})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s, l, pub
}

// newReadySupervisor returns a supervisor whose fake worker reached ready.
func newReadySupervisor(t *testing.T, respond func(*fakeWorker, protocol.Command)) (*Supervisor, *fakeWorker, *MemoryPublisher) {
	t.Helper()
	s, l, pub := newTestSupervisor(t, respond)
	if err := s.StartLoading(context.Background()); err != nil {
		t.Fatalf("StartLoading: %v", err)
	}
	waitState(t, s, StateReady)
	return s, l.last(), pub
}

func waitState(t *testing.T, s *Supervisor, want State) {
	t.Helper()
	waitFor(t, func() bool { return s.Status().State == want }, "state "+string(want))
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func hasEvent(pub *MemoryPublisher, name string) bool {
	for _, n := range pub.Names() {
		if n == name {
			return true
		}
	}
	return false
}

func mustNotReady(t *testing.T, err error) {
	t.Helper()
	var nr *NotReadyError
	if !errors.As(err, &nr) || !IsNotReady(err) {
		t.Fatalf("expected NotReadyError, got %v", err)
	}
}
