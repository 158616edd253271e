// Package process spawns and manages the inference worker OS process.
//
// The worker reads commands on stdin and writes results on stdout, one JSON
// envelope per line (see package protocol). Its stderr is forwarded line by
// line to the supervisor's logger. The worker runs in its own process group
// so that Stop reaches any helpers it forks.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gprocess "github.com/shirou/gopsutil/v4/process"

	"segd/internal/protocol"
)

// Launcher describes how to start a worker.
type Launcher struct {
	Command string
	Args    []string
	// Env is appended to the parent's environment.
	Env    []string
	Dir    string
	Logger zerolog.Logger
}

// Handle is a running worker process plus its command/result pipes.
type Handle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	enc    *protocol.Encoder
	dec    *protocol.Decoder
	log    zerolog.Logger

	exited  chan struct{}
	waitErr error

	stdinOnce  sync.Once
	stdoutOnce sync.Once
}

// Stats is a point-in-time resource sample of the worker process.
type Stats struct {
	RSSBytes   uint64
	CPUPercent float64
}

// Start spawns the worker. The context only bounds the spawn itself; the
// process outlives it and is ended with Stop.
func (l Launcher) Start(ctx context.Context) (*Handle, error) {
	if strings.TrimSpace(l.Command) == "" {
		return nil, errors.New("worker command is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(l.Command, l.Args...)
	cmd.Dir = l.Dir
	if len(l.Env) > 0 {
		cmd.Env = append(os.Environ(), l.Env...)
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	// A plain os.Pipe instead of StdoutPipe: Wait must not close our read end
	// before the reader has drained the last results.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = &stderrLineWriter{log: l.Logger}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	_ = pw.Close()

	h := &Handle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: pr,
		enc:    protocol.NewEncoder(stdin),
		dec:    protocol.NewDecoder(pr),
		log:    l.Logger.With().Int("pid", cmd.Process.Pid).Logger(),
		exited: make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.exited)
	}()
	h.log.Info().Str("command", l.Command).Strs("args", l.Args).Msg("worker started")
	return h, nil
}

// PID returns the worker's process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// Exited is closed once the process has been reaped.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// Alive reports whether the process is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// ExitErr returns the Wait error once the process has exited.
func (h *Handle) ExitErr() error {
	select {
	case <-h.exited:
		return h.waitErr
	default:
		return nil
	}
}

// Send writes one command to the worker's stdin.
func (h *Handle) Send(cmd protocol.Command) error {
	if err := h.enc.Encode(cmd); err != nil {
		return fmt.Errorf("write %s: %w", cmd.Type, err)
	}
	return nil
}

// Recv reads the next result. Only one goroutine may call Recv. A malformed
// line yields *protocol.SyntaxError and the stream stays usable; io.EOF means
// the worker closed its stdout.
func (h *Handle) Recv() (protocol.Result, error) {
	var res protocol.Result
	err := h.dec.Decode(&res)
	return res, err
}

// Stop closes the worker's stdin and waits up to grace for it to exit on its
// own (after a shutdown command or EOF), then sends SIGTERM to its process
// group, and after killGrace sends SIGKILL. Pipes are closed in every case.
func (h *Handle) Stop(grace, killGrace time.Duration) error {
	h.stdinOnce.Do(func() { _ = h.stdin.Close() })
	defer h.stdoutOnce.Do(func() { _ = h.stdout.Close() })
	if h.waitFor(grace) {
		return nil
	}
	h.log.Warn().Dur("grace", grace).Msg("worker did not exit, sending SIGTERM")
	if err := terminate(h.cmd); err != nil {
		h.log.Debug().Err(err).Msg("terminate")
	}
	if h.waitFor(killGrace) {
		return nil
	}
	h.log.Warn().Dur("grace", killGrace).Msg("worker ignored SIGTERM, killing")
	if err := kill(h.cmd); err != nil {
		h.log.Debug().Err(err).Msg("kill")
	}
	if h.waitFor(killGrace) {
		return nil
	}
	return fmt.Errorf("worker pid %d did not exit after SIGKILL", h.PID())
}

func (h *Handle) waitFor(d time.Duration) bool {
	if d <= 0 {
		return !h.Alive()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.exited:
		return true
	case <-t.C:
		return false
	}
}

// Stats samples the worker's resident memory and CPU usage.
func (h *Handle) Stats() (Stats, error) {
	if !h.Alive() {
		return Stats{}, errors.New("worker not running")
	}
	p, err := gprocess.NewProcess(int32(h.PID()))
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	if mi, err := p.MemoryInfo(); err == nil && mi != nil {
		st.RSSBytes = mi.RSS
	}
	if cpu, err := p.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	return st, nil
}

// stderrLineWriter forwards complete stderr lines of the worker to the logger.
type stderrLineWriter struct {
	mu  sync.Mutex
	buf []byte
	log zerolog.Logger
}

func (lw *stderrLineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(lw.buf[:idx]), "\r")
		if len(line) > 0 {
			lw.log.Info().Str("stream", "stderr").Msg(line)
		}
		lw.buf = lw.buf[idx+1:]
	}
	// keep a runaway line from growing without bound
	if len(lw.buf) > 64<<10 {
		lw.log.Info().Str("stream", "stderr").Msg(string(lw.buf))
		lw.buf = lw.buf[:0]
	}
	return len(p), nil
}
