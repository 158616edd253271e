package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"segd/internal/protocol"
)

// InProcess runs Serve on a goroutine behind in-memory pipes and exposes the
// same Send/Recv/Stop surface as a worker process. There is no isolation:
// it serves development setups and tests.
type InProcess struct {
	enc  *protocol.Encoder
	dec  *protocol.Decoder
	inW  *io.PipeWriter
	outR *io.PipeReader

	done     chan struct{}
	err      error
	stopOnce sync.Once
}

// StartInProcess starts h. The context only bounds the start itself, like a
// process spawn; the loop runs until stdin closes or shutdown is handled.
func StartInProcess(ctx context.Context, h Handler, log zerolog.Logger) (*InProcess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := &InProcess{
		enc:  protocol.NewEncoder(inW),
		dec:  protocol.NewDecoder(outR),
		inW:  inW,
		outR: outR,
		done: make(chan struct{}),
	}
	go func() {
		p.err = Serve(context.Background(), inR, outW, h, log)
		_ = outW.Close()
		_ = inR.Close()
		close(p.done)
	}()
	return p, nil
}

// PID returns the current process id; the worker shares it.
func (p *InProcess) PID() int { return os.Getpid() }

// Exited is closed once the serve loop returned.
func (p *InProcess) Exited() <-chan struct{} { return p.done }

// Err returns the serve loop's error after Exited is closed.
func (p *InProcess) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Send writes one command.
func (p *InProcess) Send(cmd protocol.Command) error { return p.enc.Encode(cmd) }

// Recv reads the next result; io.EOF after the loop ended.
func (p *InProcess) Recv() (protocol.Result, error) {
	var res protocol.Result
	err := p.dec.Decode(&res)
	return res, err
}

// Stop closes the command stream and waits up to grace for the loop to
// return. A loop stuck in a handler is abandoned after killGrace by closing
// its output.
func (p *InProcess) Stop(grace, killGrace time.Duration) error {
	p.stopOnce.Do(func() { _ = p.inW.Close() })
	if waitDone(p.done, grace) {
		return nil
	}
	_ = p.outR.Close()
	if waitDone(p.done, killGrace) {
		return nil
	}
	return errors.New("in-process worker did not stop")
}

func waitDone(ch <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
