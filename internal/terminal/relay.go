// Package terminal relays an interactive shell running on a pseudo-terminal.
package terminal

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/cloudcode/cloudcode/internal/logging"
	"github.com/cloudcode/cloudcode/internal/metrics"
)

// State is the lifecycle state of a Relay.
type State int

const (
	Uninitialized State = iota
	Requested
	Attached
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Requested:
		return "requested"
	case Attached:
		return "attached"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	ErrAlreadyStarted = errors.New("terminal already started")
	ErrNotAttached    = errors.New("terminal not attached")
)

const (
	defaultRows  = 24
	defaultCols  = 80
	readBufSize  = 32 * 1024
	inputBacklog = 256
	// hangupGrace is how long a shell gets to exit after SIGHUP.
	hangupGrace = 500 * time.Millisecond
	killTimeout = 5 * time.Second
)

// Options configures the spawned process.
type Options struct {
	Shell string
	Args  []string
	// Dir is the working directory, normally the workspace root.
	Dir  string
	Env  []string
	Rows uint16
	Cols uint16
}

// Callbacks receive terminal events. OnOutput is called from a single
// goroutine in the order bytes were produced and must not retain the slice
// past the call. OnExit is called once when the process ends on its own; it
// is not called after Close.
type Callbacks struct {
	OnOutput func(data []byte)
	OnExit   func(exitCode int)
}

// Relay owns one shell process. A Relay is single-use: once Closed or Failed
// a new Relay must be created for another terminal.
type Relay struct {
	opts Options
	cb   Callbacks

	mu      sync.Mutex
	state   State
	cmd     *exec.Cmd
	ptmx    *os.File
	closing bool

	input chan []byte
	done  chan struct{}
}

// New creates a Relay in the Uninitialized state.
func New(opts Options, cb Callbacks) *Relay {
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Rows == 0 {
		opts.Rows = defaultRows
	}
	if opts.Cols == 0 {
		opts.Cols = defaultCols
	}
	return &Relay{
		opts:  opts,
		cb:    cb,
		input: make(chan []byte, inputBacklog),
		done:  make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (r *Relay) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the process has exited and both pumps have stopped.
// It is never closed for a Relay that was not started successfully.
func (r *Relay) Done() <-chan struct{} { return r.done }

// Start spawns the shell and begins relaying.
func (r *Relay) Start() error {
	r.mu.Lock()
	if r.state != Uninitialized {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	r.state = Requested
	r.mu.Unlock()

	cmd := exec.Command(r.opts.Shell, r.opts.Args...)
	cmd.Dir = r.opts.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	cmd.Env = append(cmd.Env, r.opts.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: r.opts.Rows, Cols: r.opts.Cols})
	if err != nil {
		r.mu.Lock()
		r.state = Failed
		r.mu.Unlock()
		return fmt.Errorf("start %s: %w", r.opts.Shell, err)
	}

	r.mu.Lock()
	r.cmd = cmd
	r.ptmx = ptmx
	r.state = Attached
	r.mu.Unlock()

	metrics.TerminalStarted()
	logging.Debug("terminal started",
		zap.String("shell", r.opts.Shell),
		zap.String("dir", r.opts.Dir),
		zap.Int("pid", cmd.Process.Pid))

	go r.writeLoop()
	go r.readLoop()
	return nil
}

// Write queues input for the shell. Input is delivered in call order.
func (r *Relay) Write(data []byte) error {
	if r.State() != Attached {
		return ErrNotAttached
	}
	buf := append([]byte(nil), data...)
	select {
	case r.input <- buf:
		return nil
	case <-r.done:
		return ErrNotAttached
	}
}

// Resize changes the window size without interrupting either stream.
func (r *Relay) Resize(rows, cols uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Attached {
		return ErrNotAttached
	}
	if err := pty.Setsize(r.ptmx, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resize: %w", err)
	}
	return nil
}

// Close terminates the shell and waits for it. The process group gets SIGHUP
// and, if still alive after a grace period, SIGKILL.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.state != Attached || r.closing {
		started := r.cmd != nil
		r.mu.Unlock()
		if started {
			<-r.done
		}
		return nil
	}
	r.closing = true
	pid := r.cmd.Process.Pid
	r.mu.Unlock()

	// The shell leads its own session, so -pid addresses its whole group.
	_ = unix.Kill(-pid, unix.SIGHUP)
	select {
	case <-r.done:
		return nil
	case <-time.After(hangupGrace):
	}

	_ = unix.Kill(-pid, unix.SIGKILL)
	select {
	case <-r.done:
		return nil
	case <-time.After(killTimeout):
	}

	// A grandchild may still hold the pty open; closing the master
	// unblocks the reader.
	r.ptmx.Close()
	<-r.done
	return nil
}

func (r *Relay) writeLoop() {
	for {
		select {
		case data := <-r.input:
			n, err := r.ptmx.Write(data)
			metrics.RecordTerminalBytes("in", n)
			if err != nil {
				logging.Debug("terminal write failed", zap.Error(err))
				return
			}
		case <-r.done:
			return
		}
	}
}

func (r *Relay) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := r.ptmx.Read(buf)
		if n > 0 {
			metrics.RecordTerminalBytes("out", n)
			if r.cb.OnOutput != nil {
				r.cb.OnOutput(buf[:n])
			}
		}
		if err != nil {
			// EIO once every slave descriptor is closed.
			break
		}
	}

	code := 0
	if err := r.cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	r.ptmx.Close()

	r.mu.Lock()
	r.state = Closed
	closing := r.closing
	r.mu.Unlock()

	metrics.TerminalStopped()
	logging.Debug("terminal exited", zap.Int("exit_code", code), zap.Bool("closed", closing))

	close(r.done)
	if !closing && r.cb.OnExit != nil {
		r.cb.OnExit(code)
	}
}
