package terminal

import (
	"bytes"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudcode/cloudcode/internal/logging"
)

func init() {
	logging.InitNop()
}

// recorder collects relay output and exit codes.
type recorder struct {
	mu   sync.Mutex
	out  bytes.Buffer
	exit chan int
}

func newRecorder() *recorder {
	return &recorder{exit: make(chan int, 1)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOutput: func(data []byte) {
			r.mu.Lock()
			r.out.Write(data)
			r.mu.Unlock()
		},
		OnExit: func(code int) { r.exit <- code },
	}
}

func (r *recorder) output() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.String()
}

func (r *recorder) waitFor(t *testing.T, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(r.output(), substr) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q; output so far: %q", substr, r.output())
}

func startShell(t *testing.T, rec *recorder) *Relay {
	t.Helper()
	r := New(Options{Shell: "/bin/sh", Dir: t.TempDir()}, rec.callbacks())
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRelayEcho(t *testing.T) {
	rec := newRecorder()
	r := startShell(t, rec)

	if r.State() != Attached {
		t.Fatalf("State = %v, want attached", r.State())
	}
	if err := r.Write([]byte("echo hel''lo\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// The quotes keep the echoed command line from matching.
	rec.waitFor(t, "hello")
}

func TestRelayOutputOrdered(t *testing.T) {
	rec := newRecorder()
	r := startShell(t, rec)

	for _, line := range []string{"echo one-''1\n", "echo two-''2\n", "echo three-''3\n"} {
		if err := r.Write([]byte(line)); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	rec.waitFor(t, "three-3")

	out := rec.output()
	i1 := strings.Index(out, "one-1")
	i2 := strings.Index(out, "two-2")
	i3 := strings.Index(out, "three-3")
	if i1 < 0 || i2 < 0 || !(i1 < i2 && i2 < i3) {
		t.Errorf("output out of order: %q", out)
	}
}

func TestRelayExitCode(t *testing.T) {
	rec := newRecorder()
	r := startShell(t, rec)

	if err := r.Write([]byte("exit 3\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case code := <-rec.exit:
		if code != 3 {
			t.Errorf("exit code = %d, want 3", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit")
	}
	<-r.Done()
	if r.State() != Closed {
		t.Errorf("State = %v, want closed", r.State())
	}
	if err := r.Write([]byte("echo\n")); !errors.Is(err, ErrNotAttached) {
		t.Errorf("Write after exit err = %v, want ErrNotAttached", err)
	}
}

func TestRelayResize(t *testing.T) {
	rec := newRecorder()
	r := startShell(t, rec)

	if err := r.Resize(40, 132); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if err := r.Write([]byte("stty size\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	rec.waitFor(t, "40 132")
}

func TestRelayCloseKills(t *testing.T) {
	rec := newRecorder()
	r := startShell(t, rec)

	if err := r.Write([]byte("sleep 60\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("Close took %v", time.Since(start))
	}
	if r.State() != Closed {
		t.Errorf("State = %v, want closed", r.State())
	}
	select {
	case code := <-rec.exit:
		t.Errorf("OnExit called after Close with code %d", code)
	default:
	}
	// Close is idempotent.
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRelayStateMachine(t *testing.T) {
	r := New(Options{Shell: "/nonexistent/shell"}, Callbacks{})
	if r.State() != Uninitialized {
		t.Errorf("initial State = %v", r.State())
	}
	if err := r.Write([]byte("x")); !errors.Is(err, ErrNotAttached) {
		t.Errorf("Write before start err = %v", err)
	}
	if err := r.Resize(10, 10); !errors.Is(err, ErrNotAttached) {
		t.Errorf("Resize before start err = %v", err)
	}
	if err := r.Start(); err == nil {
		t.Fatal("Start with missing shell should fail")
	}
	if r.State() != Failed {
		t.Errorf("State = %v, want failed", r.State())
	}
	if err := r.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start err = %v, want ErrAlreadyStarted", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close on failed relay: %v", err)
	}
}

func TestStateString(t *testing.T) {
	if Attached.String() != "attached" || Failed.String() != "failed" {
		t.Errorf("unexpected names: %s %s", Attached, Failed)
	}
}
