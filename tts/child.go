package tts

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/relayvox/relayvox/tts/subprocess"
)

// signaler is the slice of *os.Process this package depends on, narrowed so
// tests can substitute a fake process without spawning a real one.
type signaler interface {
	Signal(os.Signal) error
	Kill() error
}

// child wraps one running TTS subprocess, matching the opaque line-oriented
// service contract of spec.md §9: the parent never shares memory with it and
// only talks to it over stdin/stdout.
type child struct {
	proc   signaler
	writer *subprocess.Writer
	reader *subprocess.Reader
	done   chan struct{}
}

func startChild(cfg Config) (*child, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("tts: open child stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("tts: open child stdout: %w", err)
	}
	// Standard error carries logs, never structured data, per spec.md §4.H.
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tts: start child: %w", err)
	}

	c := &child{
		proc:   cmd.Process,
		writer: subprocess.NewWriter(stdin),
		reader: subprocess.NewReader(stdout),
		done:   make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

// exited reports whether the child has already terminated.
func (c *child) exited() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// shutdown sends SIGTERM, escalating to SIGKILL after grace, per spec.md
// §4.G's shutdown contract.
func (c *child) shutdown(grace time.Duration) {
	_ = c.proc.Signal(syscall.SIGTERM)
	select {
	case <-c.done:
		return
	case <-time.After(grace):
	}
	_ = c.proc.Kill()
	<-c.done
}
