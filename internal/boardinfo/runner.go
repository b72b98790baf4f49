package boardinfo

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

var (
	// ErrNotInstalled means the device CLI binary could not be found.
	ErrNotInstalled = errors.New("device CLI not installed")
	// ErrTimeout means the device CLI did not finish within its timeout.
	ErrTimeout = errors.New("device CLI timed out")
)

// Runner executes the device CLI and returns its stdout.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error)
}

// ExecRunner runs the device CLI as a subprocess.
type ExecRunner struct {
	Path string
	// Grace is how long each SIGTERM is given before escalating.
	Grace time.Duration
}

// Run starts the CLI and waits up to timeout. On timeout or cancellation the
// process gets SIGTERM, a second SIGTERM after Grace, then SIGKILL. A
// cancelled ctx is reported as ctx.Err(), the runner's own deadline as
// ErrTimeout.
func (r ExecRunner) Run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	path := r.Path
	if path == "" {
		path = "tt-smi"
	}
	if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	grace := r.Grace
	if grace <= 0 {
		grace = 2 * time.Second
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrNotInstalled, err)
		}
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case err := <-done:
		if err != nil {
			return stdout.Bytes(), fmt.Errorf("%s %v: %w: %s", path, args, err, bytes.TrimSpace(stderr.Bytes()))
		}
		return stdout.Bytes(), nil
	case <-expired:
		return stdout.Bytes(), terminate(cmd, done, grace, ErrTimeout)
	case <-ctx.Done():
		return stdout.Bytes(), terminate(cmd, done, grace, ctx.Err())
	}
}

// terminate sends SIGTERM twice, Grace apart, then SIGKILL, and returns cause
// once the process has exited.
func terminate(cmd *exec.Cmd, done <-chan error, grace time.Duration, cause error) error {
	for i := 0; i < 2; i++ {
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-done:
			return cause
		case <-time.After(grace):
		}
	}
	_ = cmd.Process.Kill()
	<-done
	return cause
}
