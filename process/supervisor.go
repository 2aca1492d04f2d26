// Package process supervises the hypervisor child process: it renders a
// Configuration into an argument vector, spawns the binary, waits for its
// control socket to come up, and tears it down on request.
package process

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	socketPollAttempts = 20
	socketPollInterval = 500 * time.Millisecond
	socketSettleDelay  = 200 * time.Millisecond
)

// Supervisor owns at most one live child process at a time. It is safe for
// concurrent use; callers that need start/stop to be mutually exclusive
// with other VM-lifecycle operations still need an outer lock (the vm
// package's Manager provides that).
type Supervisor struct {
	mu sync.Mutex

	cmd        *exec.Cmd
	socketPath string
	sink       *outputSink
	doneCh     chan struct{}
	exited     bool
	waitErr    error
}

// NewSupervisor returns a Supervisor with no process attached.
func NewSupervisor() *Supervisor {
	return &Supervisor{}
}

// ControlSocketPath returns the socket path chosen by the last successful
// Start, or the empty string if no Start has succeeded since the last Stop.
func (s *Supervisor) ControlSocketPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.socketPath
}

// IsRunning reports whether the supervisor currently owns a live process
// handle that has not yet been observed to exit.
func (s *Supervisor) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cmd != nil && !s.exited
}

// Start renders cfg into an argument vector, spawns the hypervisor, and
// blocks until its control socket is ready (spec §4.2).
func (s *Supervisor) Start(cfg Configuration) error {
	s.mu.Lock()
	if s.cmd != nil && !s.exited {
		s.mu.Unlock()
		return ErrProcessAlreadyRunning
	}
	s.mu.Unlock()

	socketPath := cfg.SocketPath
	if socketPath == "" {
		socketPath = defaultSocketPath()
	}
	_ = os.Remove(socketPath) // best effort: drop any stale socket file

	binary := cfg.HypervisorPath
	if binary == "" {
		binary = DefaultHypervisorPath
	}

	args := BuildArguments(cfg, socketPath)

	sink, err := newOutputSink()
	if err != nil {
		return fmt.Errorf("process: open output sink: %w", err)
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = sink.writer
	cmd.Stderr = sink.writer

	if err := cmd.Start(); err != nil {
		sink.Close()
		return fmt.Errorf("process: spawn %s: %w", binary, err)
	}

	doneCh := make(chan struct{})

	s.mu.Lock()
	s.cmd = cmd
	s.socketPath = socketPath
	s.sink = sink
	s.doneCh = doneCh
	s.exited = false
	s.waitErr = nil
	s.mu.Unlock()

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exited = true
		s.waitErr = err
		s.mu.Unlock()
		close(doneCh)
	}()

	if err := waitForSocket(socketPath, doneCh); err != nil {
		s.killAndReap(cmd, doneCh)
		sink.Close()
		s.mu.Lock()
		s.cmd = nil
		s.socketPath = ""
		s.sink = nil
		s.mu.Unlock()
		return err
	}

	time.Sleep(socketSettleDelay)
	return nil
}

// waitForSocket polls for socketPath to exist, giving up after
// socketPollAttempts misses or immediately if the child exits first.
func waitForSocket(socketPath string, doneCh <-chan struct{}) error {
	for i := 0; i < socketPollAttempts; i++ {
		if _, err := os.Stat(socketPath); err == nil {
			return nil
		}
		select {
		case <-doneCh:
			return ErrSocketCreationFailed
		case <-time.After(socketPollInterval):
		}
	}
	if _, err := os.Stat(socketPath); err == nil {
		return nil
	}
	return ErrSocketCreationFailed
}

// killAndReap forcibly terminates cmd and blocks until the Wait goroutine
// has reaped it, so a failed Start never leaves an orphaned child (spec §8,
// "socket readiness timeout" testable property).
func (s *Supervisor) killAndReap(cmd *exec.Cmd, doneCh <-chan struct{}) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	<-doneCh
}

// Stop sends a termination signal and drops the process handle. It does
// not wait for the child to exit; callers that need that use
// WaitUntilExit before calling Stop. Stop is idempotent.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return nil
	}
	proc := s.cmd.Process
	sock := s.socketPath
	sink := s.sink
	s.cmd = nil
	s.socketPath = ""
	s.sink = nil
	s.mu.Unlock()

	if proc != nil {
		_ = proc.Signal(syscall.SIGTERM)
	}
	if sock != "" {
		_ = os.Remove(sock)
	}
	if sink != nil {
		sink.Close()
	}
	return nil
}

// WaitUntilExit blocks until the current child process has exited, or
// returns ErrProcessNotRunning if no process handle is attached.
func (s *Supervisor) WaitUntilExit() error {
	s.mu.Lock()
	if s.cmd == nil {
		s.mu.Unlock()
		return ErrProcessNotRunning
	}
	doneCh := s.doneCh
	s.mu.Unlock()

	<-doneCh
	return nil
}

func defaultSocketPath() string {
	return os.TempDir() + string(os.PathSeparator) + "swift-qemu-" + uuid.New().String() + ".sock"
}
