package process

import "errors"

var (
	// ErrProcessAlreadyRunning is returned by Start when the supervisor
	// already owns a live child process.
	ErrProcessAlreadyRunning = errors.New("process: already running")

	// ErrProcessNotRunning is returned by WaitUntilExit when the
	// supervisor has no process handle. Stop never returns it: with no
	// handle it is a no-op.
	ErrProcessNotRunning = errors.New("process: not running")

	// ErrSocketCreationFailed is returned by Start when the child never
	// brings up its control socket within the readiness window.
	ErrSocketCreationFailed = errors.New("process: control socket did not appear in time")
)
