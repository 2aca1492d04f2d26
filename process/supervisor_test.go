package process

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeFakeHypervisor writes a shell script standing in for the real
// hypervisor binary. When touchSocket is true it extracts the -qmp
// unix:<path> argument and creates that file before sleeping, emulating a
// well-behaved child; otherwise it sleeps without ever bringing up the
// socket, emulating a stuck one.
func writeFakeHypervisor(t *testing.T, touchSocket bool) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-qemu.sh")

	body := "#!/bin/sh\n"
	if touchSocket {
		body += `
prev=""
sockpath=""
for arg in "$@"; do
  if [ "$prev" = "-qmp" ]; then
    sockpath=$(echo "$arg" | sed 's/^unix://' | cut -d, -f1)
  fi
  prev="$arg"
done
touch "$sockpath"
`
	}
	body += "sleep 30\n"

	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	return path
}

func TestSupervisorStartStop(t *testing.T) {
	bin := writeFakeHypervisor(t, true)
	s := NewSupervisor()

	cfg := Configuration{
		HypervisorPath: bin,
		CPUCount:       1,
		MemoryMiB:      256,
	}

	require.NoError(t, s.Start(cfg))
	require.True(t, s.IsRunning())
	require.NotEmpty(t, s.ControlSocketPath())
	require.FileExists(t, s.ControlSocketPath())

	require.NoError(t, s.Stop())
	require.False(t, s.IsRunning())
}

func TestSupervisorStartAlreadyRunning(t *testing.T) {
	bin := writeFakeHypervisor(t, true)
	s := NewSupervisor()
	cfg := Configuration{HypervisorPath: bin, CPUCount: 1, MemoryMiB: 256}

	require.NoError(t, s.Start(cfg))
	defer s.Stop()

	err := s.Start(cfg)
	require.ErrorIs(t, err, ErrProcessAlreadyRunning)
}

func TestSupervisorSocketNeverAppears(t *testing.T) {
	bin := writeFakeHypervisor(t, false)
	s := NewSupervisor()
	cfg := Configuration{HypervisorPath: bin, CPUCount: 1, MemoryMiB: 256}

	start := time.Now()
	err := s.Start(cfg)
	require.ErrorIs(t, err, ErrSocketCreationFailed)
	require.False(t, s.IsRunning())
	require.Greater(t, time.Since(start), 9*time.Second)
}

func TestSupervisorWaitUntilExitWithoutStartFails(t *testing.T) {
	s := NewSupervisor()
	require.ErrorIs(t, s.WaitUntilExit(), ErrProcessNotRunning)
}

func TestSupervisorStopIdempotent(t *testing.T) {
	s := NewSupervisor()
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestSupervisorStopDropsHandleSoWaitFails(t *testing.T) {
	bin := writeFakeHypervisor(t, true)
	s := NewSupervisor()
	cfg := Configuration{HypervisorPath: bin, CPUCount: 1, MemoryMiB: 256}

	require.NoError(t, s.Start(cfg))
	require.NoError(t, s.Stop())
	require.ErrorIs(t, s.WaitUntilExit(), ErrProcessNotRunning)
}
