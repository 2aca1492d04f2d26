package process

import (
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
)

// EnableLogFilesEnv gates whether child output is captured to a log file
// under the host temp dir instead of being discarded. It mirrors the
// teacher's "off unless explicitly opted in" default: CI and production
// hosts should not silently accumulate per-VM log files.
const EnableLogFilesEnv = "ENABLE_QEMU_PROCESS_LOG_FILES"

func logFilesEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(EnableLogFilesEnv)))
	return v == "true" || v == "yes" || v == "1"
}

// outputSink is the combined stdout/stderr destination wired into the
// child's exec.Cmd. Close is always safe to call, including on the
// null-device sink.
type outputSink struct {
	writer io.Writer
	file   *os.File
}

func (s *outputSink) Close() error {
	if s.file == nil {
		return nil
	}
	return s.file.Close()
}

// newOutputSink opens either a fresh log file under the host temp dir or
// the null device, per EnableLogFilesEnv (spec §4.2, "output-sink
// discipline").
func newOutputSink() (*outputSink, error) {
	if !logFilesEnabled() {
		f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return nil, err
		}
		return &outputSink{writer: f, file: f}, nil
	}

	name := "qemu-" + uuid.New().String() + ".log"
	f, err := os.Create(os.TempDir() + string(os.PathSeparator) + name)
	if err != nil {
		return nil, err
	}
	return &outputSink{writer: f, file: f}, nil
}
