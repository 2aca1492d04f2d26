package vm

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samcat116/swift-qemu/process"
)

// This file drives Manager end to end against a fake hypervisor: the test
// binary re-execs itself with VM_TEST_FAKE_HYPERVISOR=1 set, at which point
// TestMain diverts into runFakeHypervisor instead of running tests. This is
// the same self-exec trick os/exec's own test suite uses to stand in for a
// real external binary without shipping one.

const fakeHypervisorEnv = "VM_TEST_FAKE_HYPERVISOR"

func TestMain(m *testing.M) {
	if os.Getenv(fakeHypervisorEnv) == "1" {
		runFakeHypervisor()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runFakeHypervisor() {
	sockPath := socketPathFromArgs(os.Args)
	if sockPath == "" {
		os.Exit(1)
	}

	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		os.Exit(1)
	}
	defer ln.Close()

	if os.Getenv("VM_TEST_MODE") == "noaccept" {
		// Leave the socket bound but never accept, forever. A sleeping loop
		// rather than select{}: with no other goroutine the runtime would
		// abort select{} as a deadlock and the socket would vanish with us.
		for {
			time.Sleep(time.Hour)
		}
	}

	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()

	conn.Write([]byte(`{"QMP":{"version":{"qemu":{"major":7,"minor":0,"micro":0},"package":""},"capabilities":[]}}` + "\n"))

	reader := bufio.NewReader(conn)
	reader.ReadBytes('\n') // qmp_capabilities
	conn.Write([]byte(`{"return":{}}` + "\n"))

	logPath := os.Getenv("VM_TEST_CMD_LOG")
	failDeviceAdd := os.Getenv("VM_TEST_FAIL_DEVICE_ADD") == "1"

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			Execute string `json:"execute"`
		}
		json.Unmarshal(line, &req)

		if logPath != "" {
			f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err == nil {
				f.WriteString(req.Execute + "\n")
				f.Close()
			}
		}

		if failDeviceAdd && req.Execute == "device_add" {
			conn.Write([]byte(`{"error":{"class":"GenericError","desc":"boom"}}` + "\n"))
			continue
		}

		switch req.Execute {
		case "query-status":
			conn.Write([]byte(`{"return":{"status":"running","running":true,"singlestep":false}}` + "\n"))
		default:
			conn.Write([]byte(`{"return":{}}` + "\n"))
		}
	}
}

func socketPathFromArgs(args []string) string {
	for i, a := range args {
		if a == "-qmp" && i+1 < len(args) {
			return strings.TrimPrefix(strings.Split(args[i+1], ",")[0], "unix:")
		}
	}
	return ""
}

func fakeHypervisorConfig(t *testing.T) process.Configuration {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	return process.Configuration{
		HypervisorPath: self,
		CPUCount:       1,
		MemoryMiB:      256,
	}
}

func withFakeHypervisorEnv(t *testing.T, extra map[string]string) {
	t.Helper()
	t.Setenv(fakeHypervisorEnv, "1")
	for k, v := range extra {
		t.Setenv(k, v)
	}
}

func TestManagerCreateVMAndDestroy(t *testing.T) {
	withFakeHypervisorEnv(t, nil)
	m := NewManager()
	cfg := fakeHypervisorConfig(t)

	require.NoError(t, m.CreateVM(cfg))
	require.True(t, m.IsConnected())
	require.Equal(t, StatusRunning, m.Status())

	require.NoError(t, m.Destroy(context.Background()))
	require.False(t, m.IsConnected())
	require.Equal(t, StatusStopped, m.Status())
}

func TestManagerDestroyIdempotentFromFreshState(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.Destroy(context.Background()))
	require.Equal(t, StatusStopped, m.Status())
	require.False(t, m.IsConnected())
}

func TestManagerStartPauseRequireConnection(t *testing.T) {
	m := NewManager()
	require.Error(t, m.Start(context.Background()))
	require.Error(t, m.Pause(context.Background()))
}

func TestManagerAttachDiskRollsBackOnDeviceAddFailure(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "cmds.log")
	withFakeHypervisorEnv(t, map[string]string{
		"VM_TEST_CMD_LOG":          logPath,
		"VM_TEST_FAIL_DEVICE_ADD": "1",
	})

	m := NewManager()
	require.NoError(t, m.CreateVM(fakeHypervisorConfig(t)))
	defer m.Destroy(context.Background())

	err := m.AttachDisk(context.Background(), "/var/lib/vms/extra.qcow2", "disk1", false)
	require.Error(t, err)

	data, readErr := os.ReadFile(logPath)
	require.NoError(t, readErr)
	log := string(data)
	require.Contains(t, log, "blockdev-add")
	require.Contains(t, log, "device_add")
	require.Contains(t, log, "blockdev-del")

	addIdx := strings.Index(log, "blockdev-add")
	devIdx := strings.Index(log, "device_add")
	delIdx := strings.LastIndex(log, "blockdev-del")
	require.True(t, addIdx < devIdx)
	require.True(t, devIdx < delIdx)
}

func TestManagerCreateVMTimeoutRollback(t *testing.T) {
	withFakeHypervisorEnv(t, map[string]string{"VM_TEST_MODE": "noaccept"})

	m := NewManager()
	start := time.Now()
	err := m.CreateVMWithTimeout(fakeHypervisorConfig(t), time.Second)
	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 5*time.Second)

	require.Equal(t, StatusStopped, m.Status())
	require.False(t, m.IsConnected())
}
