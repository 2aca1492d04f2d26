// Package vm is the public facade: it composes one ProcessSupervisor and
// one MPClient under a single VM state machine with bounded timeouts and
// rollback-safe hot-plug operations.
package vm

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/samcat116/swift-qemu/mp"
	"github.com/samcat116/swift-qemu/process"
)

const (
	// DefaultCreateTimeout is the budget CreateVM races against when the
	// caller doesn't supply one (spec §4.3, createVM).
	DefaultCreateTimeout = 30 * time.Second

	// ShutdownWaitTimeout is how long Shutdown waits for a graceful exit
	// before escalating to Destroy (spec §4.3, shutdown).
	ShutdownWaitTimeout = 30 * time.Second
)

// Manager owns exactly one ProcessSupervisor and one MPClient for the
// lifetime of one VM (spec §4.3). All public operations are serialized
// against opMu, matching the single-writer invariant of spec §5: at most
// one operation is in flight at a time, and no operation reenters another.
// The Status and IsConnected reads take only mu and do not wait behind an
// in-flight operation.
type Manager struct {
	opMu sync.Mutex

	mu          sync.Mutex
	status      VMStatus
	isConnected bool
	supervisor  *process.Supervisor
	client      *mp.Client
}

// NewManager returns a Manager in the initial StatusStopped state.
func NewManager() *Manager {
	return &Manager{status: StatusStopped}
}

// Status returns the manager's current VMStatus.
func (m *Manager) Status() VMStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected reports whether the manager currently owns a live MP
// connection.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isConnected
}

func (m *Manager) setState(status VMStatus, connected bool) {
	m.mu.Lock()
	m.status = status
	m.isConnected = connected
	m.mu.Unlock()
}

// CreateVM spawns the hypervisor and connects to it under
// DefaultCreateTimeout (spec §4.3, createVM).
func (m *Manager) CreateVM(cfg process.Configuration) error {
	return m.CreateVMWithTimeout(cfg, DefaultCreateTimeout)
}

// CreateVMWithTimeout is CreateVM with an explicit budget, exposed so
// callers (and tests) can exercise the timeout/rollback path without
// waiting 30 real seconds.
func (m *Manager) CreateVMWithTimeout(cfg process.Configuration, timeout time.Duration) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}

	m.mu.Lock()
	if m.status != StatusStopped {
		current := m.status
		m.mu.Unlock()
		return fmt.Errorf("%w: createVM requires stopped, got %s", ErrWrongState, current)
	}
	m.status = StatusCreating
	m.mu.Unlock()

	sup := process.NewSupervisor()
	client := mp.NewClient()

	type attemptResult struct{ err error }
	done := make(chan attemptResult, 1)
	go func() {
		if err := sup.Start(cfg); err != nil {
			done <- attemptResult{err}
			return
		}
		if err := client.ConnectUnix(sup.ControlSocketPath()); err != nil {
			done <- attemptResult{err}
			return
		}
		done <- attemptResult{nil}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			m.teardown(sup, client)
			return res.err
		}

		m.mu.Lock()
		m.supervisor = sup
		m.client = client
		m.isConnected = true
		m.mu.Unlock()

		if err := m.refreshStatus(context.Background()); err != nil {
			log.Printf("[vm] post-create status refresh failed: %v", err)
		}
		return nil

	case <-time.After(timeout):
		// The other race participant cannot be cancelled mid-flight (spec
		// §5 permits blocking through the timeout), but the child must
		// never be left orphaned: terminate it synchronously before
		// returning so callers observe isRunning=false immediately.
		_ = sup.Stop()
		m.setState(StatusStopped, false)
		go func() {
			res := <-done
			if res.err == nil {
				_ = client.Disconnect()
			}
		}()
		return ErrTimeout
	}
}

// teardown unwinds a failed createVM attempt: disconnect if connected,
// stop if running, and settle state to stopped/disconnected.
func (m *Manager) teardown(sup *process.Supervisor, client *mp.Client) {
	if client.IsConnected() {
		_ = client.Disconnect()
	}
	if sup.IsRunning() {
		_ = sup.Stop()
	}
	m.setState(StatusStopped, false)
}

// refreshStatus issues query-status and maps the result to VMStatus (spec
// §4.3, "Status refresh policy"). MP failure sets status=unknown, not
// stopped, because the process may still be live.
func (m *Manager) refreshStatus(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()
	if client == nil {
		return mp.ErrNotConnected
	}

	st, err := client.QueryStatus(ctx)
	if err != nil {
		m.mu.Lock()
		m.status = StatusUnknown
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.status = mapMPStatus(st)
	m.mu.Unlock()
	return nil
}

// Start resumes a paused or freshly created VM (spec §4.3, "start").
func (m *Manager) Start(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	client, err := m.connectedClient()
	if err != nil {
		return err
	}

	m.setState(StatusRunning, true)
	if err := client.Cont(ctx); err != nil {
		return err
	}
	return nil
}

// Pause suspends a running VM (spec §4.3, "pause").
func (m *Manager) Pause(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	client, err := m.connectedClient()
	if err != nil {
		return err
	}

	m.setState(StatusPaused, true)
	return client.Stop(ctx)
}

// Reset issues a hard reset and refreshes status from MP (spec §4.3,
// "reset"). Failure leaves status=unknown per the state table.
func (m *Manager) Reset(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	client, err := m.connectedClient()
	if err != nil {
		return err
	}

	if err := client.SystemReset(ctx); err != nil {
		m.setState(StatusUnknown, true)
		return err
	}
	if err := m.refreshStatus(ctx); err != nil {
		log.Printf("[vm] reset status refresh failed: %v", err)
	}
	return nil
}

// Shutdown asks the guest to power down, waits up to ShutdownWaitTimeout
// for the child to exit on its own, and escalates to Destroy if it
// hasn't (spec §4.3, "shutdown").
func (m *Manager) Shutdown(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	client, err := m.connectedClient()
	if err != nil {
		return err
	}
	m.setState(StatusShuttingDown, true)

	if err := client.SystemPowerdown(ctx); err != nil {
		log.Printf("[vm] system_powerdown failed, forcing destroy: %v", err)
		return m.destroyLocked(ctx)
	}

	m.mu.Lock()
	sup := m.supervisor
	m.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		_ = sup.WaitUntilExit()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-time.After(ShutdownWaitTimeout):
	}

	if sup.IsRunning() {
		return m.destroyLocked(ctx)
	}

	_ = client.Disconnect()
	m.setState(StatusStopped, false)
	return nil
}

// Destroy tears the VM down from any state: best-effort quit, MP
// disconnect, process stop. It always succeeds (spec §4.3, "destroy";
// spec §8, "Cleanup idempotence").
func (m *Manager) Destroy(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return m.destroyLocked(ctx)
}

// destroyLocked is Destroy's body, callable from other opMu-held methods
// (Shutdown's escalation path) without recursive locking.
func (m *Manager) destroyLocked(ctx context.Context) error {
	m.mu.Lock()
	client := m.client
	sup := m.supervisor
	m.mu.Unlock()

	if client != nil {
		if err := client.Quit(ctx); err != nil {
			log.Printf("[vm] quit failed during destroy, ignoring: %v", err)
		}
		_ = client.Disconnect()
	}
	if sup != nil {
		_ = sup.Stop()
	}

	m.setState(StatusStopped, false)
	return nil
}

// AttachDisk hot-plugs a disk: blockdev-add then device_add, rolling
// back the backend if the frontend attach fails (spec §4.3, "attachDisk").
func (m *Manager) AttachDisk(ctx context.Context, path, deviceName string, readOnly bool) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	client, err := m.connectedClient()
	if err != nil {
		return err
	}

	nodeName := "drive-" + deviceName
	if err := client.BlockdevAdd(ctx, map[string]mp.Value{
		"node-name": mp.String(nodeName),
		"driver":    mp.String("file"),
		"filename":  mp.String(path),
		"read-only": mp.Bool(readOnly),
	}); err != nil {
		return err
	}

	deviceErr := client.DeviceAdd(ctx, map[string]mp.Value{
		"driver": mp.String("virtio-blk-pci"),
		"id":     mp.String(deviceName),
		"drive":  mp.String(nodeName),
	})
	if deviceErr != nil {
		if err := client.BlockdevDel(ctx, nodeName); err != nil {
			log.Printf("[vm] compensating blockdev-del failed, ignoring: %v", err)
		}
		return deviceErr
	}
	return nil
}

// DetachDisk hot-unplugs a disk: device_del then blockdev-del. No
// rollback; detach is expected to be idempotent at the hypervisor level
// (spec §4.3, "detachDisk").
func (m *Manager) DetachDisk(ctx context.Context, deviceName string) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	client, err := m.connectedClient()
	if err != nil {
		return err
	}

	if err := client.DeviceDel(ctx, deviceName); err != nil {
		return err
	}
	return client.BlockdevDel(ctx, "drive-"+deviceName)
}

// ListDisks returns the raw query-block payload (spec §4.3, "listDisks").
func (m *Manager) ListDisks(ctx context.Context) ([]mp.Value, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	client, err := m.connectedClient()
	if err != nil {
		return nil, err
	}
	return client.QueryBlock(ctx)
}

// connectedClient returns the owned MP client, or ErrNotConnected if the
// manager has none.
func (m *Manager) connectedClient() (*mp.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isConnected || m.client == nil {
		return nil, mp.ErrNotConnected
	}
	return m.client, nil
}
