package vm

import (
	"log"

	"github.com/samcat116/swift-qemu/mp"
)

// VMStatus is the tagged variant of spec §3: exactly one value at a time,
// starting and ending (after destroy) at StatusStopped.
type VMStatus string

const (
	StatusStopped      VMStatus = "stopped"
	StatusCreating     VMStatus = "creating"
	StatusRunning      VMStatus = "running"
	StatusPaused       VMStatus = "paused"
	StatusShuttingDown VMStatus = "shuttingDown"
	StatusUnknown      VMStatus = "unknown"
)

// mapMPStatus maps a query-status reply to VMStatus (spec §4.3, "Status
// refresh policy").
func mapMPStatus(st mp.Status) VMStatus {
	switch st.Status {
	case "running":
		if st.Running {
			return StatusRunning
		}
		return StatusPaused
	case "paused", "suspended":
		return StatusPaused
	case "shutdown", "poweroff":
		return StatusStopped
	case "inmigrate", "prelaunch":
		return StatusCreating
	default:
		log.Printf("[vm] unrecognized MP status %q, mapping to unknown", st.Status)
		return StatusUnknown
	}
}
