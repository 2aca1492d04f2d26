package process

import (
	"fmt"
	"strconv"
	"strings"
)

// BuildArguments renders cfg into the hypervisor argument vector, in the
// fixed order laid out by spec §6: machine/cpu/memory, then disks, then
// NICs, then firmware/kernel options, then display, then the control
// socket, then start-paused, then free-form extra args.
func BuildArguments(cfg Configuration, socketPath string) []string {
	var args []string

	if cfg.MachineType != "" {
		args = append(args, "-machine", cfg.MachineType)
	}
	if cfg.KVMAccel {
		args = append(args, "-enable-kvm")
	}
	if cfg.CPUType != "" {
		args = append(args, "-cpu", cfg.CPUType)
	}
	if cfg.CPUCount > 0 {
		args = append(args, "-smp", strconv.Itoa(cfg.CPUCount))
	}
	if cfg.MemoryMiB > 0 {
		args = append(args, "-m", strconv.Itoa(cfg.MemoryMiB))
	}

	for i, d := range cfg.Disks {
		args = append(args, "-drive", driveOption(i, d))
	}

	for i, n := range cfg.NICs {
		netdev, device := nicOptions(i, n)
		args = append(args, "-netdev", netdev, "-device", device)
	}

	if cfg.KernelImage != "" {
		args = append(args, "-kernel", cfg.KernelImage)
	}
	if cfg.Initrd != "" {
		args = append(args, "-initrd", cfg.Initrd)
	}
	if cfg.KernelCmdline != "" {
		args = append(args, "-append", cfg.KernelCmdline)
	}

	if cfg.NoGraphic {
		args = append(args, "-nographic")
	}

	args = append(args, "-qmp", fmt.Sprintf("unix:%s,server,wait=off", socketPath))

	if cfg.StartPaused {
		args = append(args, "-S")
	}

	args = append(args, cfg.ExtraArgs...)

	return args
}

func driveOption(idx int, d Disk) string {
	parts := []string{
		"file=" + d.Path,
		"format=" + d.effectiveFormat(),
		"if=" + d.effectiveInterface(),
		"id=" + effectiveDiskID(idx, d),
	}
	if d.ReadOnly {
		parts = append(parts, "readonly=on")
	}
	return strings.Join(parts, ",")
}

func nicOptions(idx int, n NIC) (netdev, device string) {
	id := effectiveNICID(idx, n)

	netdevParts := []string{n.Backend, "id=" + id}
	if n.ExtraOptions != "" {
		netdevParts = append(netdevParts, n.ExtraOptions)
	}
	netdev = strings.Join(netdevParts, ",")

	deviceParts := []string{n.DeviceModel, "netdev=" + id}
	if n.MAC != "" {
		deviceParts = append(deviceParts, "mac="+n.MAC)
	}
	device = strings.Join(deviceParts, ",")

	return netdev, device
}
