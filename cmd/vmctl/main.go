// vmctl launches one VM from a JSON configuration file, waits for an
// interrupt, and shuts it down gracefully.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/samcat116/swift-qemu/process"
	"github.com/samcat116/swift-qemu/vm"
)

func main() {
	configPath := flag.String("config", "", "path to a VM configuration JSON file")
	flag.Parse()

	if *configPath == "" {
		log.Fatalf("vmctl: -config is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("vmctl: %v", err)
	}

	manager := vm.NewManager()
	if err := manager.CreateVM(cfg); err != nil {
		log.Fatalf("vmctl: createVM failed: %v", err)
	}
	fmt.Printf("vmctl: VM running, status=%s\n", manager.Status())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("vmctl: shutting down")
	if err := manager.Shutdown(context.Background()); err != nil {
		_ = manager.Destroy(context.Background())
		log.Printf("vmctl: shutdown reported an error, VM has still been torn down: %v", err)
	}
}

// configFile mirrors process.Configuration for JSON decoding; the wire
// field names are kept cmdline-friendly rather than matching Go's exported
// field names one-to-one.
type configFile struct {
	HypervisorPath string           `json:"hypervisorPath"`
	MachineType    string           `json:"machineType"`
	CPUType        string           `json:"cpuType"`
	CPUCount       int              `json:"cpuCount"`
	MemoryMiB      int              `json:"memoryMiB"`
	KVMAccel       bool             `json:"kvmAccel"`
	Disks          []process.Disk   `json:"disks"`
	NICs           []process.NIC    `json:"nics"`
	KernelImage    string           `json:"kernelImage"`
	Initrd         string           `json:"initrd"`
	KernelCmdline  string           `json:"kernelCmdline"`
	NoGraphic      bool             `json:"noGraphic"`
	StartPaused    bool             `json:"startPaused"`
	ExtraArgs      []string         `json:"extraArgs"`
}

func loadConfig(path string) (process.Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return process.Configuration{}, fmt.Errorf("read config: %w", err)
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return process.Configuration{}, fmt.Errorf("parse config: %w", err)
	}

	cfg := process.Configuration{
		HypervisorPath: cf.HypervisorPath,
		MachineType:    cf.MachineType,
		CPUType:        cf.CPUType,
		CPUCount:       cf.CPUCount,
		MemoryMiB:      cf.MemoryMiB,
		KVMAccel:       cf.KVMAccel,
		Disks:          cf.Disks,
		NICs:           cf.NICs,
		KernelImage:    cf.KernelImage,
		Initrd:         cf.Initrd,
		KernelCmdline:  cf.KernelCmdline,
		NoGraphic:      cf.NoGraphic,
		StartPaused:    cf.StartPaused,
		ExtraArgs:      cf.ExtraArgs,
	}
	if err := cfg.Validate(); err != nil {
		return process.Configuration{}, err
	}
	return cfg, nil
}
