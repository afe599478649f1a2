package worker

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/taskforge/taskforge/pkg/transport"
)

// Collector samples the host for the heartbeat's resource snapshot.
type Collector struct {
	// DiskPath is the mount point whose usage feeds disk_percent.
	DiskPath string
}

// Collect fills a Heartbeat with the current cpu/memory/disk readings. A
// probe that fails leaves its field at zero rather than failing the whole
// heartbeat — a Worker with a broken disk probe is still alive.
func (c *Collector) Collect(workerID string, runningTasks, maxConcurrent int) transport.Heartbeat {
	hb := transport.Heartbeat{
		WorkerID:     workerID,
		RunningTasks: runningTasks,
		Timestamp:    time.Now().UTC(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		hb.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hb.MemoryPercent = vm.UsedPercent
	}
	path := c.DiskPath
	if path == "" {
		path = "/"
	}
	if du, err := disk.Usage(path); err == nil {
		hb.DiskPercent = du.UsedPercent
	}
	return hb
}

// OSInfo renders a short platform descriptor for Worker registration.
func OSInfo() string {
	info, err := host.Info()
	if err != nil {
		return "unknown"
	}
	return info.Platform + " " + info.PlatformVersion + " (" + info.KernelArch + ")"
}
