package sysinfo

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Thresholds define the minimum idle capacity required before a new
// pipeline run is admitted.
type Thresholds struct {
	IdleCPU  float64 // percent of CPU that must be idle
	FreeMem  uint64  // bytes
	FreeDisk uint64  // bytes
	DiskPath string
}

// Check verifies the machine has enough free resources for another job.
func Check(t Thresholds) error {
	p, err := cpu.Percent(250*time.Millisecond, false)
	if err != nil {
		log.Warn().Err(err).Msg("could not get CPU usage")
	} else if len(p) > 0 && p[0] > 100.0-t.IdleCPU {
		return fmt.Errorf("not enough idle CPU: usage %.2f%%, idle threshold %.2f%%", p[0], t.IdleCPU)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		log.Warn().Err(err).Msg("could not get memory usage")
	} else if vm.Available < t.FreeMem {
		return fmt.Errorf("not enough free memory: available %d, required %d", vm.Available, t.FreeMem)
	}

	d, err := disk.Usage(t.DiskPath)
	if err != nil {
		log.Warn().Err(err).Str("path", t.DiskPath).Msg("could not get disk usage")
	} else if d.Free < t.FreeDisk {
		return fmt.Errorf("not enough free disk space: available %d, required %d", d.Free, t.FreeDisk)
	}
	return nil
}

// Snapshot reports current resource usage for the health endpoint.
func Snapshot(diskPath string) map[string]interface{} {
	res := map[string]interface{}{}
	if p, err := cpu.Percent(0, false); err == nil && len(p) > 0 {
		res["cpu_percent"] = p[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		res["mem_available"] = vm.Available
	}
	if d, err := disk.Usage(diskPath); err == nil {
		res["disk_free"] = d.Free
	}
	return res
}
