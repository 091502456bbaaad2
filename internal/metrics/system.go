package metrics

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSnapshot is a point-in-time view of host resources, reported on the
// monitoring surface and fed into gauges for alerting.
type SystemSnapshot struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemUsedPercent float64 `json:"mem_used_percent"`
	MemUsedBytes   uint64  `json:"mem_used_bytes"`
	Load1          float64 `json:"load1"`
	CollectedAt    string  `json:"collected_at"`
}

// CollectSystem samples host CPU, memory and load. Failures degrade to
// zero values; health reporting must not fail because a probe did.
func (r *Registry) CollectSystem() SystemSnapshot {
	snap := SystemSnapshot{CollectedAt: time.Now().UTC().Format(time.RFC3339)}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedPercent = vm.UsedPercent
		snap.MemUsedBytes = vm.Used
	}
	if avg, err := load.Avg(); err == nil {
		snap.Load1 = avg.Load1
	}

	r.SetGauge("system.cpu_percent", snap.CPUPercent, nil)
	r.SetGauge("system.mem_used_percent", snap.MemUsedPercent, nil)
	r.SetGauge("system.load1", snap.Load1, nil)

	return snap
}
