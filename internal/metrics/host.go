package metrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"
)

// RunHostSampler periodically samples this process's CPU and memory
// usage into the registry's host gauges, following the teacher's own
// gopsutil-based system metrics sampler (go-server's
// internal/metrics/system.go), repointed at the collector process itself
// rather than at connection-pool load.
func (r *Registry) RunHostSampler(ctx context.Context, interval time.Duration, logger *zap.Logger) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn("host metrics sampler disabled", zap.Error(err))
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sampleOnce(proc, logger)
		}
	}
}

func (r *Registry) sampleOnce(proc *process.Process, logger *zap.Logger) {
	if pct, err := proc.CPUPercent(); err == nil {
		r.hostCPUPercent.Set(pct)
	} else {
		logger.Debug("cpu sample failed", zap.Error(err))
	}

	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		r.hostMemoryBytes.Set(float64(mem.RSS))
	} else if err != nil {
		logger.Debug("memory sample failed", zap.Error(err))
	}

	_, _ = cpu.Percent(0, false) // warms gopsutil's internal sampling window for the next tick
}
