package channel

import (
	"context"
	"math"
	"time"

	"github.com/ovictorfarias/pegasus/internal/kernel"
	"github.com/ovictorfarias/pegasus/internal/log"
	"github.com/ovictorfarias/pegasus/internal/model"
)

// telemetryTask periodically emits resource usage of a kernel on the channel.
type telemetryTask struct {
	engine    kernel.Engine
	kernelID  string
	mountPath string
	interval  time.Duration
	sender    sender
	logger    log.Logger
}

// run emits the one-shot disk telemetry, then the live resource cycle until
// cancelled. Transient read failures are logged and the cycle continues.
func (t *telemetryTask) run(ctx context.Context) {
	if du, err := t.engine.DiskUsage(ctx, t.kernelID, t.mountPath); err != nil {
		t.logger.Warningf("Disk telemetry probe failed: %v", err)
	} else {
		_ = t.sender.Send(model.DiskStatsEvent{Stats: model.DiskStats{
			DiskUsage: du.UsedBytes,
			DiskLimit: du.LimitBytes,
		}})
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var prev *model.KernelStats
	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			stats, err := t.engine.Stats(ctx, t.kernelID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				t.logger.Warningf("Resource telemetry read failed: %v", err)
				continue
			}

			cpu := cpuPercent(prev, stats)
			prev = stats

			_ = t.sender.Send(model.ResourceStatsEvent{Stats: model.ResourceStats{
				RAMUsage:   stats.MemoryUsage,
				RAMLimit:   stats.MemoryLimit,
				CPUPercent: cpu,
			}})
		}
	}
}

// cpuPercent computes CPU utilization from first differences between two
// consecutive cumulative samples as
// `(cpu_delta / system_delta) * online_cpus * 100`, rounded. Non-positive
// deltas yield 0 rather than failing.
func cpuPercent(prev, cur *model.KernelStats) float64 {
	if prev == nil {
		return 0
	}

	cpuDelta := int64(cur.CPUTotal) - int64(prev.CPUTotal)
	systemDelta := int64(cur.SystemCPUTotal) - int64(prev.SystemCPUTotal)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}

	cpus := cur.OnlineCPUs
	if cpus == 0 {
		cpus = 1
	}

	return math.Round(float64(cpuDelta) / float64(systemDelta) * float64(cpus) * 100)
}
