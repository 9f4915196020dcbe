package ffmpeg

import (
	"os"
	"time"

	"mediascribe/config"
	"mediascribe/task"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// ResourceGuard refuses new local inference work when the host is short on
// idle CPU, free memory or scratch disk.
type ResourceGuard struct {
	cfg     *config.Config
	log     *zap.Logger
	dir     string
	Sample  time.Duration
	percent func(time.Duration, bool) ([]float64, error)
	memory  func() (*mem.VirtualMemoryStat, error)
	usage   func(string) (*disk.UsageStat, error)
}

func NewResourceGuard(cfg *config.Config, log *zap.Logger) *ResourceGuard {
	if log == nil {
		log = zap.NewNop()
	}
	return &ResourceGuard{
		cfg:     cfg,
		log:     log,
		dir:     os.TempDir(),
		Sample:  time.Second,
		percent: cpu.Percent,
		memory:  mem.VirtualMemory,
		usage:   disk.Usage,
	}
}

// Check verifies that the system has enough free resources to start a new job.
func (g *ResourceGuard) Check() error {
	// CPU
	if g.cfg.ThrottleCPU > 0 {
		p, err := g.percent(g.Sample, false)
		if err != nil {
			g.log.Warn("could not get CPU usage", zap.Error(err))
		} else if len(p) > 0 && p[0] > (100.0-g.cfg.ThrottleCPU) {
			return task.Errorf(task.KindResource, "not enough idle CPU. Current usage: %.2f%%, Idle threshold: %.2f%%", p[0], g.cfg.ThrottleCPU)
		}
	}

	// Memory
	vm, err := g.memory()
	if err != nil {
		g.log.Warn("could not get memory usage", zap.Error(err))
	} else if vm.Available < uint64(g.cfg.ThrottleFreeMem) {
		return task.Errorf(task.KindResource, "not enough free memory. Available: %d, Required: %d", vm.Available, g.cfg.ThrottleFreeMem)
	}

	// Disk
	d, err := g.usage(g.dir)
	if err != nil {
		g.log.Warn("could not get disk usage", zap.String("dir", g.dir), zap.Error(err))
	} else if d.Free < uint64(g.cfg.ThrottleFreeDisk) {
		return task.Errorf(task.KindResource, "not enough free disk space. Available: %d, Required: %d", d.Free, g.cfg.ThrottleFreeDisk)
	}
	return nil
}
