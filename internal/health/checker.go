package health

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/photonmeter/internal/util"
)

// DropCounter reports events dropped by a bounded queue.
type DropCounter interface {
	Dropped() uint64
}

// CheckerConfig configures the periodic checks.
type CheckerConfig struct {
	Thresholds    Thresholds
	CheckInterval time.Duration
	DiskInterval  time.Duration
	// DiskPaths are the directories whose free space is watched, typically
	// the log and history directories.
	DiskPaths []string
}

// Checker runs periodic checks over the decode statistics and the host.
type Checker struct {
	cfg    CheckerConfig
	stats  *Stats
	drops  DropCounter
	now    func() time.Time
	logger zerolog.Logger

	last        Status
	lastDropped uint64
}

// NewChecker creates a checker. drops may be nil.
func NewChecker(cfg CheckerConfig, stats *Stats, drops DropCounter) *Checker {
	return &Checker{
		cfg:    cfg,
		stats:  stats,
		drops:  drops,
		now:    time.Now,
		logger: util.ComponentLogger("health"),
		last:   StatusWaiting,
	}
}

// Start launches the check loops and blocks until ctx is cancelled.
func (c *Checker) Start(ctx context.Context) {
	checks := []struct {
		name     string
		interval time.Duration
		fn       func()
	}{
		{"decode_status", c.cfg.CheckInterval, func() { c.Check() }},
		{"queue_drops", c.cfg.CheckInterval, c.checkDrops},
		{"disk_utilization", c.cfg.DiskInterval, c.checkDisk},
	}

	started := 0
	for _, check := range checks {
		if check.interval <= 0 {
			continue
		}
		started++

		check := check
		go func() {
			ticker := time.NewTicker(check.interval)
			defer ticker.Stop()

			c.logger.Debug().Str("check", check.name).Msg("running initial health check")
			check.fn()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					check.fn()
				}
			}
		}()
	}

	c.logger.Info().Int("checks", started).Msg("health checker started")
	<-ctx.Done()
	c.logger.Info().Msg("health checker stopped")
}

// Check classifies the current counters and logs status transitions.
// Checks run on separate goroutines, but only the decode_status loop calls
// Check, so the transition state needs no lock.
func (c *Checker) Check() Report {
	r := c.stats.Report(c.now(), c.cfg.Thresholds)
	if r.Status == c.last {
		return r
	}

	ev := c.logger.Info()
	if r.Status == StatusDegraded || r.Status == StatusStale {
		ev = c.logger.Warn()
	}
	ev.Str("from", string(c.last)).
		Str("to", string(r.Status)).
		Uint64("packets", r.Packets).
		Uint64("decode_errors", r.DecodeErrors).
		Uint64("frame_errors", r.FrameErrors).
		Msg("decode status changed")
	c.last = r.Status
	return r
}

func (c *Checker) checkDrops() {
	if c.drops == nil {
		return
	}
	n := c.drops.Dropped()
	if n > c.lastDropped {
		c.logger.Warn().
			Uint64("dropped", n-c.lastDropped).
			Uint64("total", n).
			Msg("consumers are falling behind, events dropped")
	}
	c.lastDropped = n
}

func (c *Checker) checkDisk() {
	for _, path := range c.cfg.DiskPaths {
		usage, err := util.GetDiskUsage(path)
		if err != nil {
			c.logger.Debug().Err(err).Str("path", path).Msg("disk utilization check failed")
			continue
		}

		var ev *zerolog.Event
		switch {
		case usage.UsedPercent >= 95:
			ev = c.logger.Error()
		case usage.UsedPercent >= 90:
			ev = c.logger.Warn()
		default:
			c.logger.Debug().
				Str("path", path).
				Float64("used_percent", usage.UsedPercent).
				Msg("disk utilization")
			continue
		}
		ev.Str("path", path).
			Float64("used_percent", usage.UsedPercent).
			Uint64("free_mb", usage.Free).
			Msg("disk nearly full")
	}
}
