// Package scheduler runs background maintenance: history retention and
// periodic storage statistics.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Store is the history store surface the scheduler maintains.
type Store interface {
	Prune(cutoff time.Time) (int64, error)
	Count() (int, error)
}

// Config controls the maintenance tasks.
type Config struct {
	// Retention is how long archived encounters are kept. Zero keeps them
	// forever.
	Retention     time.Duration
	PruneInterval time.Duration
	StatsInterval time.Duration
	// LogDir is measured by the stats task.
	LogDir string
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	cfg   Config
	store Store
	now   func() time.Time
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg Config, store Store) *Scheduler {
	if cfg.PruneInterval <= 0 {
		cfg.PruneInterval = time.Hour
	}
	if cfg.StatsInterval <= 0 {
		cfg.StatsInterval = 24 * time.Hour
	}
	return &Scheduler{cfg: cfg, store: store, now: time.Now}
}

// Start runs all scheduled tasks until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	log.Info().Msg("scheduler started")

	done := make(chan struct{}, 2)
	run := func(interval time.Duration, task func()) {
		defer func() { done <- struct{}{} }()
		task()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task()
			}
		}
	}

	tasks := 1
	go run(s.cfg.StatsInterval, s.collectStats)
	if s.cfg.Retention > 0 {
		tasks++
		go run(s.cfg.PruneInterval, func() { s.runPrune() })
	}

	for i := 0; i < tasks; i++ {
		<-done
	}
	log.Info().Msg("scheduler stopped")
}

// runPrune deletes encounters older than the retention period.
func (s *Scheduler) runPrune() int64 {
	cutoff := s.now().Add(-s.cfg.Retention)
	n, err := s.store.Prune(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("history prune failed")
		return 0
	}
	log.Info().
		Time("cutoff", cutoff).
		Int64("deleted", n).
		Msg("history prune completed")
	return n
}

// collectStats logs the stored encounter count and log directory size.
func (s *Scheduler) collectStats() {
	count, err := s.store.Count()
	if err != nil {
		log.Warn().Err(err).Msg("history count failed")
	}

	var size int64
	if s.cfg.LogDir != "" {
		size = dirSize(s.cfg.LogDir)
	}

	log.Info().
		Int("encounters", count).
		Str("log_size", formatBytes(size)).
		Msg("storage stats collected")
}

func dirSize(dir string) int64 {
	var total int64
	filepath.Walk(dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
