package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/photonmeter/internal/config"
	"github.com/energizer-project/photonmeter/internal/db"
	"github.com/energizer-project/photonmeter/internal/diagnostics"
	"github.com/energizer-project/photonmeter/internal/engine"
	"github.com/energizer-project/photonmeter/internal/events"
	"github.com/energizer-project/photonmeter/internal/health"
)

// pipeline holds the components shared by live and replay runs.
type pipeline struct {
	cfg    *config.Config
	bus    *events.Bus
	stats  *health.Stats
	engine *engine.Engine
	store  *db.HistoryStore
	dump   *diagnostics.Dump
}

// newPipeline builds the engine and its optional sinks. wallTick is zero
// for replay.
func newPipeline(cfg *config.Config, wallTick time.Duration, persist bool) (*pipeline, error) {
	p := &pipeline{
		cfg:   cfg,
		bus:   events.NewBus(),
		stats: health.NewStats(),
	}

	deps := engine.Deps{Bus: p.bus, Stats: p.stats}

	if diag := cfg.Diagnostics; diag.Enabled {
		dump, err := diagnostics.Open(diagnostics.Options{
			File:       diag.File,
			MaxSizeMB:  diag.MaxSizeMB,
			MaxBackups: diag.MaxBackups,
			MaxBytes:   diag.MaxBytes,
		})
		if err != nil {
			log.Warn().Err(err).Str("file", diag.File).Msg("unknown-payload dump disabled")
		} else {
			p.dump = dump
			deps.Sink = dump
		}
	}

	if persist && cfg.Storage.Enabled {
		store, err := db.NewHistoryStore(cfg.Storage.Path)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Storage.Path).Msg("history persistence disabled")
		} else {
			p.store = store
		}
	}

	m := cfg.GetMeter()
	eng, err := engine.New(engine.Config{
		Codes:            cfg.GetCodes(),
		Mapper:           m.MapperConfig(),
		Session:          m.SessionConfig(),
		Identity:         cfg.IdentityConfig(),
		SnapshotInterval: m.SnapshotInterval(),
		PartyOnly:        m.PartyOnly,
		WallTick:         wallTick,
		PacketBuffer:     m.QueueSize,
	}, deps)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.engine = eng
	return p, nil
}

// checker builds the decode health checker.
func (p *pipeline) checker() *health.Checker {
	h := p.cfg.Health
	paths := []string{p.cfg.Logging.Directory}
	if p.store != nil {
		paths = append(paths, filepath.Dir(p.cfg.Storage.Path))
	}
	return health.NewChecker(health.CheckerConfig{
		Thresholds:    h.Thresholds(),
		CheckInterval: time.Duration(h.CheckIntervalSec) * time.Second,
		DiskInterval:  time.Duration(h.DiskIntervalSec) * time.Second,
		DiskPaths:     paths,
	}, p.stats, p.bus)
}

// persistHistory saves every archived encounter still held by the engine.
// Saves replace by id, so entries the bus already delivered are rewritten
// unchanged. Call only after Run has returned.
func (p *pipeline) persistHistory() {
	if p.store == nil {
		return
	}
	for _, entry := range p.engine.History(0) {
		if err := p.store.Save(entry); err != nil {
			log.Warn().Err(err).Str("encounter", entry.ID).Msg("failed to persist encounter")
		}
	}
}

// Close stops the bus and releases the sinks.
func (p *pipeline) Close() {
	p.bus.Stop()
	if p.store != nil {
		p.store.Close()
	}
	if p.dump != nil {
		if n := p.dump.Count(); n > 0 {
			log.Info().Uint64("payloads", n).Str("file", p.cfg.Diagnostics.File).Msg("unknown payloads dumped")
		}
		p.dump.Close()
	}
}

// startWithRetry retries a start function that fails to bind.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
