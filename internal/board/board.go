// Package board holds the latest meter output for readers outside the
// packet loop: the API, the console and the telemetry publisher.
package board

import (
	"context"
	"sync"
	"time"

	"github.com/energizer-project/photonmeter/internal/events"
	"github.com/energizer-project/photonmeter/internal/health"
	"github.com/energizer-project/photonmeter/internal/identity"
	"github.com/energizer-project/photonmeter/internal/meter"
)

// Board is a thread-safe read model fed from the event bus.
type Board struct {
	mu         sync.RWMutex
	limit      int
	stats      *health.Stats
	thresholds health.Thresholds

	snapshot    meter.Snapshot
	hasSnapshot bool
	history     []meter.HistoryEntry
	identity    identity.View
	captureDone bool
}

// NewBoard creates a board that keeps up to limit history entries.
func NewBoard(limit int, stats *health.Stats, thresholds health.Thresholds) *Board {
	if limit <= 0 {
		limit = 50
	}
	return &Board{limit: limit, stats: stats, thresholds: thresholds}
}

// Attach subscribes the board to the meter and identity events.
func (b *Board) Attach(bus *events.Bus) {
	bus.Subscribe(events.EventSnapshot, "board", events.DefaultBuffer, func(_ context.Context, e events.Event) error {
		if s, ok := e.Payload.(meter.Snapshot); ok {
			b.SetSnapshot(s)
		}
		return nil
	})
	bus.Subscribe(events.EventSessionArchived, "board", events.DefaultBuffer, func(_ context.Context, e events.Event) error {
		if h, ok := e.Payload.(meter.HistoryEntry); ok {
			b.AddHistory(h)
		}
		return nil
	})
	bus.Subscribe(events.EventIdentity, "board", events.DefaultBuffer, func(_ context.Context, e events.Event) error {
		if v, ok := e.Payload.(identity.View); ok {
			b.SetIdentity(v)
		}
		return nil
	})
	bus.Subscribe(events.EventCaptureEnded, "board", 1, func(context.Context, events.Event) error {
		b.mu.Lock()
		b.captureDone = true
		b.mu.Unlock()
		return nil
	})
}

// Limit is the number of history entries the board keeps.
func (b *Board) Limit() int {
	return b.limit
}

// SetSnapshot replaces the current snapshot. Older snapshots are ignored.
func (b *Board) SetSnapshot(s meter.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hasSnapshot && s.Timestamp.Before(b.snapshot.Timestamp) {
		return
	}
	b.snapshot = s
	b.hasSnapshot = true
}

// AddHistory prepends an archived encounter.
func (b *Board) AddHistory(h meter.HistoryEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.history {
		if existing.ID == h.ID {
			return
		}
	}
	b.history = append([]meter.HistoryEntry{h}, b.history...)
	if len(b.history) > b.limit {
		b.history = b.history[:b.limit]
	}
}

// Seed loads persisted history, most recent first, behind anything already
// on the board.
func (b *Board) Seed(entries []meter.HistoryEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	seen := make(map[string]bool, len(b.history))
	for _, h := range b.history {
		seen[h.ID] = true
	}
	for _, h := range entries {
		if len(b.history) >= b.limit {
			break
		}
		if !seen[h.ID] {
			b.history = append(b.history, h)
			seen[h.ID] = true
		}
	}
}

// SetIdentity replaces the identity view.
func (b *Board) SetIdentity(v identity.View) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.identity = v
}

// Snapshot returns the latest snapshot and whether one has arrived.
func (b *Board) Snapshot() (meter.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot, b.hasSnapshot
}

// History returns up to limit entries, most recent first. A non-positive
// limit returns everything.
func (b *Board) History(limit int) []meter.HistoryEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := len(b.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]meter.HistoryEntry, n)
	copy(out, b.history[:n])
	return out
}

// Identity returns the latest identity view.
func (b *Board) Identity() identity.View {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.identity
}

// CaptureDone reports whether the capture source has ended.
func (b *Board) CaptureDone() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.captureDone
}

// Health returns the decode health report at now.
func (b *Board) Health(now time.Time) health.Report {
	if b.stats == nil {
		return health.Report{Status: health.StatusWaiting}
	}
	return b.stats.Report(now, b.thresholds)
}
