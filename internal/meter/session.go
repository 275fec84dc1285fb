package meter

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/energizer-project/photonmeter/internal/combat"
	"github.com/energizer-project/photonmeter/internal/util"
)

// SessionConfig configures the encounter lifecycle.
type SessionConfig struct {
	Mode Mode
	// Window is the rolling rate window.
	Window time.Duration
	// IdleTimeout ends a battle-mode encounter and resets the rolling layer.
	IdleTimeout time.Duration
	// HistoryLimit caps the archived encounters kept in memory.
	HistoryLimit int
	// ZoneSettle is how long a port-derived zone key must persist before it
	// counts as a zone change. Authoritative keys apply at once.
	ZoneSettle time.Duration
	// ManualAutoStart starts manual mode in the running state.
	ManualAutoStart bool
}

// DefaultSessionConfig returns the session defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Mode:         ModeBattle,
		Window:       10 * time.Second,
		IdleTimeout:  8 * time.Second,
		HistoryLimit: 50,
		ZoneSettle:   3 * time.Second,
	}
}

type encounter struct {
	start      time.Time
	last       time.Time
	lastCombat time.Time
	zone       string
	totals     map[int64]*totals
}

// activeUntil is the later of the last event and the last combat-state update.
func (e *encounter) activeUntil() time.Time {
	if e.lastCombat.After(e.last) {
		return e.lastCombat
	}
	return e.last
}

// Session wraps the rolling layer with an encounter lifecycle and a bounded,
// most-recent-first history. It is driven from a single goroutine.
type Session struct {
	cfg     SessionConfig
	names   NameLookup
	rolling *Rolling
	logger  zerolog.Logger

	enc     *encounter
	running bool

	// battle mode
	combat map[int64]combat.State

	// zone mode
	zone         string
	pendingZone  string
	pendingSince time.Time

	history []HistoryEntry
}

// NewSession validates cfg and creates a session.
func NewSession(cfg SessionConfig, names NameLookup) (*Session, error) {
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("meter: unknown mode %q", cfg.Mode)
	}
	if cfg.IdleTimeout <= 0 || cfg.ZoneSettle < 0 {
		return nil, fmt.Errorf("%w: idle=%s settle=%s", ErrInvalidWindow, cfg.IdleTimeout, cfg.ZoneSettle)
	}
	if cfg.HistoryLimit <= 0 {
		return nil, fmt.Errorf("meter: history limit must be positive, got %d", cfg.HistoryLimit)
	}
	rolling, err := NewRolling(cfg.Window, cfg.IdleTimeout)
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:     cfg,
		names:   names,
		rolling: rolling,
		logger:  util.ComponentLogger("session"),
		running: cfg.Mode != ModeManual || cfg.ManualAutoStart,
		combat:  make(map[int64]combat.State),
	}, nil
}

// Mode returns the configured mode.
func (s *Session) Mode() Mode {
	return s.cfg.Mode
}

// Running reports whether events are being accumulated.
func (s *Session) Running() bool {
	return s.running
}

// Push accumulates ev. In battle mode a gap longer than the idle timeout
// archives the previous encounter first.
func (s *Session) Push(ev combat.Event) (HistoryEntry, bool) {
	if !s.running {
		return HistoryEntry{}, false
	}
	var (
		archived HistoryEntry
		ok       bool
	)
	if s.cfg.Mode == ModeBattle && s.enc != nil && ev.Timestamp.Sub(s.enc.activeUntil()) > s.cfg.IdleTimeout {
		archived, ok = s.archive(s.enc.activeUntil(), ReasonIdle)
	}

	if s.enc == nil {
		s.enc = &encounter{start: ev.Timestamp, zone: s.zone, totals: make(map[int64]*totals)}
	}
	s.enc.last = ev.Timestamp
	t := bucket(s.enc.totals, ev.Source)
	if ev.Kind == combat.Heal {
		t.heal += ev.Amount
	} else {
		t.damage += ev.Amount
	}
	s.rolling.Push(ev)
	return archived, ok
}

// Tick advances time without an event: rates decay, battle-mode idle
// encounters end and settled zone keys apply.
func (s *Session) Tick(now time.Time) (HistoryEntry, bool) {
	s.rolling.Touch(now)

	switch s.cfg.Mode {
	case ModeBattle:
		if s.enc != nil && now.Sub(s.enc.activeUntil()) > s.cfg.IdleTimeout {
			return s.archive(s.enc.activeUntil(), ReasonIdle)
		}
	case ModeZone:
		if s.pendingZone != "" && now.Sub(s.pendingSince) >= s.cfg.ZoneSettle {
			key := s.pendingZone
			s.pendingZone = ""
			return s.switchZone(key, now)
		}
	}
	return HistoryEntry{}, false
}

// ObserveCombatState ends a battle-mode encounter when a participant leaves
// combat and no other participant is still in it. States for entities that
// never dealt or received an effect in the encounter are ignored.
func (s *Session) ObserveCombatState(st combat.State) (HistoryEntry, bool) {
	if s.cfg.Mode != ModeBattle || s.enc == nil {
		return HistoryEntry{}, false
	}
	if _, known := s.enc.totals[st.ID]; !known {
		return HistoryEntry{}, false
	}
	prev, seen := s.combat[st.ID]
	s.combat[st.ID] = st
	if st.Timestamp.After(s.enc.lastCombat) {
		s.enc.lastCombat = st.Timestamp
	}
	if st.InCombat() || (seen && !prev.InCombat()) {
		return HistoryEntry{}, false
	}
	for id, other := range s.combat {
		if id == st.ID {
			continue
		}
		if _, known := s.enc.totals[id]; known && other.InCombat() {
			return HistoryEntry{}, false
		}
	}
	return s.archive(s.enc.activeUntil(), ReasonCombatEnd)
}

// ObserveZone records the current zone key. In zone mode a genuine change
// archives the encounter under the previous key. Port-derived keys must
// hold for the settle period so a flapping key does not split encounters.
func (s *Session) ObserveZone(key string, authoritative bool, ts time.Time) (HistoryEntry, bool) {
	if key == "" {
		return HistoryEntry{}, false
	}
	if key == s.zone {
		s.pendingZone = ""
		return HistoryEntry{}, false
	}
	if s.zone == "" || s.cfg.Mode != ModeZone {
		s.zone = key
		s.pendingZone = ""
		if s.enc != nil && s.enc.zone == "" {
			s.enc.zone = key
		}
		return HistoryEntry{}, false
	}
	if authoritative || s.cfg.ZoneSettle == 0 {
		s.pendingZone = ""
		return s.switchZone(key, ts)
	}
	if s.pendingZone != key {
		s.pendingZone = key
		s.pendingSince = ts
	}
	return HistoryEntry{}, false
}

// RelabelZone renames the current zone without a session boundary, for
// when an authoritative key replaces a port-derived one for the same zone.
func (s *Session) RelabelZone(key string) {
	if key == "" || key == s.zone {
		return
	}
	if s.enc != nil && s.enc.zone == s.zone {
		s.enc.zone = key
	}
	s.zone = key
	s.pendingZone = ""
}

func (s *Session) switchZone(key string, ts time.Time) (HistoryEntry, bool) {
	prev := s.zone
	s.zone = key
	s.logger.Info().Str("from", prev).Str("to", key).Msg("Zone session boundary")
	if s.enc == nil {
		return HistoryEntry{}, false
	}
	return s.archive(ts, ReasonZoneChange)
}

// Toggle starts or stops accumulation. Stopping archives the encounter.
func (s *Session) Toggle(ts time.Time) (HistoryEntry, bool) {
	if s.running {
		s.running = false
		s.logger.Info().Msg("Meter stopped")
		if s.enc != nil {
			return s.archive(ts, ReasonManualStop)
		}
		return HistoryEntry{}, false
	}
	s.running = true
	s.logger.Info().Msg("Meter started")
	return HistoryEntry{}, false
}

// End archives the current encounter, if any.
func (s *Session) End(ts time.Time, reason Reason) (HistoryEntry, bool) {
	if s.enc == nil {
		return HistoryEntry{}, false
	}
	end := s.enc.last
	if ts.After(end) && s.cfg.Mode != ModeBattle {
		end = ts
	}
	return s.archive(end, reason)
}

// Reset drops the current encounter and rolling state without archiving.
func (s *Session) Reset() {
	s.enc = nil
	s.rolling.Reset()
	s.combat = make(map[int64]combat.State)
}

// archive turns the current encounter into a history entry.
func (s *Session) archive(end time.Time, reason Reason) (HistoryEntry, bool) {
	enc := s.enc
	s.enc = nil
	s.rolling.Reset()
	s.combat = make(map[int64]combat.State)
	if enc == nil || len(enc.totals) == 0 {
		return HistoryEntry{}, false
	}
	if end.Before(enc.start) {
		end = enc.start
	}

	dur := end.Sub(enc.start)
	secs := max(dur, time.Second).Seconds()
	entry := HistoryEntry{
		ID:       uuid.NewString(),
		Mode:     s.cfg.Mode,
		Start:    enc.start,
		End:      end,
		Duration: dur.Seconds(),
		Zone:     enc.zone,
		Reason:   reason,
		Entries:  make([]SourceStats, 0, len(enc.totals)),
	}
	for id, t := range enc.totals {
		entry.Entries = append(entry.Entries, SourceStats{
			ID:     id,
			Label:  label(s.names, id),
			Damage: t.damage,
			Heal:   t.heal,
			DPS:    float64(t.damage) / secs,
			HPS:    float64(t.heal) / secs,
		})
		entry.TotalDamage += t.damage
		entry.TotalHeal += t.heal
	}
	sortStats(entry.Entries)

	s.history = append([]HistoryEntry{entry}, s.history...)
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[:s.cfg.HistoryLimit]
	}

	s.logger.Info().
		Str("id", entry.ID).
		Str("reason", string(reason)).
		Str("zone", entry.Zone).
		Float64("duration_sec", entry.Duration).
		Uint64("damage", entry.TotalDamage).
		Uint64("heal", entry.TotalHeal).
		Msg("Encounter archived")
	return entry, true
}

// History returns up to limit archived encounters, most recent first.
// A non-positive limit returns all of them.
func (s *Session) History(limit int) []HistoryEntry {
	n := len(s.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]HistoryEntry, n)
	copy(out, s.history[:n])
	return out
}

// Snapshot returns the rolling view annotated with the session state.
func (s *Session) Snapshot(now time.Time) Snapshot {
	snap := s.rolling.Snapshot(now, s.names)
	snap.Mode = s.cfg.Mode
	snap.Running = s.running
	snap.Zone = s.zone
	return snap
}
