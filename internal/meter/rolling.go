// Package meter aggregates combat events into rolling per-second rates and
// archives discrete encounters into a bounded history.
package meter

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/energizer-project/photonmeter/internal/combat"
)

// ErrInvalidWindow is returned for non-positive windows and timeouts.
var ErrInvalidWindow = errors.New("meter: window and timeouts must be positive")

type sample struct {
	ts     time.Time
	source int64
	amount uint64
}

type totals struct {
	damage uint64
	heal   uint64
}

// Rolling keeps cumulative per-source totals plus sliding-window sums used
// for damage and heal per second. Eviction is driven by the timestamps it
// is given, never by a wall clock.
type Rolling struct {
	window  time.Duration
	timeout time.Duration

	cumulative map[int64]*totals
	windowed   map[int64]*totals
	damageQ    []sample
	healQ      []sample

	started time.Time
	last    time.Time
	active  bool
}

// NewRolling creates a rolling meter. A gap between events longer than
// sessionTimeout starts over from empty.
func NewRolling(window, sessionTimeout time.Duration) (*Rolling, error) {
	if window <= 0 || sessionTimeout <= 0 {
		return nil, fmt.Errorf("%w: window=%s timeout=%s", ErrInvalidWindow, window, sessionTimeout)
	}
	r := &Rolling{window: window, timeout: sessionTimeout}
	r.Reset()
	return r, nil
}

// Reset empties all state.
func (r *Rolling) Reset() {
	r.cumulative = make(map[int64]*totals)
	r.windowed = make(map[int64]*totals)
	r.damageQ = nil
	r.healQ = nil
	r.started = time.Time{}
	r.last = time.Time{}
	r.active = false
}

// Push adds an event. It reports whether the gap since the previous event
// exceeded the session timeout, in which case the state was reset first.
func (r *Rolling) Push(ev combat.Event) bool {
	reset := false
	if r.active && ev.Timestamp.Sub(r.last) > r.timeout {
		r.Reset()
		reset = true
	}
	if !r.active {
		r.active = true
		r.started = ev.Timestamp
	}
	r.last = ev.Timestamp

	cum := bucket(r.cumulative, ev.Source)
	win := bucket(r.windowed, ev.Source)
	s := sample{ts: ev.Timestamp, source: ev.Source, amount: ev.Amount}
	if ev.Kind == combat.Heal {
		cum.heal += ev.Amount
		win.heal += ev.Amount
		r.healQ = append(r.healQ, s)
	} else {
		cum.damage += ev.Amount
		win.damage += ev.Amount
		r.damageQ = append(r.damageQ, s)
	}
	r.evict(ev.Timestamp)
	return reset
}

// Touch evicts expired samples without adding one, so rates decay during
// quiet periods.
func (r *Rolling) Touch(now time.Time) {
	r.evict(now)
}

func bucket(m map[int64]*totals, id int64) *totals {
	t, ok := m[id]
	if !ok {
		t = &totals{}
		m[id] = t
	}
	return t
}

func (r *Rolling) evict(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.damageQ) && r.damageQ[i].ts.Before(cutoff) {
		if t, ok := r.windowed[r.damageQ[i].source]; ok {
			t.damage -= r.damageQ[i].amount
		}
		i++
	}
	r.damageQ = r.damageQ[i:]

	i = 0
	for i < len(r.healQ) && r.healQ[i].ts.Before(cutoff) {
		if t, ok := r.windowed[r.healQ[i].source]; ok {
			t.heal -= r.healQ[i].amount
		}
		i++
	}
	r.healQ = r.healQ[i:]
}

// Started returns when the current rolling session began.
func (r *Rolling) Started() (time.Time, bool) {
	return r.started, r.active
}

// Last returns the timestamp of the most recent event.
func (r *Rolling) Last() time.Time {
	return r.last
}

// Snapshot evicts up to now and returns per-source totals. Rates are the
// in-window sums divided by the window length, not by elapsed time.
func (r *Rolling) Snapshot(now time.Time, names NameLookup) Snapshot {
	r.evict(now)
	secs := r.window.Seconds()
	snap := Snapshot{
		Timestamp: now,
		Window:    r.window,
		Started:   r.started,
		Sources:   make([]SourceStats, 0, len(r.cumulative)),
	}
	for id, cum := range r.cumulative {
		st := SourceStats{
			ID:     id,
			Label:  label(names, id),
			Damage: cum.damage,
			Heal:   cum.heal,
		}
		if win, ok := r.windowed[id]; ok {
			st.DPS = float64(win.damage) / secs
			st.HPS = float64(win.heal) / secs
		}
		snap.TotalDamage += cum.damage
		snap.TotalHeal += cum.heal
		snap.TotalDPS += st.DPS
		snap.TotalHPS += st.HPS
		snap.Sources = append(snap.Sources, st)
	}
	sortStats(snap.Sources)
	return snap
}

// sortStats ranks by damage, then heal, then id.
func sortStats(s []SourceStats) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Damage != s[j].Damage {
			return s[i].Damage > s[j].Damage
		}
		if s[i].Heal != s[j].Heal {
			return s[i].Heal > s[j].Heal
		}
		return s[i].ID < s[j].ID
	})
}
