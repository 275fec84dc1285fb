// Package combat turns health-update events into normalized damage and
// heal events, and tracks the per-entity combat flags.
package combat

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/photonmeter/internal/photon"
	"github.com/energizer-project/photonmeter/internal/protocol"
	"github.com/energizer-project/photonmeter/internal/util"
)

// Kind distinguishes damage from healing.
type Kind uint8

const (
	Damage Kind = iota
	Heal
)

func (k Kind) String() string {
	if k == Heal {
		return "heal"
	}
	return "damage"
}

// MarshalText renders the kind by name in JSON payloads.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one normalized damage or heal observation. Amount is always > 0.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Source    int64     `json:"source"`
	Target    int64     `json:"target"`
	Amount    uint64    `json:"amount"`
	Kind      Kind      `json:"kind"`
}

// MapperConfig controls health tracking and overkill clamping.
type MapperConfig struct {
	// HealthTTL drops tracked health for targets not updated within it.
	HealthTTL time.Duration
	// Clamp limits damage to the health the target actually had.
	Clamp bool
}

// DefaultMapperConfig returns the mapper defaults.
func DefaultMapperConfig() MapperConfig {
	return MapperConfig{HealthTTL: 30 * time.Second, Clamp: true}
}

// ErrInvalidTTL is returned when the health TTL is not positive.
var ErrInvalidTTL = errors.New("combat: health ttl must be positive")

type healthState struct {
	value float64
	seen  time.Time
}

// Mapper converts health-update events into combat events. It keeps the
// last reported health per target, keyed by entity id and swept by event
// time, so replays map identically to live capture.
type Mapper struct {
	codes     protocol.Codes
	cfg       MapperConfig
	sink      photon.UnknownSink
	health    map[int64]healthState
	lastSweep time.Time
	logger    zerolog.Logger
}

// NewMapper creates a mapper. A nil sink discards undecodable events.
func NewMapper(codes protocol.Codes, cfg MapperConfig, sink photon.UnknownSink) (*Mapper, error) {
	if cfg.HealthTTL <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTTL, cfg.HealthTTL)
	}
	if sink == nil {
		sink = photon.NopSink{}
	}
	return &Mapper{
		codes:  codes,
		cfg:    cfg,
		sink:   sink,
		health: make(map[int64]healthState),
		logger: util.ComponentLogger("mapper"),
	}, nil
}

// Map decodes msg and maps it. Non-event messages, undecodable events and
// events of other sub-types yield no combat events.
func (m *Mapper) Map(msg photon.Message, ts time.Time) []Event {
	if msg.Type != photon.MessageEvent {
		return nil
	}
	ev, err := protocol.DecodeEvent(msg.Payload)
	if err != nil {
		m.sink.Unknown("undecodable event: "+err.Error(), msg.Payload)
		return nil
	}
	return m.MapEvent(ev, ts)
}

// MapEvent maps an already decoded event.
func (m *Mapper) MapEvent(ev *protocol.Event, ts time.Time) []Event {
	m.sweep(ts)
	if ev == nil || !m.codes.IsHealth(ev.SubType(m.codes.EventCodeKey)) {
		return nil
	}

	changes := protocol.List(ev.Params[m.codes.HealthChangeKey])
	if len(changes) == 0 {
		return nil
	}
	targets := protocol.List(ev.Params[m.codes.HealthTargetKey])
	causers := protocol.List(ev.Params[m.codes.HealthCauserKey])
	afters := protocol.List(ev.Params[m.codes.HealthAfterKey])

	var out []Event
	for i := range changes {
		change, ok := protocol.AsFloat64(changes[i])
		if !ok || change == 0 || math.IsNaN(change) {
			continue
		}
		target, ok := protocol.AsInt64(at(targets, i))
		if !ok {
			continue
		}
		source, ok := protocol.AsInt64(at(causers, i))
		if !ok {
			source = target
		}
		after, hasAfter := protocol.AsFloat64(at(afters, i))

		kind := Damage
		if change > 0 {
			kind = Heal
		}
		amount := m.apply(target, kind, math.Abs(change), after, hasAfter, ts)

		rounded := math.Round(amount)
		if rounded <= 0 {
			continue
		}
		out = append(out, Event{
			Timestamp: ts,
			Source:    source,
			Target:    target,
			Amount:    uint64(rounded),
			Kind:      kind,
		})
	}
	return out
}

// apply updates tracked health for target and returns the amount to report.
func (m *Mapper) apply(target int64, kind Kind, raw, after float64, hasAfter bool, ts time.Time) float64 {
	prev, known := m.lookup(target, ts)
	amount := raw

	switch {
	case hasAfter:
		if m.cfg.Clamp && known && kind == Damage {
			amount = math.Min(raw, math.Max(prev-after, 0))
		}
		m.health[target] = healthState{value: after, seen: ts}
	case known && kind == Damage:
		if m.cfg.Clamp {
			amount = math.Min(raw, math.Max(prev, 0))
		}
		m.health[target] = healthState{value: math.Max(prev-amount, 0), seen: ts}
	case known:
		m.health[target] = healthState{value: prev + raw, seen: ts}
	}
	return amount
}

func (m *Mapper) lookup(target int64, ts time.Time) (float64, bool) {
	st, ok := m.health[target]
	if !ok || ts.Sub(st.seen) > m.cfg.HealthTTL {
		return 0, false
	}
	return st.value, true
}

// sweep evicts stale health entries, at most once per second of event time.
func (m *Mapper) sweep(ts time.Time) {
	if ts.Sub(m.lastSweep) < time.Second {
		return
	}
	m.lastSweep = ts
	for id, st := range m.health {
		if ts.Sub(st.seen) > m.cfg.HealthTTL {
			delete(m.health, id)
		}
	}
}

// Tracked returns the number of targets with tracked health.
func (m *Mapper) Tracked() int {
	return len(m.health)
}

// Reset forgets all tracked health.
func (m *Mapper) Reset() {
	m.health = make(map[int64]healthState)
	m.logger.Debug().Msg("Health state cleared")
}

// at returns the i-th item, broadcasting singletons and padding short
// lists with nil.
func at(items []protocol.Value, i int) protocol.Value {
	switch {
	case len(items) == 1:
		return items[0]
	case i < len(items):
		return items[i]
	default:
		return nil
	}
}
