package combat

import (
	"time"

	"github.com/energizer-project/photonmeter/internal/protocol"
)

// State is an entity's combat flags at a point in time.
type State struct {
	ID        int64     `json:"id"`
	Active    bool      `json:"active"`
	Passive   bool      `json:"passive"`
	Timestamp time.Time `json:"timestamp"`
}

// InCombat reports whether either flag is set.
func (s State) InCombat() bool {
	return s.Active || s.Passive
}

// StateDecoder turns combat-flag events into State values.
type StateDecoder struct {
	codes protocol.Codes
}

// NewStateDecoder creates a decoder for the given code table.
func NewStateDecoder(codes protocol.Codes) *StateDecoder {
	return &StateDecoder{codes: codes}
}

// Decode returns the state carried by ev, if it is a combat-flag event.
// Missing flags read as false.
func (d *StateDecoder) Decode(ev *protocol.Event, ts time.Time) (State, bool) {
	if ev == nil || ev.SubType(d.codes.EventCodeKey) != d.codes.CombatState {
		return State{}, false
	}
	id, ok := ev.Params.Int64(d.codes.CombatStateIDKey)
	if !ok {
		return State{}, false
	}
	active, _ := ev.Params.Bool(d.codes.CombatActiveKey)
	passive, _ := ev.Params.Bool(d.codes.CombatPassiveKey)
	return State{ID: id, Active: active, Passive: passive, Timestamp: ts}, true
}
