package meter

import (
	"strconv"
	"time"
)

// NameLookup resolves entity ids to display names.
type NameLookup interface {
	Lookup(id int64) (string, bool)
}

func label(names NameLookup, id int64) string {
	if names != nil {
		if name, ok := names.Lookup(id); ok && name != "" {
			return name
		}
	}
	return strconv.FormatInt(id, 10)
}

// SourceStats are one source's totals and rates.
type SourceStats struct {
	ID     int64   `json:"id"`
	Label  string  `json:"label"`
	Damage uint64  `json:"damage"`
	Heal   uint64  `json:"heal"`
	DPS    float64 `json:"dps"`
	HPS    float64 `json:"hps"`
}

// Snapshot is an immutable view of the rolling meter at one instant.
type Snapshot struct {
	Timestamp   time.Time     `json:"timestamp"`
	Window      time.Duration `json:"window_ns"`
	Started     time.Time     `json:"started"`
	Mode        Mode          `json:"mode,omitempty"`
	Running     bool          `json:"running"`
	Zone        string        `json:"zone,omitempty"`
	Sources     []SourceStats `json:"sources"`
	TotalDamage uint64        `json:"total_damage"`
	TotalHeal   uint64        `json:"total_heal"`
	TotalDPS    float64       `json:"total_dps"`
	TotalHPS    float64       `json:"total_hps"`
}

// Mode selects how encounters are delimited.
type Mode string

const (
	ModeBattle Mode = "battle"
	ModeZone   Mode = "zone"
	ModeManual Mode = "manual"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeBattle, ModeZone, ModeManual:
		return true
	}
	return false
}

// Reason records why an encounter was archived.
type Reason string

const (
	ReasonIdle       Reason = "idle_timeout"
	ReasonCombatEnd  Reason = "combat_end"
	ReasonZoneChange Reason = "zone_change"
	ReasonManualStop Reason = "manual_stop"
	ReasonEnded      Reason = "ended"
	ReasonShutdown   Reason = "shutdown"
)

// HistoryEntry is one archived encounter.
type HistoryEntry struct {
	ID          string        `json:"id"`
	Mode        Mode          `json:"mode"`
	Start       time.Time     `json:"start"`
	End         time.Time     `json:"end"`
	Duration    float64       `json:"duration_sec"`
	Zone        string        `json:"zone,omitempty"`
	Entries     []SourceStats `json:"entries"`
	TotalDamage uint64        `json:"total_damage"`
	TotalHeal   uint64        `json:"total_heal"`
	Reason      Reason        `json:"reason"`
}
