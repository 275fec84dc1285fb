package identity

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the identity heuristics. The score thresholds and the
// match-roster split are tuned against observed traffic and may need
// retuning when the game changes.
type Config struct {
	// GamePort is the server UDP port used to tell outbound packets apart
	// and to derive the port-based zone key.
	GamePort uint16
	// Strict disables the "empty party allows everyone" rule.
	Strict bool

	TargetTTL      time.Duration
	OutboundWindow time.Duration
	CandidateTTL   time.Duration

	MinScore     float64
	MinGap       float64
	CombatWeight float64
	LinkWeight   float64

	NameWindow       time.Duration
	NameMinCount     int
	NameConfirmCount int
	NameRatio        float64
	// NameMinGap is how many more hits the leading name needs over the
	// runner-up.
	NameMinGap       int

	NonPlayerPrefixes []string
	NonPlayerNames    []string

	MatchRosterTTL time.Duration

	// SeedNames are treated as party members regardless of roster traffic.
	SeedNames []string
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		GamePort:          5056,
		TargetTTL:         10 * time.Second,
		OutboundWindow:    750 * time.Millisecond,
		CandidateTTL:      30 * time.Second,
		MinScore:          3.0,
		MinGap:            2.0,
		CombatWeight:      1.0,
		LinkWeight:        0.5,
		NameWindow:        60 * time.Second,
		NameMinCount:      3,
		NameConfirmCount:  6,
		NameRatio:         2.0,
		NameMinGap:        2,
		NonPlayerPrefixes: []string{"@"},
		MatchRosterTTL:    5 * time.Minute,
	}
}

// ErrInvalidConfig wraps every configuration rejection.
var ErrInvalidConfig = errors.New("identity: invalid config")

func (c Config) validate() error {
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"target ttl", c.TargetTTL},
		{"outbound window", c.OutboundWindow},
		{"candidate ttl", c.CandidateTTL},
		{"name window", c.NameWindow},
		{"match roster ttl", c.MatchRosterTTL},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, d.name, d.d)
		}
	}
	if c.MinScore <= 0 || c.MinGap < 0 {
		return fmt.Errorf("%w: score thresholds must be positive", ErrInvalidConfig)
	}
	if c.CombatWeight <= 0 || c.LinkWeight < 0 {
		return fmt.Errorf("%w: evidence weights must be positive", ErrInvalidConfig)
	}
	if c.NameMinCount < 1 || c.NameConfirmCount < c.NameMinCount || c.NameRatio < 1 || c.NameMinGap < 0 {
		return fmt.Errorf("%w: self-name thresholds out of range", ErrInvalidConfig)
	}
	return nil
}
