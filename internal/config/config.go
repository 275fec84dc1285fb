// Package config handles configuration loading, validation, and persistence
// for photonmeter.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/energizer-project/photonmeter/internal/combat"
	"github.com/energizer-project/photonmeter/internal/health"
	"github.com/energizer-project/photonmeter/internal/identity"
	"github.com/energizer-project/photonmeter/internal/meter"
	"github.com/energizer-project/photonmeter/internal/protocol"
	"github.com/energizer-project/photonmeter/internal/util"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIPort    = 5080
	DefaultGamePort   = 5056
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Capture     CaptureConfig     `json:"capture"`
	Meter       MeterConfig       `json:"meter"`
	Identity    IdentityConfig    `json:"identity"`
	Protocol    protocol.Codes    `json:"protocol"`
	Diagnostics DiagnosticsConfig `json:"diagnostics"`
	Storage     StorageConfig     `json:"storage"`
	MQTT        MQTTConfig        `json:"mqtt"`
	API         APIConfig         `json:"api"`
	Health      HealthConfig      `json:"health"`
	Logging     LoggingConfig     `json:"logging"`
}

// CaptureConfig selects the packet source.
type CaptureConfig struct {
	Interface   string `json:"interface"`
	Port        int    `json:"port"`
	Snaplen     int    `json:"snaplen"`
	Promiscuous bool   `json:"promiscuous"`
	// Filter overrides the BPF filter derived from Port.
	Filter string `json:"filter"`
}

// MeterConfig holds the combat mapper and session settings.
type MeterConfig struct {
	Mode               string `json:"mode"`
	WindowSec          int    `json:"window_sec"`
	IdleTimeoutSec     int    `json:"idle_timeout_sec"`
	HistoryLimit       int    `json:"history_limit"`
	ZoneSettleMs       int    `json:"zone_settle_ms"`
	ManualAutoStart    bool   `json:"manual_auto_start"`
	SnapshotIntervalMs int    `json:"snapshot_interval_ms"`
	HealthTTLSec       int    `json:"health_ttl_sec"`
	OverkillClamp      bool   `json:"overkill_clamp"`
	PartyOnly          bool   `json:"party_only"`
	QueueSize          int    `json:"queue_size"`
}

// IdentityConfig holds the self and party resolution heuristics.
type IdentityConfig struct {
	Strict            bool     `json:"strict"`
	TargetTTLMs       int      `json:"target_ttl_ms"`
	OutboundWindowMs  int      `json:"outbound_window_ms"`
	CandidateTTLSec   int      `json:"candidate_ttl_sec"`
	MinScore          float64  `json:"min_score"`
	MinGap            float64  `json:"min_gap"`
	CombatWeight      float64  `json:"combat_weight"`
	LinkWeight        float64  `json:"link_weight"`
	NameWindowSec     int      `json:"name_window_sec"`
	NameMinCount      int      `json:"name_min_count"`
	NameConfirmCount  int      `json:"name_confirm_count"`
	NameRatio         float64  `json:"name_ratio"`
	NameMinGap        int      `json:"name_min_gap"`
	NonPlayerPrefixes []string `json:"non_player_prefixes"`
	NonPlayerNames    []string `json:"non_player_names"`
	MatchRosterTTLSec int      `json:"match_roster_ttl_sec"`
	SeedNames         []string `json:"seed_names"`
}

// DiagnosticsConfig controls the unknown-payload dump.
type DiagnosticsConfig struct {
	Enabled    bool   `json:"enabled"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxBytes   int    `json:"max_bytes"`
}

// StorageConfig controls history persistence.
type StorageConfig struct {
	Enabled             bool   `json:"enabled"`
	Path                string `json:"path"`
	RetentionDays       int    `json:"retention_days"`
	PruneIntervalMinute int    `json:"prune_interval_min"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled          bool   `json:"enabled"`
	BrokerURL        string `json:"broker_url"`
	Port             int    `json:"port"`
	UseTLS           bool   `json:"use_tls"`
	CertFile         string `json:"cert_file"`
	KeyFile          string `json:"key_file"`
	ClientID         string `json:"client_id"`
	TopicPrefix      string `json:"topic_prefix"`
	SnapshotEverySec int    `json:"snapshot_every_sec"`
	PublishSnapshots bool   `json:"publish_snapshots"`
	PublishSessions  bool   `json:"publish_sessions"`
}

// APIConfig holds the HTTP API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// HealthConfig tunes the decode health checker.
type HealthConfig struct {
	CheckIntervalSec int     `json:"check_interval_sec"`
	DiskIntervalSec  int     `json:"disk_interval_sec"`
	StaleAfterSec    int     `json:"stale_after_sec"`
	ErrorRatio       float64 `json:"error_ratio"`
	MinMessages      int     `json:"min_messages"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	id := identity.DefaultConfig()
	return &Config{
		Capture: CaptureConfig{
			Port:    DefaultGamePort,
			Snaplen: 65535,
		},
		Meter: MeterConfig{
			Mode:               string(meter.ModeBattle),
			WindowSec:          10,
			IdleTimeoutSec:     8,
			HistoryLimit:       50,
			ZoneSettleMs:       3000,
			SnapshotIntervalMs: 1000,
			HealthTTLSec:       30,
			OverkillClamp:      true,
			PartyOnly:          true,
			QueueSize:          64,
		},
		Identity: IdentityConfig{
			TargetTTLMs:       int(id.TargetTTL / time.Millisecond),
			OutboundWindowMs:  int(id.OutboundWindow / time.Millisecond),
			CandidateTTLSec:   int(id.CandidateTTL / time.Second),
			MinScore:          id.MinScore,
			MinGap:            id.MinGap,
			CombatWeight:      id.CombatWeight,
			LinkWeight:        id.LinkWeight,
			NameWindowSec:     int(id.NameWindow / time.Second),
			NameMinCount:      id.NameMinCount,
			NameConfirmCount:  id.NameConfirmCount,
			NameRatio:         id.NameRatio,
			NameMinGap:        id.NameMinGap,
			NonPlayerPrefixes: id.NonPlayerPrefixes,
			MatchRosterTTLSec: int(id.MatchRosterTTL / time.Second),
		},
		Protocol: protocol.DefaultCodes(),
		Diagnostics: DiagnosticsConfig{
			File:       "logs/unknown.log",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxBytes:   512,
		},
		Storage: StorageConfig{
			Enabled:             true,
			Path:                "data/history.db",
			RetentionDays:       30,
			PruneIntervalMinute: 60,
		},
		MQTT: MQTTConfig{
			BrokerURL:        "localhost",
			Port:             1883,
			TopicPrefix:      "photonmeter",
			SnapshotEverySec: 5,
			PublishSnapshots: true,
			PublishSessions:  true,
		},
		API: APIConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         DefaultAPIPort,
			RateLimitRPS: 50,
		},
		Health: HealthConfig{
			CheckIntervalSec: 10,
			DiskIntervalSec:  3600,
			StaleAfterSec:    30,
			ErrorRatio:       0.25,
			MinMessages:      20,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 14,
			Console:    true,
		},
	}
}

// Load reads configuration from a JSON file. A missing file is created with
// the defaults.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Persist fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// GetMeter returns a copy of the meter section.
func (c *Config) GetMeter() MeterConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Meter
}

// SetMeterMode changes the session mode used by the next engine.
func (c *Config) SetMeterMode(mode meter.Mode) error {
	if !mode.Valid() {
		return fmt.Errorf("unknown meter mode %q", mode)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Meter.Mode = string(mode)
	return nil
}

// GetCapture returns a copy of the capture section.
func (c *Config) GetCapture() CaptureConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Capture
}

// GetCodes returns a copy of the protocol code table.
func (c *Config) GetCodes() protocol.Codes {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Protocol
}

// SessionConfig converts the meter section.
func (m MeterConfig) SessionConfig() meter.SessionConfig {
	return meter.SessionConfig{
		Mode:            meter.Mode(m.Mode),
		Window:          time.Duration(m.WindowSec) * time.Second,
		IdleTimeout:     time.Duration(m.IdleTimeoutSec) * time.Second,
		HistoryLimit:    m.HistoryLimit,
		ZoneSettle:      time.Duration(m.ZoneSettleMs) * time.Millisecond,
		ManualAutoStart: m.ManualAutoStart,
	}
}

// MapperConfig converts the meter section's mapper settings.
func (m MeterConfig) MapperConfig() combat.MapperConfig {
	return combat.MapperConfig{
		HealthTTL: time.Duration(m.HealthTTLSec) * time.Second,
		Clamp:     m.OverkillClamp,
	}
}

// SnapshotInterval is the packet-time cadence of published snapshots.
func (m MeterConfig) SnapshotInterval() time.Duration {
	return time.Duration(m.SnapshotIntervalMs) * time.Millisecond
}

// IdentityConfig converts the identity section. The game port comes from
// the capture section.
func (c *Config) IdentityConfig() identity.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id := c.Identity
	return identity.Config{
		GamePort:          uint16(c.Capture.Port),
		Strict:            id.Strict,
		TargetTTL:         time.Duration(id.TargetTTLMs) * time.Millisecond,
		OutboundWindow:    time.Duration(id.OutboundWindowMs) * time.Millisecond,
		CandidateTTL:      time.Duration(id.CandidateTTLSec) * time.Second,
		MinScore:          id.MinScore,
		MinGap:            id.MinGap,
		CombatWeight:      id.CombatWeight,
		LinkWeight:        id.LinkWeight,
		NameWindow:        time.Duration(id.NameWindowSec) * time.Second,
		NameMinCount:      id.NameMinCount,
		NameConfirmCount:  id.NameConfirmCount,
		NameRatio:         id.NameRatio,
		NameMinGap:        id.NameMinGap,
		NonPlayerPrefixes: id.NonPlayerPrefixes,
		NonPlayerNames:    id.NonPlayerNames,
		MatchRosterTTL:    time.Duration(id.MatchRosterTTLSec) * time.Second,
		SeedNames:         id.SeedNames,
	}
}

// Thresholds converts the health section.
func (h HealthConfig) Thresholds() health.Thresholds {
	return health.Thresholds{
		StaleAfter:  time.Duration(h.StaleAfterSec) * time.Second,
		ErrorRatio:  h.ErrorRatio,
		MinMessages: uint64(max(h.MinMessages, 0)),
	}
}

// LogConfig converts the logging section.
func (l LoggingConfig) LogConfig() util.LogConfig {
	return util.LogConfig{
		Level:      l.Level,
		Directory:  l.Directory,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
		Console:    l.Console,
	}
}
