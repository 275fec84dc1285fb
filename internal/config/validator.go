package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"github.com/energizer-project/photonmeter/internal/meter"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate performs comprehensive validation of the configuration.
func Validate(cfg *Config) *ValidationResult {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	result := &ValidationResult{}

	validateCapture(&cfg.Capture, result)
	validateMeter(&cfg.Meter, result)
	validateIdentity(&cfg.Identity, result)
	validateProtocol(cfg, result)
	validateDiagnostics(&cfg.Diagnostics, result)
	validateStorage(&cfg.Storage, result)
	validateMQTT(&cfg.MQTT, result)
	validateAPI(&cfg.API, cfg.Capture.Port, result)
	validateHealth(&cfg.Health, result)
	validateLogging(&cfg.Logging, result)

	return result
}

func validateCapture(c *CaptureConfig, result *ValidationResult) {
	if c.Port < 0 || c.Port > 65535 {
		result.AddError("capture.port", fmt.Sprintf("invalid port number: %d (must be 0-65535)", c.Port))
	} else if c.Port == 0 {
		result.AddWarning("capture.port", "port 0 captures every UDP flow and disables outbound detection")
	}
	if c.Snaplen < 128 {
		result.AddError("capture.snaplen", "snaplen must be at least 128 bytes")
	} else if c.Snaplen < 1500 {
		result.AddWarning("capture.snaplen", "snaplen below 1500 truncates full-size datagrams")
	}
}

func validateMeter(m *MeterConfig, result *ValidationResult) {
	if !meter.Mode(m.Mode).Valid() {
		result.AddError("meter.mode", fmt.Sprintf("unknown mode %q (battle, zone or manual)", m.Mode))
	}
	if m.WindowSec < 1 {
		result.AddError("meter.window_sec", "rolling window must be at least 1 second")
	}
	if m.IdleTimeoutSec < 1 {
		result.AddError("meter.idle_timeout_sec", "idle timeout must be at least 1 second")
	}
	if m.HistoryLimit < 1 {
		result.AddError("meter.history_limit", "history limit must be at least 1")
	}
	if m.ZoneSettleMs < 0 {
		result.AddError("meter.zone_settle_ms", "zone settle must not be negative")
	}
	if m.SnapshotIntervalMs < 0 {
		result.AddError("meter.snapshot_interval_ms", "snapshot interval must not be negative")
	} else if m.SnapshotIntervalMs > 0 && m.SnapshotIntervalMs < 100 {
		result.AddWarning("meter.snapshot_interval_ms", "snapshot interval below 100ms may flood subscribers")
	}
	if m.HealthTTLSec < 1 {
		result.AddError("meter.health_ttl_sec", "health ttl must be at least 1 second")
	}
	if m.QueueSize < 1 {
		result.AddError("meter.queue_size", "queue size must be at least 1")
	}
	if m.Mode == string(meter.ModeManual) && !m.ManualAutoStart {
		result.AddWarning("meter.manual_auto_start", "manual mode starts stopped until toggled")
	}
}

func validateIdentity(id *IdentityConfig, result *ValidationResult) {
	positive := map[string]int{
		"identity.target_ttl_ms":        id.TargetTTLMs,
		"identity.outbound_window_ms":   id.OutboundWindowMs,
		"identity.candidate_ttl_sec":    id.CandidateTTLSec,
		"identity.name_window_sec":      id.NameWindowSec,
		"identity.match_roster_ttl_sec": id.MatchRosterTTLSec,
	}
	for field, v := range positive {
		if v <= 0 {
			result.AddError(field, "must be positive")
		}
	}
	if id.MinScore <= 0 {
		result.AddError("identity.min_score", "must be positive")
	}
	if id.MinGap < 0 {
		result.AddError("identity.min_gap", "must not be negative")
	}
	if id.NameMinCount < 1 {
		result.AddError("identity.name_min_count", "must be at least 1")
	}
	if id.NameConfirmCount < id.NameMinCount {
		result.AddError("identity.name_confirm_count", "must be at least name_min_count")
	}
	if id.NameRatio < 1 {
		result.AddError("identity.name_ratio", "must be at least 1")
	}
	if id.NameMinGap < 0 {
		result.AddError("identity.name_min_gap", "must not be negative")
	}
	if id.Strict && len(id.SeedNames) == 0 {
		result.AddWarning("identity.strict", "strict mode without seed names drops everything until a party roster arrives")
	}
}

func validateProtocol(cfg *Config, result *ValidationResult) {
	if err := cfg.Protocol.Validate(); err != nil {
		result.AddError("protocol", err.Error())
	}
}

func validateDiagnostics(d *DiagnosticsConfig, result *ValidationResult) {
	if !d.Enabled {
		return
	}
	if strings.TrimSpace(d.File) == "" {
		result.AddError("diagnostics.file", "file is required when diagnostics are enabled")
	}
	if d.MaxSizeMB < 1 {
		result.AddError("diagnostics.max_size_mb", "must be at least 1")
	}
	if d.MaxBytes < 0 {
		result.AddError("diagnostics.max_bytes", "must not be negative")
	}
}

func validateStorage(s *StorageConfig, result *ValidationResult) {
	if !s.Enabled {
		return
	}
	if strings.TrimSpace(s.Path) == "" {
		result.AddError("storage.path", "path is required when storage is enabled")
	}
	if s.RetentionDays < 0 {
		result.AddError("storage.retention_days", "must not be negative")
	} else if s.RetentionDays == 0 {
		result.AddWarning("storage.retention_days", "history is never pruned")
	}
	if s.PruneIntervalMinute < 1 {
		result.AddError("storage.prune_interval_min", "must be at least 1")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "cert_file and key_file must be set together")
	}
	if m.CertFile != "" && !m.UseTLS {
		result.AddWarning("mqtt.use_tls", "client certificate is ignored without TLS")
	}
	if m.SnapshotEverySec < 0 {
		result.AddError("mqtt.snapshot_every_sec", "must not be negative")
	}
	if strings.ContainsAny(m.TopicPrefix, "#+") {
		result.AddError("mqtt.topic_prefix", "topic prefix must not contain wildcards")
	}
}

func validateAPI(a *APIConfig, gamePort int, result *ValidationResult) {
	if !a.Enabled {
		return
	}
	validatePort(a.Port, "api.port", result)
	if a.Port == gamePort {
		result.AddError("api.port", "port conflict detected: API and game port must differ")
	}
	if a.Host != "" && net.ParseIP(a.Host) == nil && a.Host != "localhost" {
		result.AddWarning("api.host", fmt.Sprintf("host %q is not an IP address", a.Host))
	}
	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps",
			"rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func validateHealth(h *HealthConfig, result *ValidationResult) {
	if h.CheckIntervalSec < 1 {
		result.AddError("health.check_interval_sec", "must be at least 1")
	}
	if h.DiskIntervalSec < 1 {
		result.AddError("health.disk_interval_sec", "must be at least 1")
	}
	if h.StaleAfterSec < 1 {
		result.AddError("health.stale_after_sec", "must be at least 1")
	}
	if h.ErrorRatio <= 0 || h.ErrorRatio > 1 {
		result.AddError("health.error_ratio", "must be in (0, 1]")
	}
	if h.MinMessages < 0 {
		result.AddError("health.min_messages", "must not be negative")
	}
}

func validateLogging(l *LoggingConfig, result *ValidationResult) {
	if _, err := zerolog.ParseLevel(l.Level); err != nil {
		result.AddWarning("logging.level", fmt.Sprintf("unknown level %q, using info", l.Level))
	}
	if strings.TrimSpace(l.Directory) == "" {
		result.AddError("logging.directory", "log directory is required")
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}

// IsPortAvailable checks if a TCP port is available for binding on host.
func IsPortAvailable(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
