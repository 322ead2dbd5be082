// Package config loads and merges the supervisor's tunables.
//
// Defaults mirror a modem-health supervisor that has been running in
// production long enough to have its thresholds tuned by hand; Load only
// overrides a default when the corresponding environment variable is set,
// following the explicit-field, no-library style of the project's other
// env-driven tools.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Level is an escalation level, NONE being healthy and MAXIMUM being a host
// reboot.
type Level int

// Escalation levels, ordered least to most disruptive.
const (
	LevelNone Level = iota
	LevelSoft
	LevelMedium
	LevelHard
	LevelCritical
	LevelMaximum
)

// String returns the canonical name used in logs, events and the action log.
func (l Level) String() string {
	switch l {
	case LevelNone:
		return "NONE"
	case LevelSoft:
		return "SOFT"
	case LevelMedium:
		return "MEDIUM"
	case LevelHard:
		return "HARD"
	case LevelCritical:
		return "CRITICAL"
	case LevelMaximum:
		return "MAXIMUM"
	default:
		return "UNKNOWN"
	}
}

// ModemConfig describes one monitored modem.
type ModemConfig struct {
	ModemID     string
	ModemType   string // "ec25" | "sim7600"
	DataPort    string
	VolteEnabled bool
	IMSI        string
	PhoneNumber string
}

// Thresholds gates when a persisted problem becomes actionable.
type Thresholds struct {
	MaxConsecutiveFailures int
	MinRSSI                int
	MaxNoSignalMinutes     int
	MaxNotInitMinutes      int
	MaxNoProviderMinutes   int
	SmsdbMaxMessages       int
}

// SupervisorConfig is the full set of tunables for a Supervisor.
type SupervisorConfig struct {
	Enabled         bool
	CheckInterval   time.Duration
	DataDir         string
	ServiceName     string
	Thresholds      Thresholds
	Cooldowns       map[Level]time.Duration
	MaxAttempts     map[Level]int
	EnabledLevels   map[Level]bool
	Modems          []ModemConfig
}

// Default returns a SupervisorConfig populated with the documented defaults.
func Default() SupervisorConfig {
	return SupervisorConfig{
		Enabled:       true,
		CheckInterval: 60 * time.Second,
		DataDir:       "/var/lib/homenichat",
		ServiceName:   "asterisk",
		Thresholds: Thresholds{
			MaxConsecutiveFailures: 3,
			MinRSSI:                5,
			MaxNoSignalMinutes:     5,
			MaxNotInitMinutes:      2,
			MaxNoProviderMinutes:   3,
			SmsdbMaxMessages:       1000,
		},
		Cooldowns: map[Level]time.Duration{
			LevelSoft:     30 * time.Second,
			LevelMedium:   120 * time.Second,
			LevelHard:     300 * time.Second,
			LevelCritical: 600 * time.Second,
			LevelMaximum:  1800 * time.Second,
		},
		MaxAttempts: map[Level]int{
			LevelSoft:     3,
			LevelMedium:   2,
			LevelHard:     2,
			LevelCritical: 1,
			LevelMaximum:  1,
		},
		EnabledLevels: map[Level]bool{
			LevelSoft:     true,
			LevelMedium:   true,
			LevelHard:     true,
			LevelCritical: true,
			LevelMaximum:  true,
		},
	}
}

// Load returns Default() with overrides applied from environment variables.
// Per-modem configuration is not overridable this way (there's no sane
// env-var encoding for a list of structs); callers that need modems
// populate SupervisorConfig.Modems directly after Load returns.
func Load() (SupervisorConfig, error) {
	cfg := Default()

	if v, ok := os.LookupEnv("WATCHDOG_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, errors.WithMessage(err, "WATCHDOG_ENABLED")
		}
		cfg.Enabled = b
	}
	if v, ok := os.LookupEnv("WATCHDOG_CHECK_INTERVAL_MS"); ok {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.WithMessage(err, "WATCHDOG_CHECK_INTERVAL_MS")
		}
		cfg.CheckInterval = time.Duration(ms) * time.Millisecond
	}
	if v, ok := os.LookupEnv("WATCHDOG_DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := os.LookupEnv("WATCHDOG_SERVICE_NAME"); ok {
		cfg.ServiceName = v
	}
	if v, ok := os.LookupEnv("WATCHDOG_MAX_CONSECUTIVE_FAILURES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.WithMessage(err, "WATCHDOG_MAX_CONSECUTIVE_FAILURES")
		}
		cfg.Thresholds.MaxConsecutiveFailures = n
	}
	if v, ok := os.LookupEnv("WATCHDOG_MIN_RSSI"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.WithMessage(err, "WATCHDOG_MIN_RSSI")
		}
		cfg.Thresholds.MinRSSI = n
	}
	if v, ok := os.LookupEnv("WATCHDOG_MAX_NO_SIGNAL_MINUTES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.WithMessage(err, "WATCHDOG_MAX_NO_SIGNAL_MINUTES")
		}
		cfg.Thresholds.MaxNoSignalMinutes = n
	}
	if v, ok := os.LookupEnv("WATCHDOG_MAX_NOT_INIT_MINUTES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.WithMessage(err, "WATCHDOG_MAX_NOT_INIT_MINUTES")
		}
		cfg.Thresholds.MaxNotInitMinutes = n
	}
	if v, ok := os.LookupEnv("WATCHDOG_MAX_NO_PROVIDER_MINUTES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.WithMessage(err, "WATCHDOG_MAX_NO_PROVIDER_MINUTES")
		}
		cfg.Thresholds.MaxNoProviderMinutes = n
	}
	if v, ok := os.LookupEnv("WATCHDOG_SMSDB_MAX_MESSAGES"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, errors.WithMessage(err, "WATCHDOG_SMSDB_MAX_MESSAGES")
		}
		cfg.Thresholds.SmsdbMaxMessages = n
	}
	if v, ok := os.LookupEnv("WATCHDOG_ENABLE_MAXIMUM"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, errors.WithMessage(err, "WATCHDOG_ENABLE_MAXIMUM")
		}
		cfg.EnabledLevels[LevelMaximum] = b
	}
	return cfg, nil
}

// Merge applies updates on top of cfg and returns the result. Only non-zero
// fields of updates are applied; Cooldowns/MaxAttempts/EnabledLevels are
// merged key-by-key rather than replacing the whole map, so a partial
// reconfigure doesn't silently reset levels the caller didn't mention.
func Merge(cfg SupervisorConfig, updates SupervisorConfig) SupervisorConfig {
	merged := cfg
	if updates.Enabled {
		merged.Enabled = updates.Enabled
	}
	if updates.CheckInterval != 0 {
		merged.CheckInterval = updates.CheckInterval
	}
	if updates.DataDir != "" {
		merged.DataDir = updates.DataDir
	}
	if updates.ServiceName != "" {
		merged.ServiceName = updates.ServiceName
	}
	if updates.Thresholds != (Thresholds{}) {
		merged.Thresholds = updates.Thresholds
	}
	merged.Cooldowns = mergeDurations(cfg.Cooldowns, updates.Cooldowns)
	merged.MaxAttempts = mergeInts(cfg.MaxAttempts, updates.MaxAttempts)
	merged.EnabledLevels = mergeBools(cfg.EnabledLevels, updates.EnabledLevels)
	if updates.Modems != nil {
		merged.Modems = updates.Modems
	}
	return merged
}

func mergeDurations(base, overrides map[Level]time.Duration) map[Level]time.Duration {
	out := make(map[Level]time.Duration, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func mergeInts(base, overrides map[Level]int) map[Level]int {
	out := make(map[Level]int, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func mergeBools(base, overrides map[Level]bool) map[Level]bool {
	out := make(map[Level]bool, len(base))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
