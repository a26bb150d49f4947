package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all stagehand server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath         string `json:"db_path"`
	DefinitionsDir string `json:"definitions_dir"`
	FileRoot       string `json:"file_root"`
	LogLevel       string `json:"log_level"`

	BackendBaseURL string `json:"backend_base_url"`
	BackendAPIKey  string `json:"backend_api_key"`
	BackendTimeout string `json:"backend_timeout"`

	PollInterval string `json:"poll_interval"`
	LeaseTTL     string `json:"lease_ttl"`
	Concurrency  int    `json:"concurrency"`

	FailureThreshold int    `json:"failure_threshold"`
	FailureCooldown  string `json:"failure_cooldown"`

	// GateRules are CEL security rules evaluated against platform command
	// requests, first match wins.
	GateRules []GateRule `json:"gate_rules"`
	// GateDefaultAllow admits commands no rule matches (default deny).
	GateDefaultAllow bool `json:"gate_default_allow"`
}

// GateRule mirrors gate.Rule for settings.json decoding.
type GateRule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
	Effect     string `json:"effect"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(stagehandDir(), "stagehand.db"),
		DefinitionsDir:   filepath.Join(stagehandDir(), "narratives"),
		LogLevel:         "info",
		PollInterval:     "15s",
		LeaseTTL:         "10m",
		Concurrency:      4,
		FailureThreshold: 3,
		FailureCooldown:  "30m",
	}
}

func stagehandDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stagehand"
	}
	return filepath.Join(home, ".stagehand")
}

func settingsPath() string {
	return filepath.Join(stagehandDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("STAGEHAND_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("STAGEHAND_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}
	if v := os.Getenv("STAGEHAND_FILE_ROOT"); v != "" {
		cfg.FileRoot = v
	}
	if v := os.Getenv("STAGEHAND_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STAGEHAND_BACKEND_BASE_URL"); v != "" {
		cfg.BackendBaseURL = v
	}
	if v := os.Getenv("STAGEHAND_BACKEND_API_KEY"); v != "" {
		cfg.BackendAPIKey = v
	}
	if v := os.Getenv("STAGEHAND_BACKEND_TIMEOUT"); v != "" {
		cfg.BackendTimeout = v
	}
	if v := os.Getenv("STAGEHAND_POLL_INTERVAL"); v != "" {
		cfg.PollInterval = v
	}
	if v := os.Getenv("STAGEHAND_LEASE_TTL"); v != "" {
		cfg.LeaseTTL = v
	}
	if v := os.Getenv("STAGEHAND_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("STAGEHAND_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.FailureThreshold = n
		}
	}
	if v := os.Getenv("STAGEHAND_FAILURE_COOLDOWN"); v != "" {
		cfg.FailureCooldown = v
	}

	return cfg
}

// duration parses a config duration, falling back when empty or invalid.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
