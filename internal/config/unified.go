package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the configuration file looked up in a config directory
const FileName = "tether.jsonc"

// UnifiedConfig is the single configuration file format for tether.jsonc.
// The client reads backend, store, logging and metrics; the reference
// backend reads server and agent.
type UnifiedConfig struct {
	Backend BackendSection `json:"backend"`
	Store   StoreSection   `json:"store"`
	Logging LoggingSection `json:"logging"`
	Metrics MetricsSection `json:"metrics"`
	Server  ServerSection  `json:"server"`
	Agent   AgentSection   `json:"agent"`
}

// BackendSection describes how the client reaches the execution backend
type BackendSection struct {
	URL                   string  `json:"url"`
	Token                 string  `json:"token"`
	ProjectID             string  `json:"project_id"`
	RequestTimeoutSeconds int     `json:"request_timeout_seconds"`
	StopTimeoutSeconds    int     `json:"stop_timeout_seconds"`
	ReconnectPerSecond    float64 `json:"reconnect_per_second"`
	ReconnectBurst        int     `json:"reconnect_burst"`
}

// StoreSection locates the local message history
type StoreSection struct {
	Dir string `json:"dir"` // relative paths resolve against the tether home
}

// LoggingSection configures slog output and the audit trail
type LoggingSection struct {
	Dir   string `json:"dir"` // empty logs to stderr only
	JSON  bool   `json:"json"`
	Level string `json:"level"`
	Audit bool   `json:"audit"`
}

// MetricsSection configures the Prometheus endpoint
type MetricsSection struct {
	Address string `json:"address"` // empty disables the client endpoint
}

// ServerSection configures the reference execution backend
type ServerSection struct {
	Address               string  `json:"address"`
	Token                 string  `json:"token"`
	IssuedTokens          bool    `json:"issued_tokens"` // also accept tokens from "tether-backend token create"
	ReconnectAfterSeconds int     `json:"reconnect_after_seconds"`
	KeepaliveSeconds      int     `json:"keepalive_seconds"`
	RetentionMinutes      int     `json:"retention_minutes"`
	EventBufferSize       int     `json:"event_buffer_size"`
	SweepIntervalSeconds  int     `json:"sweep_interval_seconds"`
	RequestsPerSecond     float64 `json:"requests_per_second"`
	Burst                 int     `json:"burst"`
}

// AgentSection selects the agent the reference backend runs
type AgentSection struct {
	WordDelayMillis int `json:"word_delay_ms"`
}

// FindConfigPath returns the path to tether.jsonc using precedence:
// 1. configDir + /tether.jsonc (if configDir specified)
// 2. ./config/tether.jsonc (project-local)
// 3. $TETHER_HOME/config/tether.jsonc
// 4. ~/.tether/config/tether.jsonc (user global)
func FindConfigPath(configDir string) (string, error) {
	if configDir != "" {
		path := filepath.Join(configDir, FileName)
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("%s not found in %s", FileName, configDir)
		}
		return absPath(path), nil
	}

	candidates := []string{
		filepath.Join("config", FileName),
	}
	if home := os.Getenv("TETHER_HOME"); home != "" {
		candidates = append(candidates, filepath.Join(home, "config", FileName))
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".tether", "config", FileName))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return absPath(path), nil
		}
	}

	return "", fmt.Errorf("%s not found; tried: %v", FileName, candidates)
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// LoadUnifiedConfig loads configuration from a single tether.jsonc file
func LoadUnifiedConfig(configPath string) (*UnifiedConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", configPath, err)
	}

	var cfg UnifiedConfig
	if err := json.Unmarshal(StripJSONComments(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", configPath, err)
	}

	applyEnvOverrides(&cfg)
	applyUnifiedDefaults(&cfg)
	return &cfg, nil
}

// DefaultUnifiedConfig returns the configuration used when no file exists
func DefaultUnifiedConfig() *UnifiedConfig {
	var cfg UnifiedConfig
	applyEnvOverrides(&cfg)
	applyUnifiedDefaults(&cfg)
	return &cfg
}

func applyEnvOverrides(cfg *UnifiedConfig) {
	if v := os.Getenv("TETHER_BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("TETHER_BACKEND_TOKEN"); v != "" {
		cfg.Backend.Token = v
	}
}

func applyUnifiedDefaults(cfg *UnifiedConfig) {
	if cfg.Backend.URL == "" {
		cfg.Backend.URL = "http://localhost:8080"
	}
	if cfg.Backend.RequestTimeoutSeconds == 0 {
		cfg.Backend.RequestTimeoutSeconds = 30
	}
	if cfg.Backend.StopTimeoutSeconds == 0 {
		cfg.Backend.StopTimeoutSeconds = 5
	}
	if cfg.Backend.ReconnectPerSecond == 0 {
		cfg.Backend.ReconnectPerSecond = 2
	}
	if cfg.Backend.ReconnectBurst == 0 {
		cfg.Backend.ReconnectBurst = 4
	}

	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "data"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.ReconnectAfterSeconds == 0 {
		cfg.Server.ReconnectAfterSeconds = 45
	}
	if cfg.Server.KeepaliveSeconds == 0 {
		cfg.Server.KeepaliveSeconds = 10
	}
	if cfg.Server.RetentionMinutes == 0 {
		cfg.Server.RetentionMinutes = 10
	}
	if cfg.Server.EventBufferSize == 0 {
		cfg.Server.EventBufferSize = 10000
	}
	if cfg.Server.SweepIntervalSeconds == 0 {
		cfg.Server.SweepIntervalSeconds = 60
	}
	if cfg.Server.RequestsPerSecond > 0 && cfg.Server.Burst == 0 {
		cfg.Server.Burst = max(int(cfg.Server.RequestsPerSecond)*2, 1)
	}

	if cfg.Agent.WordDelayMillis == 0 {
		cfg.Agent.WordDelayMillis = 80
	}
}

// Validate checks that the values can be used
func (u *UnifiedConfig) Validate() error {
	parsed, err := url.Parse(u.Backend.URL)
	if err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("backend.url must be http or https, got %q", u.Backend.URL)
	}
	if u.Backend.RequestTimeoutSeconds < 0 || u.Backend.StopTimeoutSeconds < 0 {
		return fmt.Errorf("backend timeouts must not be negative")
	}
	if u.Backend.ReconnectPerSecond < 0 || u.Backend.ReconnectBurst < 0 {
		return fmt.Errorf("backend reconnect limits must not be negative")
	}
	switch strings.ToLower(u.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", u.Logging.Level)
	}
	if u.Server.EventBufferSize < 0 {
		return fmt.Errorf("server.event_buffer_size must not be negative")
	}
	if u.Server.RetentionMinutes < 0 || u.Server.SweepIntervalSeconds < 0 {
		return fmt.Errorf("server retention and sweep interval must not be negative")
	}
	return nil
}
