package config

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/HyphaGroup/tether/internal/backend"
	"github.com/HyphaGroup/tether/internal/execserver"
	"github.com/HyphaGroup/tether/internal/logger"
)

// LoadedConfig holds the configuration loaded from tether.jsonc, resolved
// against the tether home directory
type LoadedConfig struct {
	*UnifiedConfig
	Path    string // empty when running on defaults
	HomeDir string // parent of the config directory; data and logs live here
}

// LoadAll loads configuration from tether.jsonc. When configDir is empty and
// no file exists anywhere in the search path the defaults are used, so the
// client works without running init first.
func LoadAll(configDir string) (*LoadedConfig, error) {
	configPath, err := FindConfigPath(configDir)
	if err != nil {
		if configDir != "" {
			return nil, err
		}
		return &LoadedConfig{UnifiedConfig: DefaultUnifiedConfig(), HomeDir: DefaultHomeDir()}, nil
	}

	unified, err := LoadUnifiedConfig(configPath)
	if err != nil {
		return nil, err
	}
	return &LoadedConfig{
		UnifiedConfig: unified,
		Path:          configPath,
		HomeDir:       filepath.Dir(filepath.Dir(configPath)),
	}, nil
}

// DefaultHomeDir returns $TETHER_HOME, falling back to ~/.tether
func DefaultHomeDir() string {
	if home := os.Getenv("TETHER_HOME"); home != "" {
		return absPath(home)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".tether")
	}
	return ".tether"
}

func (c *LoadedConfig) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.HomeDir, path)
}

// StoreDir is the directory holding the local message database
func (c *LoadedConfig) StoreDir() string {
	return c.resolve(c.Store.Dir)
}

// LoggerOptions returns the slog settings
func (c *LoadedConfig) LoggerOptions() logger.Options {
	return logger.Options{
		Dir:   c.resolve(c.Logging.Dir),
		JSON:  c.Logging.JSON,
		Level: c.Logging.Level,
	}
}

// ClientOptions returns the settings for the backend HTTP client
func (c *LoadedConfig) ClientOptions() backend.ClientOptions {
	opts := backend.ClientOptions{
		BaseURL:            c.Backend.URL,
		RequestTimeout:     seconds(c.Backend.RequestTimeoutSeconds),
		ReconnectPerSecond: c.Backend.ReconnectPerSecond,
		ReconnectBurst:     c.Backend.ReconnectBurst,
	}
	if c.Backend.Token != "" {
		opts.Header = http.Header{}
		opts.Header.Set("Authorization", "Bearer "+c.Backend.Token)
	}
	return opts
}

// StopTimeout bounds the best-effort stop request sent on cancel
func (c *LoadedConfig) StopTimeout() time.Duration {
	return seconds(c.Backend.StopTimeoutSeconds)
}

// ServerOptions returns the HTTP settings of the reference backend
func (c *LoadedConfig) ServerOptions() execserver.ServerOptions {
	return execserver.ServerOptions{
		ReconnectAfter:    seconds(c.Server.ReconnectAfterSeconds),
		KeepaliveInterval: seconds(c.Server.KeepaliveSeconds),
		Token:             c.Server.Token,
		RequestsPerSecond: c.Server.RequestsPerSecond,
		Burst:             c.Server.Burst,
	}
}

// ManagerOptions returns the execution manager settings for an agent
func (c *LoadedConfig) ManagerOptions(agent execserver.Agent) execserver.ManagerOptions {
	return execserver.ManagerOptions{
		Agent:        agent,
		EventLogSize: c.Server.EventBufferSize,
		Retention:    time.Duration(c.Server.RetentionMinutes) * time.Minute,
	}
}

// SweepInterval is how often finished executions are evicted
func (c *LoadedConfig) SweepInterval() time.Duration {
	return seconds(c.Server.SweepIntervalSeconds)
}

// DemoAgent returns the demo agent the reference backend runs
func (c *LoadedConfig) DemoAgent() execserver.Agent {
	return &execserver.EchoAgent{WordDelay: time.Duration(c.Agent.WordDelayMillis) * time.Millisecond}
}

// seconds keeps negative values negative so "disabled" survives conversion
func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
