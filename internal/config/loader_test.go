package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStripJSONComments(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"line comment", "{\"a\": 1 // one\n}", "{\"a\": 1 \n}"},
		{"block comment", `{/* x */"a": 1}`, `{"a": 1}`},
		{"comment markers inside strings", `{"url": "http://x/*y*/"}`, `{"url": "http://x/*y*/"}`},
		{"escaped quote in string", `{"a": "say \"//hi\""}`, `{"a": "say \"//hi\""}`},
		{"escaped backslash before quote", `{"a": "c:\\", "b": 1 // c` + "\n}", `{"a": "c:\\", "b": 1 ` + "\n}"},
		{"trailing comma in object", `{"a": 1,}`, `{"a": 1}`},
		{"trailing comma in array before comment", "[1, 2, // end\n]", "[1, 2 \n]"},
		{"comma inside string kept", `{"a": ",}"}`, `{"a": ",}"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(StripJSONComments([]byte(tt.input)))
			if got != tt.want {
				t.Errorf("StripJSONComments(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadUnifiedConfig(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("valid unified config", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "valid.jsonc")
		configJSON := `{
			// Test config
			"backend": {
				"url": "https://agents.example.com",
				"token": "secret",
				"reconnect_per_second": 5,
			},
			"server": {"address": ":9000", "keepalive_seconds": -1},
			"logging": {"level": "debug", "json": true},
		}`
		_ = os.WriteFile(configPath, []byte(configJSON), 0o644)

		cfg, err := LoadUnifiedConfig(configPath)
		if err != nil {
			t.Fatalf("LoadUnifiedConfig() error = %v", err)
		}
		if cfg.Backend.URL != "https://agents.example.com" {
			t.Errorf("Backend.URL = %q, want %q", cfg.Backend.URL, "https://agents.example.com")
		}
		if cfg.Backend.ReconnectPerSecond != 5 {
			t.Errorf("Backend.ReconnectPerSecond = %v, want 5", cfg.Backend.ReconnectPerSecond)
		}
		if cfg.Server.Address != ":9000" {
			t.Errorf("Server.Address = %q, want %q", cfg.Server.Address, ":9000")
		}
		if cfg.Server.KeepaliveSeconds != -1 {
			t.Errorf("Server.KeepaliveSeconds = %d, want -1", cfg.Server.KeepaliveSeconds)
		}
		if !cfg.Logging.JSON || cfg.Logging.Level != "debug" {
			t.Errorf("Logging = %+v, want json debug", cfg.Logging)
		}
	})

	t.Run("applies defaults for missing fields", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "minimal.jsonc")
		_ = os.WriteFile(configPath, []byte(`{}`), 0o644)

		cfg, err := LoadUnifiedConfig(configPath)
		if err != nil {
			t.Fatalf("LoadUnifiedConfig() error = %v", err)
		}
		if cfg.Backend.URL != "http://localhost:8080" {
			t.Errorf("Backend.URL = %q, want default", cfg.Backend.URL)
		}
		if cfg.Backend.StopTimeoutSeconds != 5 {
			t.Errorf("Backend.StopTimeoutSeconds = %d, want 5", cfg.Backend.StopTimeoutSeconds)
		}
		if cfg.Server.ReconnectAfterSeconds != 45 {
			t.Errorf("Server.ReconnectAfterSeconds = %d, want 45", cfg.Server.ReconnectAfterSeconds)
		}
		if cfg.Server.EventBufferSize != 10000 {
			t.Errorf("Server.EventBufferSize = %d, want 10000", cfg.Server.EventBufferSize)
		}
		if cfg.Store.Dir != "data" {
			t.Errorf("Store.Dir = %q, want %q", cfg.Store.Dir, "data")
		}
	})

	t.Run("environment overrides backend url", func(t *testing.T) {
		t.Setenv("TETHER_BACKEND_URL", "http://override:1234")
		configPath := filepath.Join(tmpDir, "env.jsonc")
		_ = os.WriteFile(configPath, []byte(`{"backend": {"url": "http://file:1"}}`), 0o644)

		cfg, err := LoadUnifiedConfig(configPath)
		if err != nil {
			t.Fatalf("LoadUnifiedConfig() error = %v", err)
		}
		if cfg.Backend.URL != "http://override:1234" {
			t.Errorf("Backend.URL = %q, want env override", cfg.Backend.URL)
		}
	})

	t.Run("invalid JSON returns error", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, "invalid.jsonc")
		_ = os.WriteFile(configPath, []byte(`{invalid json}`), 0o644)

		if _, err := LoadUnifiedConfig(configPath); err == nil {
			t.Error("LoadUnifiedConfig() should return error for invalid JSON")
		}
	})
}

func TestFindConfigPath(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("finds config in specified dir", func(t *testing.T) {
		configPath := filepath.Join(tmpDir, FileName)
		_ = os.WriteFile(configPath, []byte(`{}`), 0o644)

		found, err := FindConfigPath(tmpDir)
		if err != nil {
			t.Fatalf("FindConfigPath() error = %v", err)
		}
		if found != configPath {
			t.Errorf("FindConfigPath() = %q, want %q", found, configPath)
		}
	})

	t.Run("finds config under TETHER_HOME", func(t *testing.T) {
		home := t.TempDir()
		_ = os.MkdirAll(filepath.Join(home, "config"), 0o755)
		configPath := filepath.Join(home, "config", FileName)
		_ = os.WriteFile(configPath, []byte(`{}`), 0o644)
		t.Setenv("TETHER_HOME", home)
		t.Chdir(t.TempDir())

		found, err := FindConfigPath("")
		if err != nil {
			t.Fatalf("FindConfigPath() error = %v", err)
		}
		if found != configPath {
			t.Errorf("FindConfigPath() = %q, want %q", found, configPath)
		}
	})

	t.Run("error when config not found", func(t *testing.T) {
		if _, err := FindConfigPath(filepath.Join(tmpDir, "nonexistent")); err == nil {
			t.Error("FindConfigPath() should return error when config not found")
		}
	})
}

func TestLoadAll(t *testing.T) {
	t.Run("loads config and resolves paths against home", func(t *testing.T) {
		home := t.TempDir()
		configDir := filepath.Join(home, "config")
		_ = os.MkdirAll(configDir, 0o755)
		configJSON := `{
			"backend": {"token": "abc", "request_timeout_seconds": 7},
			"store": {"dir": "history"},
			"logging": {"dir": "logs"},
			"server": {"keepalive_seconds": -1, "retention_minutes": 2}
		}`
		_ = os.WriteFile(filepath.Join(configDir, FileName), []byte(configJSON), 0o644)

		cfg, err := LoadAll(configDir)
		if err != nil {
			t.Fatalf("LoadAll() error = %v", err)
		}
		if cfg.HomeDir != home {
			t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, home)
		}
		if got := cfg.StoreDir(); got != filepath.Join(home, "history") {
			t.Errorf("StoreDir() = %q", got)
		}
		if got := cfg.LoggerOptions().Dir; got != filepath.Join(home, "logs") {
			t.Errorf("LoggerOptions().Dir = %q", got)
		}

		client := cfg.ClientOptions()
		if client.RequestTimeout != 7*time.Second {
			t.Errorf("RequestTimeout = %v, want 7s", client.RequestTimeout)
		}
		if got := client.Header.Get("Authorization"); got != "Bearer abc" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}

		server := cfg.ServerOptions()
		if server.KeepaliveInterval >= 0 {
			t.Errorf("KeepaliveInterval = %v, want negative (disabled)", server.KeepaliveInterval)
		}
		if got := cfg.ManagerOptions(nil).Retention; got != 2*time.Minute {
			t.Errorf("Retention = %v, want 2m", got)
		}
	})

	t.Run("falls back to defaults when nothing is found", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("TETHER_HOME", home)
		t.Setenv("HOME", t.TempDir())
		t.Chdir(t.TempDir())

		cfg, err := LoadAll("")
		if err != nil {
			t.Fatalf("LoadAll() error = %v", err)
		}
		if cfg.Path != "" {
			t.Errorf("Path = %q, want empty", cfg.Path)
		}
		if cfg.HomeDir != home {
			t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, home)
		}
		if cfg.ClientOptions().Header != nil {
			t.Error("no token configured, expected no auth header")
		}
	})

	t.Run("explicit dir without config is an error", func(t *testing.T) {
		if _, err := LoadAll(t.TempDir()); err == nil {
			t.Error("LoadAll() should fail when the given dir has no config")
		}
	})
}

func TestUnifiedConfig_Validate(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		if err := DefaultUnifiedConfig().Validate(); err != nil {
			t.Errorf("Validate() error = %v", err)
		}
	})

	t.Run("rejects non-http backend", func(t *testing.T) {
		cfg := DefaultUnifiedConfig()
		cfg.Backend.URL = "ftp://example.com"
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() should reject ftp backend url")
		}
	})

	t.Run("rejects unknown log level", func(t *testing.T) {
		cfg := DefaultUnifiedConfig()
		cfg.Logging.Level = "verbose"
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() should reject unknown level")
		}
	})
}
