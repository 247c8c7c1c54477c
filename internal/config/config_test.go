package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	cfg := *Default()
	cfg.Backend.BaseURL = "https://api.example.com"
	return cfg
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		expectError bool
		errorMsg    string
	}{
		{
			name:        "valid configuration",
			mutate:      func(c *Config) {},
			expectError: false,
		},
		{
			name: "invalid http port",
			mutate: func(c *Config) {
				c.HTTP.Port = 70000
			},
			expectError: true,
			errorMsg:    "http port must be between 1 and 65535",
		},
		{
			name: "invalid capture sample rate",
			mutate: func(c *Config) {
				c.Capture.SampleRate = 96000
			},
			expectError: true,
			errorMsg:    "sample_rate must be between 8000 and 48000",
		},
		{
			name: "udp port checked only when enabled",
			mutate: func(c *Config) {
				c.Capture.UDPEnabled = false
				c.Capture.UDPPort = 0
			},
			expectError: false,
		},
		{
			name: "invalid udp port",
			mutate: func(c *Config) {
				c.Capture.UDPEnabled = true
				c.Capture.UDPPort = 0
			},
			expectError: true,
			errorMsg:    "udp_port must be between 1 and 65535",
		},
		{
			name: "quota smaller than a single draft",
			mutate: func(c *Config) {
				c.Drafts.MaxDraftBytes = 1000
				c.Drafts.QuotaBytes = 10
			},
			expectError: true,
			errorMsg:    "quota_bytes",
		},
		{
			name: "stereo transcode target",
			mutate: func(c *Config) {
				c.Transcode.Channels = 2
			},
			expectError: true,
			errorMsg:    "channels must be 1",
		},
		{
			name: "transcode settings ignored when disabled",
			mutate: func(c *Config) {
				c.Transcode.Enabled = false
				c.Transcode.Format = "flac"
			},
			expectError: false,
		},
		{
			name: "missing backend url",
			mutate: func(c *Config) {
				c.Backend.BaseURL = ""
			},
			expectError: true,
			errorMsg:    "base_url cannot be empty",
		},
		{
			name: "too many retries",
			mutate: func(c *Config) {
				c.Backend.MaxRetries = 10
			},
			expectError: true,
			errorMsg:    "max_retries must be between 0 and 5",
		},
		{
			name: "poll timeout shorter than interval",
			mutate: func(c *Config) {
				c.Query.PollInterval = 10
				c.Query.PollTimeout = 5
			},
			expectError: true,
			errorMsg:    "poll_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				}
			}
		})
	}
}

func TestConfigLoad(t *testing.T) {
	tests := []struct {
		name        string
		configYAML  string
		expectError bool
		errorMsg    string
	}{
		{
			name: "valid config file",
			configYAML: `
http:
  port: 9000
  address: "127.0.0.1"
  enabled: true
capture:
  sample_rate: 16000
  channels: 1
  bit_depth: 16
  timeslice_ms: 500
drafts:
  path: "drafts.sqlite"
backend:
  base_url: "https://api.example.com"
  api_key: "test-key"
logging:
  level: "info"
  format: "json"
  output: "stdout"
`,
			expectError: false,
		},
		{
			name: "invalid YAML syntax",
			configYAML: `
http:
  port: invalid_number
`,
			expectError: true,
			errorMsg:    "failed to parse",
		},
		{
			name: "missing required fields",
			configYAML: `
http:
  port: 9000
`,
			expectError: true,
			errorMsg:    "base_url cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			err := os.WriteFile(configPath, []byte(tt.configYAML), 0644)
			if err != nil {
				t.Fatalf("Failed to create test config file: %v", err)
			}

			config, err := Load(configPath)

			if tt.expectError {
				if err == nil {
					t.Errorf("Expected error but got none")
				} else if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error to contain '%s', got '%s'", tt.errorMsg, err.Error())
				}
			} else {
				if err != nil {
					t.Errorf("Expected no error but got: %v", err)
				} else if config == nil {
					t.Errorf("Expected config to be loaded but got nil")
				}
			}
		})
	}
}

func TestConfigLoadDefaultsPreserved(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "backend:\n  base_url: \"http://localhost:9090\"\n"
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}

	if cfg.Recording.SnapshotInterval != 30 {
		t.Errorf("Expected default snapshot interval 30, got %d", cfg.Recording.SnapshotInterval)
	}
	if cfg.Backend.MaxRetries != 2 {
		t.Errorf("Expected default max retries 2, got %d", cfg.Backend.MaxRetries)
	}
	if cfg.Transcode.Format != "mp3" {
		t.Errorf("Expected default format mp3, got %s", cfg.Transcode.Format)
	}
}

func TestConfigLoadExpandsEnvFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SONIC_TEST_API_KEY", "")
	os.Unsetenv("SONIC_TEST_API_KEY")

	env := "SONIC_TEST_API_KEY=from-dotenv\n"
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(env), 0644); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}

	yaml := "backend:\n  base_url: \"http://localhost:9090\"\n  api_key: \"${SONIC_TEST_API_KEY}\"\n"
	configPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to create test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Expected no error but got: %v", err)
	}

	if cfg.Backend.APIKey != "from-dotenv" {
		t.Errorf("Expected api key from .env, got '%s'", cfg.Backend.APIKey)
	}
}

func TestConfigLoadNonexistentFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Fatalf("Expected error for nonexistent file but got none")
	}
	if !strings.Contains(err.Error(), "failed to read config file") {
		t.Errorf("Expected error about reading file, got: %v", err)
	}
}

func TestDurationHelpers(t *testing.T) {
	capture := CaptureConfig{TimesliceMS: 250}
	if capture.GetTimeslice() != 250*time.Millisecond {
		t.Errorf("Expected 250ms, got %v", capture.GetTimeslice())
	}

	recording := RecordingConfig{
		SnapshotInterval:   30,
		HiddenDebounce:     5,
		SessionIdleTimeout: 600,
	}
	if recording.GetSnapshotInterval() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", recording.GetSnapshotInterval())
	}
	if recording.GetHiddenDebounce() != 5*time.Second {
		t.Errorf("Expected 5 seconds, got %v", recording.GetHiddenDebounce())
	}
	if recording.GetSessionIdleTimeout() != 10*time.Minute {
		t.Errorf("Expected 10 minutes, got %v", recording.GetSessionIdleTimeout())
	}

	drafts := DraftConfig{MaxAgeHours: 48, CleanupInterval: 60}
	if drafts.GetMaxAge() != 48*time.Hour {
		t.Errorf("Expected 48 hours, got %v", drafts.GetMaxAge())
	}
	if drafts.GetCleanupInterval() != time.Minute {
		t.Errorf("Expected 1 minute, got %v", drafts.GetCleanupInterval())
	}

	backend := BackendConfig{Timeout: 30, RetryDelayMS: 1000}
	if backend.GetTimeoutDuration() != 30*time.Second {
		t.Errorf("Expected 30 seconds, got %v", backend.GetTimeoutDuration())
	}
	if backend.GetRetryDelay() != time.Second {
		t.Errorf("Expected 1 second, got %v", backend.GetRetryDelay())
	}
}

func TestLoggingConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config LoggingConfig
		valid  bool
	}{
		{
			name:   "valid json to stdout",
			config: LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
			valid:  true,
		},
		{
			name:   "valid text to stderr",
			config: LoggingConfig{Level: "debug", Format: "text", Output: "stderr"},
			valid:  true,
		},
		{
			name:   "file output needs rotation size",
			config: LoggingConfig{Level: "info", Format: "json", Output: "/var/log/capture.log"},
			valid:  false,
		},
		{
			name:   "file output with rotation",
			config: LoggingConfig{Level: "info", Format: "json", Output: "/var/log/capture.log", MaxSizeMB: 10},
			valid:  true,
		},
		{
			name:   "invalid log level",
			config: LoggingConfig{Level: "trace", Format: "json", Output: "stdout"},
			valid:  false,
		},
		{
			name:   "invalid format",
			config: LoggingConfig{Level: "info", Format: "xml", Output: "stdout"},
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.valid && err != nil {
				t.Errorf("Expected valid config but got error: %v", err)
			}
			if !tt.valid && err == nil {
				t.Errorf("Expected invalid config but got no error")
			}
		})
	}
}
