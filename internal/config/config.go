package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Capture   CaptureConfig   `yaml:"capture"`
	Drafts    DraftConfig     `yaml:"drafts"`
	Recording RecordingConfig `yaml:"recording"`
	Transcode TranscodeConfig `yaml:"transcode"`
	Backend   BackendConfig   `yaml:"backend"`
	Query     QueryConfig     `yaml:"query"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// HTTPConfig contains the local control API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// CaptureConfig describes the capture devices
type CaptureConfig struct {
	// Local PCM source, run as a child process. Empty disables local capture.
	Command     []string `yaml:"command"`
	SampleRate  int      `yaml:"sample_rate"`
	Channels    int      `yaml:"channels"`
	BitDepth    int      `yaml:"bit_depth"`
	TimesliceMS int      `yaml:"timeslice_ms"`

	// Network ingest for remote microphones
	UDPEnabled  bool   `yaml:"udp_enabled"`
	UDPPort     int    `yaml:"udp_port"`
	BindAddress string `yaml:"bind_address"`
	BufferSize  int    `yaml:"buffer_size"`
	MaxGap      int    `yaml:"max_gap"` // frames
}

// DraftConfig contains draft persistence configuration
type DraftConfig struct {
	Path            string  `yaml:"path"`
	MaxDraftBytes   int64   `yaml:"max_draft_bytes"`
	QuotaBytes      int64   `yaml:"quota_bytes"`
	QuotaWarnRatio  float64 `yaml:"quota_warn_ratio"`
	MaxAgeHours     int     `yaml:"max_age_hours"`
	CleanupInterval int     `yaml:"cleanup_interval"` // seconds
}

// RecordingConfig contains recording controller timing
type RecordingConfig struct {
	SnapshotInterval   int `yaml:"snapshot_interval"`    // seconds
	HiddenDebounce     int `yaml:"hidden_debounce"`      // seconds
	SessionIdleTimeout int `yaml:"session_idle_timeout"` // seconds
}

// TranscodeConfig contains transcoding engine configuration
type TranscodeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	FFmpegPath string `yaml:"ffmpeg_path"`
	Format     string `yaml:"format"`
	Bitrate    string `yaml:"bitrate"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	Timeout    int    `yaml:"timeout"` // seconds
}

// BackendConfig contains remote REST backend configuration
type BackendConfig struct {
	BaseURL       string `yaml:"base_url"`
	APIKey        string `yaml:"api_key"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	RetryDelayMS  int    `yaml:"retry_delay_ms"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// QueryConfig contains cache staleness windows and polling. A staleness of
// 0 always refetches.
type QueryConfig struct {
	CategoriesStale    int `yaml:"categories_stale"`    // seconds
	JobsStale          int `yaml:"jobs_stale"`          // seconds
	JobStale           int `yaml:"job_stale"`           // seconds
	TranscriptionStale int `yaml:"transcription_stale"` // seconds
	SharingStale       int `yaml:"sharing_stale"`       // seconds
	PollInterval       int `yaml:"poll_interval"`       // seconds
	PollTimeout        int `yaml:"poll_timeout"`        // seconds
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// Load reads and parses the configuration file. A .env file next to the
// config (if present) is loaded first so ${VAR} references can be expanded.
func Load(path string) (*Config, error) {
	envPath := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file %s: %w", envPath, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns a configuration with every optional value filled in.
// Values present in the YAML file override these.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Port: 8088, Address: "127.0.0.1", Enabled: true},
		Capture: CaptureConfig{
			SampleRate:  16000,
			Channels:    1,
			BitDepth:    16,
			TimesliceMS: 1000,
			UDPPort:     4444,
			BindAddress: "0.0.0.0",
			BufferSize:  65536,
			MaxGap:      20,
		},
		Drafts: DraftConfig{
			Path:            "data/drafts.sqlite",
			MaxDraftBytes:   100 << 20,
			QuotaBytes:      1 << 30,
			QuotaWarnRatio:  0.9,
			MaxAgeHours:     7 * 24,
			CleanupInterval: 3600,
		},
		Recording: RecordingConfig{
			SnapshotInterval:   30,
			HiddenDebounce:     5,
			SessionIdleTimeout: 3600,
		},
		Transcode: TranscodeConfig{
			Enabled:    true,
			FFmpegPath: "ffmpeg",
			Format:     "mp3",
			Bitrate:    "64k",
			SampleRate: 16000,
			Channels:   1,
			Timeout:    120,
		},
		Backend: BackendConfig{
			Timeout:       60,
			MaxRetries:    2,
			RetryDelayMS:  1000,
			MaxConcurrent: 4,
		},
		Query: QueryConfig{
			CategoriesStale:    300,
			JobsStale:          30,
			JobStale:           30,
			TranscriptionStale: 10,
			SharingStale:       60,
			PollInterval:       5,
			PollTimeout:        600,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}

	if err := c.Drafts.Validate(); err != nil {
		return fmt.Errorf("drafts config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Transcode.Validate(); err != nil {
		return fmt.Errorf("transcode config: %w", err)
	}

	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("backend config: %w", err)
	}

	if err := c.Query.Validate(); err != nil {
		return fmt.Errorf("query config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates capture configuration
func (c *CaptureConfig) Validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", c.SampleRate)
	}

	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}

	if c.BitDepth != 16 {
		return fmt.Errorf("bit_depth must be 16, got %d", c.BitDepth)
	}

	if c.TimesliceMS < 20 {
		return fmt.Errorf("timeslice_ms must be at least 20, got %d", c.TimesliceMS)
	}

	if c.UDPEnabled {
		if c.UDPPort < 1 || c.UDPPort > 65535 {
			return fmt.Errorf("udp_port must be between 1 and 65535, got %d", c.UDPPort)
		}

		if c.BindAddress == "" {
			return fmt.Errorf("bind_address cannot be empty")
		}

		if c.BufferSize < 1024 {
			return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", c.BufferSize)
		}
	}

	if c.MaxGap < 1 {
		return fmt.Errorf("max_gap must be at least 1, got %d", c.MaxGap)
	}

	return nil
}

// Validate validates draft store configuration
func (d *DraftConfig) Validate() error {
	if d.Path == "" {
		return fmt.Errorf("path cannot be empty")
	}

	if d.MaxDraftBytes < 1 {
		return fmt.Errorf("max_draft_bytes must be positive, got %d", d.MaxDraftBytes)
	}

	if d.QuotaBytes < d.MaxDraftBytes {
		return fmt.Errorf("quota_bytes (%d) must be at least max_draft_bytes (%d)", d.QuotaBytes, d.MaxDraftBytes)
	}

	if d.QuotaWarnRatio <= 0 || d.QuotaWarnRatio > 1 {
		return fmt.Errorf("quota_warn_ratio must be in (0, 1], got %f", d.QuotaWarnRatio)
	}

	if d.MaxAgeHours < 1 {
		return fmt.Errorf("max_age_hours must be at least 1, got %d", d.MaxAgeHours)
	}

	if d.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", d.CleanupInterval)
	}

	return nil
}

// Validate validates recording timing configuration
func (r *RecordingConfig) Validate() error {
	if r.SnapshotInterval < 1 {
		return fmt.Errorf("snapshot_interval must be at least 1 second, got %d", r.SnapshotInterval)
	}

	if r.HiddenDebounce < 0 {
		return fmt.Errorf("hidden_debounce cannot be negative, got %d", r.HiddenDebounce)
	}

	if r.SessionIdleTimeout < 1 {
		return fmt.Errorf("session_idle_timeout must be at least 1 second, got %d", r.SessionIdleTimeout)
	}

	return nil
}

// Validate validates transcode configuration
func (t *TranscodeConfig) Validate() error {
	if !t.Enabled {
		return nil
	}

	if t.FFmpegPath == "" {
		return fmt.Errorf("ffmpeg_path cannot be empty when transcoding is enabled")
	}

	validFormats := map[string]bool{"mp3": true, "ogg": true, "wav": true}
	if !validFormats[t.Format] {
		return fmt.Errorf("format must be one of [mp3, ogg, wav], got '%s'", t.Format)
	}

	if t.SampleRate < 8000 || t.SampleRate > 48000 {
		return fmt.Errorf("sample_rate must be between 8000 and 48000 Hz, got %d", t.SampleRate)
	}

	if t.Channels != 1 {
		return fmt.Errorf("channels must be 1 (mono) for the speech pipeline, got %d", t.Channels)
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	return nil
}

// Validate validates backend configuration
func (b *BackendConfig) Validate() error {
	if b.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}

	if b.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", b.Timeout)
	}

	if b.MaxRetries < 0 || b.MaxRetries > 5 {
		return fmt.Errorf("max_retries must be between 0 and 5, got %d", b.MaxRetries)
	}

	if b.RetryDelayMS < 0 {
		return fmt.Errorf("retry_delay_ms cannot be negative, got %d", b.RetryDelayMS)
	}

	if b.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", b.MaxConcurrent)
	}

	return nil
}

// Validate validates query cache configuration
func (q *QueryConfig) Validate() error {
	stale := map[string]int{
		"categories_stale":    q.CategoriesStale,
		"jobs_stale":          q.JobsStale,
		"job_stale":           q.JobStale,
		"transcription_stale": q.TranscriptionStale,
		"sharing_stale":       q.SharingStale,
	}
	for name, v := range stale {
		if v < 0 {
			return fmt.Errorf("%s cannot be negative, got %d", name, v)
		}
	}

	if q.PollInterval < 1 {
		return fmt.Errorf("poll_interval must be at least 1 second, got %d", q.PollInterval)
	}

	if q.PollTimeout < q.PollInterval {
		return fmt.Errorf("poll_timeout (%d) must be at least poll_interval (%d)", q.PollTimeout, q.PollInterval)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Anything other than stdout/stderr is a file path and gets rotated
	if l.Output != "stdout" && l.Output != "stderr" && l.Output != "" {
		if l.MaxSizeMB < 1 {
			return fmt.Errorf("max_size_mb must be at least 1 for file output, got %d", l.MaxSizeMB)
		}
	}

	return nil
}

// GetTimeslice returns the capture timeslice as a time.Duration
func (c *CaptureConfig) GetTimeslice() time.Duration {
	return time.Duration(c.TimesliceMS) * time.Millisecond
}

// GetMaxAge returns the draft retention as a time.Duration
func (d *DraftConfig) GetMaxAge() time.Duration {
	return time.Duration(d.MaxAgeHours) * time.Hour
}

// GetCleanupInterval returns the draft GC interval as a time.Duration
func (d *DraftConfig) GetCleanupInterval() time.Duration {
	return time.Duration(d.CleanupInterval) * time.Second
}

// GetSnapshotInterval returns the periodic snapshot interval as a time.Duration
func (r *RecordingConfig) GetSnapshotInterval() time.Duration {
	return time.Duration(r.SnapshotInterval) * time.Second
}

// GetHiddenDebounce returns the visibility-loss debounce as a time.Duration
func (r *RecordingConfig) GetHiddenDebounce() time.Duration {
	return time.Duration(r.HiddenDebounce) * time.Second
}

// GetSessionIdleTimeout returns the idle session eviction timeout
func (r *RecordingConfig) GetSessionIdleTimeout() time.Duration {
	return time.Duration(r.SessionIdleTimeout) * time.Second
}

// GetTimeoutDuration returns the transcode timeout as a time.Duration
func (t *TranscodeConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// GetTimeoutDuration returns the backend request timeout as a time.Duration
func (b *BackendConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(b.Timeout) * time.Second
}

// GetRetryDelay returns the fixed backoff between retries
func (b *BackendConfig) GetRetryDelay() time.Duration {
	return time.Duration(b.RetryDelayMS) * time.Millisecond
}

// Seconds converts one of the query staleness fields to a time.Duration
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}
