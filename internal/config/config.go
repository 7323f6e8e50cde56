// Package config provides configuration loading for the chat bridge.
//
// Server and child-process settings come from environment variables.
// The channel map, allow-list, and formatting options live in a YAML
// file because they are structured and operator-edited.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChannelBinding maps a chat channel to a working directory for the child
// process and an optional display name.
type ChannelBinding struct {
	Path string `yaml:"path"`
	Name string `yaml:"name"`
}

// Formatting controls how child output is rendered for the chat platform.
type Formatting struct {
	Mode       string `yaml:"mode"`        // full, compact, code-only
	MaxLength  int    `yaml:"max_length"`  // per-message character budget
	LongOutput string `yaml:"long_output"` // truncate, split, file
	StripANSI  *bool  `yaml:"strip_ansi"`
}

// StartupStep is one scripted keystroke replayed after each child start,
// used to dismiss interactive first-run prompts. Delay is a Go duration
// string (e.g. "500ms").
type StartupStep struct {
	Input string `yaml:"input"`
	Delay string `yaml:"delay"`
}

// FileConfig is the YAML portion of the configuration.
type FileConfig struct {
	Channels        map[string]ChannelBinding `yaml:"channels"`
	DefaultPath     string                    `yaml:"default_path"`
	DefaultName     string                    `yaml:"default_name"`
	AllowedUserIDs  []string                  `yaml:"allowed_user_ids"`
	Formatting      Formatting                `yaml:"formatting"`
	StartupSequence []StartupStep             `yaml:"startup_sequence"`
}

// Config holds all configuration values for the chat bridge.
type Config struct {
	// Server settings
	Host string
	Port int

	// Shared secret for /hook and /restart. Empty disables auth (logged).
	APIKey string

	// Durable state: active-context file and SQLite store live here.
	StateDir string

	// Child process settings
	ChildCommand    string
	ChildArgs       []string
	ChildRows       int
	ChildCols       int
	SubmitDelay     time.Duration
	RestartCooldown time.Duration
	FailureBudget   int
	StopGrace       time.Duration

	// Inbound queue settings
	QueueDelay    time.Duration
	QueueMaxDepth int

	// Dedup fingerprint retention window
	DedupRetention time.Duration

	// Chat transport settings
	ChatSocketURL string
	ChatToken     string
	ChatPostURL   string
	ChatUploadURL string
	ChatTimeout   time.Duration

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration

	// From the YAML file
	Channels        map[string]ChannelBinding
	DefaultPath     string
	DefaultName     string
	AllowedUserIDs  []string
	Formatting      Formatting
	StartupSequence []StartupStep
}

// Load reads configuration from the YAML file at path (optional, "" skips
// it) and from environment variables. Environment variables win for
// secrets so tokens never need to live in the file.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Host: getEnv("BRIDGE_HOST", "0.0.0.0"),
		Port: getEnvInt("BRIDGE_PORT", 9876),

		APIKey:   getEnv("BRIDGE_API_KEY", ""),
		StateDir: getEnv("BRIDGE_STATE_DIR", defaultStateDir()),

		ChildCommand:    getEnv("CHILD_COMMAND", "claude"),
		ChildArgs:       getEnvStringSlice("CHILD_ARGS", nil),
		ChildRows:       getEnvInt("CHILD_ROWS", 24),
		ChildCols:       getEnvInt("CHILD_COLS", 80),
		SubmitDelay:     getEnvDuration("CHILD_SUBMIT_DELAY", 100*time.Millisecond),
		RestartCooldown: getEnvDuration("CHILD_RESTART_COOLDOWN", 5*time.Second),
		FailureBudget:   getEnvInt("CHILD_FAILURE_BUDGET", 3),
		StopGrace:       getEnvDuration("CHILD_STOP_GRACE", 2*time.Second),

		QueueDelay:    getEnvDuration("QUEUE_DELAY", 500*time.Millisecond),
		QueueMaxDepth: getEnvInt("QUEUE_MAX_DEPTH", 0),

		DedupRetention: getEnvDuration("DEDUP_RETENTION", 60*time.Second),

		ChatSocketURL: getEnv("CHAT_SOCKET_URL", ""),
		ChatToken:     getEnv("CHAT_TOKEN", ""),
		ChatPostURL:   getEnv("CHAT_POST_URL", ""),
		ChatUploadURL: getEnv("CHAT_UPLOAD_URL", ""),
		ChatTimeout:   getEnvDuration("CHAT_HTTP_TIMEOUT", 10*time.Second),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 15*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),

		DefaultPath: "/workspace",
		Formatting: Formatting{
			Mode:       "full",
			MaxLength:  3900,
			LongOutput: "file",
		},
	}

	if path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		applyFile(cfg, fc)
	}

	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("no channels configured: the channels map in %s must bind at least one channel ID to a path", path)
	}
	for id, b := range cfg.Channels {
		if b.Path == "" {
			return nil, fmt.Errorf("channel %s has no path", id)
		}
	}

	return cfg, nil
}

// ActiveContextPath returns the file the external hook reads to discover
// the channel a finished response belongs to.
func (c *Config) ActiveContextPath() string {
	return filepath.Join(c.StateDir, "current_channel")
}

// StorePath returns the SQLite database path.
func (c *Config) StorePath() string {
	return filepath.Join(c.StateDir, "bridge.db")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/chat-bridge"
	}
	return filepath.Join(home, ".chat-bridge")
}

func loadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

func applyFile(cfg *Config, fc *FileConfig) {
	cfg.Channels = fc.Channels
	cfg.AllowedUserIDs = fc.AllowedUserIDs
	if fc.DefaultPath != "" {
		cfg.DefaultPath = fc.DefaultPath
	}
	if fc.DefaultName != "" {
		cfg.DefaultName = fc.DefaultName
	}
	if fc.Formatting.Mode != "" {
		cfg.Formatting.Mode = fc.Formatting.Mode
	}
	if fc.Formatting.MaxLength > 0 {
		cfg.Formatting.MaxLength = fc.Formatting.MaxLength
	}
	if fc.Formatting.LongOutput != "" {
		cfg.Formatting.LongOutput = fc.Formatting.LongOutput
	}
	if fc.Formatting.StripANSI != nil {
		cfg.Formatting.StripANSI = fc.Formatting.StripANSI
	}
	cfg.StartupSequence = fc.StartupSequence
}

// ParsedDelay returns the step's delay, or zero when absent or invalid.
func (s StartupStep) ParsedDelay() time.Duration {
	if s.Delay == "" {
		return 0
	}
	d, err := time.ParseDuration(s.Delay)
	if err != nil {
		return 0
	}
	return d
}

// StripANSIEnabled reports whether ANSI stripping is on (default true).
func (f Formatting) StripANSIEnabled() bool {
	return f.StripANSI == nil || *f.StripANSI
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStringSlice returns a slice from a comma-separated environment variable.
func getEnvStringSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
