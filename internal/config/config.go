// Package config loads storyloom settings from an optional YAML file, a
// .env file and the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/talgya/storyloom/internal/ledger"
	"github.com/talgya/storyloom/internal/story"
)

var (
	ErrNoAPIKey        = errors.New("no API key configured")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrBadCompaction   = errors.New("bad compaction settings")
	ErrNoScript        = errors.New("script provider needs a script file")
)

// Providers that can back generation.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderScript    = "script"
)

// Config is the full set of settings.
type Config struct {
	DBPath       string `yaml:"db_path"`
	Provider     string `yaml:"provider"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	MaxTokens    int    `yaml:"max_tokens"`
	MaxPerMinute int    `yaml:"max_per_minute"`
	Script       string `yaml:"script"` // canned responses for the script provider

	Compaction Compaction    `yaml:"compaction"`
	UndoWindow time.Duration `yaml:"undo_window"`
	Strict     bool          `yaml:"strict"`
	Catalog    string        `yaml:"catalog"`
	Speech     Speech        `yaml:"speech"`
	Cadence    Cadence       `yaml:"cadence"`
	Server     Server        `yaml:"server"`
	LogLevel   string        `yaml:"log_level"`
}

// Compaction bounds the story-so-far context, in characters.
type Compaction struct {
	Threshold  int `yaml:"threshold"`
	KeepTail   int `yaml:"keep_tail"`
	GroupChars int `yaml:"group_chars"`
}

// Speech configures read-aloud.
type Speech struct {
	Command string `yaml:"command"`
	Voice   string `yaml:"voice"`
}

// Cadence sets how often background maintenance follows a finished
// generation. Zero disables the automatic run.
type Cadence struct {
	CompactEvery int `yaml:"compact_every"`
	BibleEvery   int `yaml:"bible_every"`
}

// Server configures the local HTTP API.
type Server struct {
	Addr            string   `yaml:"addr"`
	AdminKey        string   `yaml:"admin_key"` // bearer token for POST endpoints; empty disables them
	CORSOrigins     []string `yaml:"cors_origins"`
	GeneratePerHour int      `yaml:"generate_per_hour"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	opts := ledger.DefaultOptions()
	return &Config{
		DBPath:    filepath.Join(dataDir(), "story.db"),
		Provider:  ProviderAnthropic,
		MaxTokens: 1024,
		Compaction: Compaction{
			Threshold:  opts.Threshold,
			KeepTail:   opts.KeepTail,
			GroupChars: opts.GroupChars,
		},
		UndoWindow: story.DefaultUndoWindow,
		Cadence:    Cadence{CompactEvery: 1},
		Server:     Server{Addr: "127.0.0.1:8417", GeneratePerHour: 60},
		LogLevel:   "info",
	}
}

// Load builds the configuration. path names the YAML file; empty means
// the default location. A missing file or .env is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("ignoring unreadable .env", "error", err)
	}
	loadFromEnv(cfg)

	return cfg, nil
}

// DefaultPath is $XDG_CONFIG_HOME/storyloom/config.yaml, falling back to
// ~/.config.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "storyloom", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "storyloom", "config.yaml")
}

func dataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "storyloom")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "storyloom")
	}
	return "data"
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	cfg.DBPath = envOrDefault("STORYLOOM_DB", cfg.DBPath)
	cfg.Provider = envOrDefault("STORYLOOM_PROVIDER", cfg.Provider)
	cfg.Model = envOrDefault("STORYLOOM_MODEL", cfg.Model)
	cfg.BaseURL = envOrDefault("STORYLOOM_BASE_URL", cfg.BaseURL)
	cfg.Script = envOrDefault("STORYLOOM_SCRIPT", cfg.Script)
	cfg.MaxTokens = envIntOrDefault("STORYLOOM_MAX_TOKENS", cfg.MaxTokens)
	cfg.MaxPerMinute = envIntOrDefault("STORYLOOM_MAX_PER_MINUTE", cfg.MaxPerMinute)

	// Provider-specific keys first; the generic one wins.
	switch cfg.Provider {
	case ProviderAnthropic:
		cfg.APIKey = envOrDefault("ANTHROPIC_API_KEY", cfg.APIKey)
	case ProviderOpenAI:
		cfg.APIKey = envOrDefault("OPENAI_API_KEY", cfg.APIKey)
	}
	cfg.APIKey = envOrDefault("STORYLOOM_API_KEY", cfg.APIKey)

	cfg.Compaction.Threshold = envIntOrDefault("STORYLOOM_COMPACT_THRESHOLD", cfg.Compaction.Threshold)
	cfg.Compaction.KeepTail = envIntOrDefault("STORYLOOM_KEEP_TAIL", cfg.Compaction.KeepTail)
	cfg.Compaction.GroupChars = envIntOrDefault("STORYLOOM_GROUP_CHARS", cfg.Compaction.GroupChars)
	if v := os.Getenv("STORYLOOM_UNDO_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.UndoWindow = d
		}
	}
	if v := os.Getenv("STORYLOOM_STRICT"); v != "" {
		cfg.Strict, _ = strconv.ParseBool(v)
	}
	cfg.Catalog = envOrDefault("STORYLOOM_CATALOG", cfg.Catalog)
	cfg.Speech.Command = envOrDefault("STORYLOOM_TTS_COMMAND", cfg.Speech.Command)
	cfg.Speech.Voice = envOrDefault("STORYLOOM_TTS_VOICE", cfg.Speech.Voice)
	cfg.Cadence.CompactEvery = envIntOrDefault("STORYLOOM_COMPACT_EVERY", cfg.Cadence.CompactEvery)
	cfg.Cadence.BibleEvery = envIntOrDefault("STORYLOOM_BIBLE_EVERY", cfg.Cadence.BibleEvery)
	cfg.Server.Addr = envOrDefault("STORYLOOM_ADDR", cfg.Server.Addr)
	cfg.Server.AdminKey = envOrDefault("STORYLOOM_ADMIN_KEY", cfg.Server.AdminKey)
	if v := os.Getenv("STORYLOOM_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = nil
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.Server.CORSOrigins = append(cfg.Server.CORSOrigins, origin)
			}
		}
	}
	cfg.Server.GeneratePerHour = envIntOrDefault("STORYLOOM_GENERATE_PER_HOUR", cfg.Server.GeneratePerHour)
	cfg.LogLevel = envOrDefault("STORYLOOM_LOG_LEVEL", cfg.LogLevel)
}

// Validate checks that the settings can drive a session.
func (c *Config) Validate() error {
	switch c.Provider {
	case ProviderAnthropic:
		if c.APIKey == "" {
			return fmt.Errorf("%w: set ANTHROPIC_API_KEY", ErrNoAPIKey)
		}
	case ProviderOpenAI:
		// Local OpenAI-compatible servers often run without a key.
		if c.APIKey == "" && c.BaseURL == "" {
			return fmt.Errorf("%w: set OPENAI_API_KEY or a base URL", ErrNoAPIKey)
		}
	case ProviderScript:
		if c.Script == "" {
			return ErrNoScript
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownProvider, c.Provider)
	}

	cp := c.Compaction
	switch {
	case cp.Threshold <= 0:
		return fmt.Errorf("%w: threshold must be positive", ErrBadCompaction)
	case cp.KeepTail < 0 || cp.KeepTail >= cp.Threshold:
		return fmt.Errorf("%w: keep_tail must be in [0, threshold)", ErrBadCompaction)
	case cp.GroupChars <= 0:
		return fmt.Errorf("%w: group_chars must be positive", ErrBadCompaction)
	}
	return nil
}

// LedgerOptions converts the compaction settings.
func (c *Config) LedgerOptions() ledger.Options {
	return ledger.Options{
		Threshold:  c.Compaction.Threshold,
		KeepTail:   c.Compaction.KeepTail,
		GroupChars: c.Compaction.GroupChars,
	}
}

// Level parses the log level, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}
