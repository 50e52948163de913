package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file discovered by walking up
// from the working directory
const LocalConfigName = ".scopevis.toml"

// Config holds all application configuration
type Config struct {
	Log     LogConfig     `toml:"log"`
	Feed    FeedConfig    `toml:"feed"`
	Model   ModelConfig   `toml:"model"`
	History HistoryConfig `toml:"history"`
	Display DisplayConfig `toml:"display"`
	Record  RecordConfig  `toml:"record"`
	Export  ExportConfig  `toml:"export"`
	Web     WebConfig     `toml:"web"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level string `toml:"level"`
	// File receives log output while the TUI owns the terminal; empty
	// means stderr, or discard when the TUI is active
	File string `toml:"file"`
}

// FeedConfig holds event source settings
type FeedConfig struct {
	// Path is the JSON-lines event log watch mode follows by default
	Path string `toml:"path"`
}

// ModelConfig holds tree model settings
type ModelConfig struct {
	// MaxNodes bounds the live tree; 0 disables eviction
	MaxNodes int `toml:"max_nodes"`
}

// HistoryConfig holds snapshot retention settings
type HistoryConfig struct {
	Size int `toml:"size"`
}

// DisplayConfig holds rendering settings
type DisplayConfig struct {
	HideInternal     bool     `toml:"hide_internal"`
	InternalPrefixes []string `toml:"internal_prefixes"`
}

// RecordConfig holds recording settings
type RecordConfig struct {
	Path      string `toml:"path"`
	Overwrite bool   `toml:"overwrite"`
}

// ExportConfig holds frame export settings
type ExportConfig struct {
	// Schedule is an optional cron expression for periodic frame dumps
	Schedule string `toml:"schedule"`
	Dir      string `toml:"dir"`
}

// WebConfig holds the HTTP server settings for listen mode
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Feed: FeedConfig{
			Path: "scopevis.jsonl",
		},
		Model: ModelConfig{
			MaxNodes: 10000,
		},
		History: HistoryConfig{
			Size: 512,
		},
		Display: DisplayConfig{
			InternalPrefixes: []string{"trio.", "asyncio."},
		},
		Record: RecordConfig{
			Path: filepath.Join(home, ".scopevis", "recordings.db"),
		},
		Export: ExportConfig{
			Dir: "frames",
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Feed.Path = ExpandPath(cfg.Feed.Path)
	cfg.Record.Path = ExpandPath(cfg.Record.Path)
	cfg.Export.Dir = ExpandPath(cfg.Export.Dir)
	cfg.Log.File = ExpandPath(cfg.Log.File)

	return cfg, nil
}

// LoadWithLocalFallback loads an explicit path when given, otherwise a
// local config found by walking up from the working directory, otherwise
// the default location.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// FindLocalConfig walks up from the working directory looking for a local
// config file. Returns the empty string when none is found.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "scopevis", "config.toml")
}
