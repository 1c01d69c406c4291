package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
)

const (
	// ProjectConfigFile is searched for from the working directory upwards.
	ProjectConfigFile = "callscore.yaml"
	// UserConfigDir is relative to the home directory.
	UserConfigDir  = ".config/callscore"
	UserConfigFile = "config.yaml"
)

// envOverrides maps environment variables to the settings they replace.
// They carry deployment-specific endpoints and secrets that do not belong in
// a checked-in project file.
var envOverrides = map[string]func(*Config, string){
	"CALLSCORE_POSTGRES_DSN":     func(c *Config, v string) { c.Postgres.DSN = v },
	"CALLSCORE_NATS_URL":         func(c *Config, v string) { c.NATS.URL = v },
	"CALLSCORE_TEMPORAL_ADDRESS": func(c *Config, v string) { c.Temporal.HostPort = v },
	"CALLSCORE_METRICS_ADDR":     func(c *Config, v string) { c.Metrics.Addr = v },
	"CALLSCORE_MODEL_REGISTRY":   func(c *Config, v string) { c.Model.Registry = v },
}

// Loader builds the effective configuration from defaults, files and the
// environment.
type Loader struct {
	logger  *slog.Logger
	sources []string
}

// NewLoader creates a loader. A nil logger uses slog.Default.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// layer is one optional or required config file.
type layer struct {
	name     string
	path     string
	required bool
}

// Load applies, in increasing precedence: defaults, the user file, the
// nearest project file, explicitPath and CALLSCORE_* environment variables.
// Only explicitPath must exist. The merged result is validated.
func (l *Loader) Load(explicitPath string) (*Config, error) {
	cfg := DefaultConfig()
	l.sources = []string{"defaults"}

	layers := []layer{
		{name: "user", path: userConfigPath()},
		{name: "project", path: findProjectConfig()},
		{name: "explicit", path: explicitPath, required: true},
	}
	for _, ly := range layers {
		if ly.path == "" {
			continue
		}
		file, err := LoadFromFile(ly.path)
		switch {
		case err == nil:
			cfg.Merge(file)
			l.sources = append(l.sources, ly.path)
			l.logger.Debug("Loaded config layer", "layer", ly.name, "path", ly.path)
		case ly.required:
			return nil, err
		case errors.Is(err, fs.ErrNotExist):
		default:
			l.logger.Warn("Skipping unreadable config layer", "layer", ly.name, "path", ly.path, "error", err)
		}
	}

	for _, name := range slices.Sorted(maps.Keys(envOverrides)) {
		if v := os.Getenv(name); v != "" {
			envOverrides[name](cfg, v)
			l.sources = append(l.sources, "$"+name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Sources lists what the last Load applied, lowest precedence first.
func (l *Loader) Sources() []string {
	return l.sources
}

// InitUserConfig writes the defaults to the user config file unless one
// already exists. It returns the file's path and whether it was created.
func (l *Loader) InitUserConfig() (string, bool, error) {
	path := userConfigPath()
	if path == "" {
		return "", false, errors.New("cannot determine home directory")
	}
	if _, err := os.Stat(path); err == nil {
		return path, false, nil
	}
	if err := DefaultConfig().SaveToFile(path); err != nil {
		return "", false, err
	}
	l.logger.Info("Created default user config", "path", path)
	return path, true, nil
}

func userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}

// findProjectConfig returns the closest callscore.yaml at or above the
// working directory.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ProjectConfigFile)
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
