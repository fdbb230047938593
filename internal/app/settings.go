package app

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

// Settings represents configuration loaded from config.yaml.
// Field names match snake_case YAML keys.
type Settings struct {
	DBPath        string `yaml:"db_path"`
	LockTimeoutMS int    `yaml:"lock_timeout_ms"`
	RetryCap      int    `yaml:"retry_cap"`
	Workers       int    `yaml:"workers"`
}

const (
	defaultLockTimeoutMS = 30_000
	defaultRetryCap      = 5
	defaultWorkers       = 4
)

// EngineSettings are effective runtime values consumed by the IRE orchestrator
// and worker pool, resolved from env vars first and config.yaml second.
type EngineSettings struct {
	LockTimeoutMS int
	RetryCap      int
	Workers       int
}

// EffectiveEngineSettings returns validated engine settings with defaults.
// Invalid or missing config values fall back to safe defaults.
func EffectiveEngineSettings() EngineSettings {
	cfg := EngineSettings{
		LockTimeoutMS: defaultLockTimeoutMS,
		RetryCap:      defaultRetryCap,
		Workers:       defaultWorkers,
	}

	s, err := LoadSettings()
	if err == nil {
		if s.LockTimeoutMS > 0 {
			cfg.LockTimeoutMS = s.LockTimeoutMS
		}
		if s.RetryCap > 0 {
			cfg.RetryCap = s.RetryCap
		}
		if s.Workers > 0 {
			cfg.Workers = s.Workers
		}
	}

	if v := os.Getenv("IRE_LOCK_TIMEOUT_MS"); v != "" {
		if parsed, parseErr := strconv.Atoi(v); parseErr == nil && parsed > 0 {
			cfg.LockTimeoutMS = parsed
		}
	}
	if v := os.Getenv("IRE_RETRY_CAP"); v != "" {
		if parsed, parseErr := strconv.Atoi(v); parseErr == nil && parsed > 0 {
			cfg.RetryCap = parsed
		}
	}
	if v := os.Getenv("IRE_WORKERS"); v != "" {
		if parsed, parseErr := strconv.Atoi(v); parseErr == nil && parsed > 0 {
			cfg.Workers = parsed
		}
	}

	if cfg.RetryCap > 50 {
		cfg.RetryCap = 50
	}
	if cfg.Workers > 256 {
		cfg.Workers = 256
	}
	return cfg
}

// settingsOnce, settings, settingsErr implement the sync.Once lazy-load singleton for config.
// dbPathOverrideMu and dbPathOverride implement a mutex-protected process-wide override for CLI --db-path.
// These globals are required by the sync.Once pattern and the RWMutex pattern; they cannot be avoided.
//
//nolint:gochecknoglobals // sync.Once singleton + RWMutex override are intentional process-wide state
var (
	settingsOnce sync.Once
	settings     Settings
	settingsErr  error

	dbPathOverrideMu sync.RWMutex
	dbPathOverride   string
)

// SetDBPathOverride sets a process-wide database path override.
// Intended for CLI flag support (e.g. --db-path).
func SetDBPathOverride(path string) {
	dbPathOverrideMu.Lock()
	dbPathOverride = path
	dbPathOverrideMu.Unlock()
}

func getDBPathOverride() string {
	dbPathOverrideMu.RLock()
	v := dbPathOverride
	dbPathOverrideMu.RUnlock()
	return v
}

// LoadSettings loads configuration once using the documented lookup order.
// Lookup order (first found wins):
// 1) ~/.config/ire/config.yaml
// 2) /etc/ire/config.yaml
// 3) ./config.yaml (lowest priority; allows repo-local overrides if desired)
// Environment variables are handled separately (see EffectiveEngineSettings).
func LoadSettings() (Settings, error) {
	settingsOnce.Do(func() {
		settings = Settings{}

		dir, err := ConfigDir()
		if err != nil {
			settingsErr = err
			return
		}
		if s, err := loadSettingsFile(filepath.Join(dir, "config.yaml")); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}

		if s, err := loadSettingsFile(filepath.Join(string(os.PathSeparator), "etc", "ire", "config.yaml")); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}

		if s, err := loadSettingsFile("config.yaml"); err == nil {
			settings = s
			return
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			settingsErr = err
			return
		}
	})

	return settings, settingsErr
}

func loadSettingsFile(path string) (Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, err
	}

	var s Settings
	if err := yaml.Unmarshal(b, &s); err != nil {
		return Settings{}, err
	}
	return s, nil
}
