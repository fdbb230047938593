package app

import (
	"os"
	"path/filepath"
)

// ConfigDir returns ~/.config/ire/ on all platforms.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ire"), nil
}

// EnsureConfigDir creates the config directory and default config.yaml if missing.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return err
	}

	configFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return os.WriteFile(configFile, []byte(defaultConfig), 0600)
	}
	return nil
}

const defaultConfig = `# identity reconciliation engine configuration
# Run: ire --help

# Optional: override the SQLite database location.
# Can also be set via IRE_DB_PATH or --db-path.
# db_path: ~/.config/ire/ire.db

# Identity lock acquisition timeout, milliseconds.
# lock_timeout_ms: 30000

# Retry cap for the RetryableConflict loop in Reconcile.
# retry_cap: 5

# Worker pool size for 'ire worker'.
# workers: 4
`
