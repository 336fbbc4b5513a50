// Package paths resolves the directories membank stores its data in.
package paths

import (
	"os"
	"path/filepath"
)

// GetDataDir returns the user's data directory for membank (database, logs).
//
// If the home directory cannot be determined, it falls back to a directory
// under the system temporary directory. This is a best-effort fallback and
// not intended to be a security boundary.
func GetDataDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(filepath.Join(os.TempDir(), ".membank"))
	}
	return filepath.Clean(filepath.Join(homeDir, ".membank"))
}

// GetConfigDir returns the user's config directory for membank.
func GetConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Clean(filepath.Join(os.TempDir(), ".membank-config"))
	}
	return filepath.Clean(filepath.Join(homeDir, ".config", "membank"))
}
