package storage

import (
	"os"
	"path/filepath"
	"runtime"
)

// PathManager resolves the on-disk layout under the forgechat data directory
type PathManager struct {
	dataDir string
}

// NewPathManagerAt creates a path manager rooted at dir
func NewPathManagerAt(dir string) *PathManager {
	return &PathManager{dataDir: dir}
}

// DataDir returns the main data directory, creating it if needed
func (pm *PathManager) DataDir() (string, error) {
	if err := os.MkdirAll(pm.dataDir, 0755); err != nil {
		return "", err
	}
	return pm.dataDir, nil
}

func (pm *PathManager) subdir(name string) (string, error) {
	dir, err := pm.DataDir()
	if err != nil {
		return "", err
	}
	sub := filepath.Join(dir, name)
	if err := os.MkdirAll(sub, 0755); err != nil {
		return "", err
	}
	return sub, nil
}

// IndexDatabasePath returns the path of the session index database
func (pm *PathManager) IndexDatabasePath() (string, error) {
	dir, err := pm.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "sessions.db"), nil
}

// EventsDatabasePath returns the path of the event log database
func (pm *PathManager) EventsDatabasePath() (string, error) {
	dir, err := pm.DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "events.db"), nil
}

// SessionsDir returns the directory snapshots are written to by default
func (pm *PathManager) SessionsDir() (string, error) {
	return pm.subdir("sessions")
}

// SnapshotPath returns the default snapshot location for a session id
func (pm *PathManager) SnapshotPath(sessionID string, format Format, compress bool) (string, error) {
	dir, err := pm.SessionsDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, sessionID+format.Extension(compress)), nil
}

// LogsDir returns the directory for log files
func (pm *PathManager) LogsDir() (string, error) {
	return pm.subdir("logs")
}

// CacheDir returns the directory for cache files
func (pm *PathManager) CacheDir() (string, error) {
	return pm.subdir("cache")
}

// ValidatePaths ensures all necessary directories exist
func (pm *PathManager) ValidatePaths() error {
	if _, err := pm.DataDir(); err != nil {
		return err
	}
	if _, err := pm.LogsDir(); err != nil {
		return err
	}
	if _, err := pm.CacheDir(); err != nil {
		return err
	}
	if _, err := pm.SessionsDir(); err != nil {
		return err
	}
	return nil
}

// PlatformInfo returns log key/value pairs describing the platform and the
// data directory
func (pm *PathManager) PlatformInfo() []any {
	return []any{"os", runtime.GOOS, "arch", runtime.GOARCH, "data_dir", pm.dataDir}
}
