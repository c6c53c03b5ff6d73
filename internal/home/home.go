package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the narrator home directory.
	DefaultDirName = ".narrator"

	// DataDirName is the subdirectory for batch state and logs.
	DataDirName = "data"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// EnvFileName holds provider API keys loaded before config.
	EnvFileName = ".env"

	// StateFileName is the SQLite state database.
	StateFileName = "state.db"
)

// Dir represents the narrator home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.narrator).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// DataPath returns the path to the data directory.
func (d *Dir) DataPath() string {
	return filepath.Join(d.path, DataDirName)
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnvPath returns the path to the .env file in the home directory.
func (d *Dir) EnvPath() string {
	return filepath.Join(d.path, EnvFileName)
}

// StatePath returns the path to the SQLite state database.
func (d *Dir) StatePath() string {
	return filepath.Join(d.DataPath(), StateFileName)
}

// LogPath returns the default rotating log file path.
func (d *Dir) LogPath() string {
	return filepath.Join(d.DataPath(), "logs", "narrator.log")
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	// Create data directory (this also creates the parent)
	if err := os.MkdirAll(d.DataPath(), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// AudioDir returns the root of the local blob store.
func (d *Dir) AudioDir() string {
	return filepath.Join(d.path, "audio")
}

// BookAudioDir returns the audio directory for a specific book.
func (d *Dir) BookAudioDir(bookID string) string {
	return filepath.Join(d.AudioDir(), bookID)
}

// EnsureBookAudioDir creates the audio directory for a book.
func (d *Dir) EnsureBookAudioDir(bookID string) error {
	return os.MkdirAll(d.BookAudioDir(bookID), 0o755)
}
