package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-narrator")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-narrator" {
			t.Errorf("expected path /tmp/test-narrator, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/test-narrator")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"DataPath", dir.DataPath(), "/tmp/test-narrator/data"},
		{"ConfigPath", dir.ConfigPath(), "/tmp/test-narrator/config.yaml"},
		{"EnvPath", dir.EnvPath(), "/tmp/test-narrator/.env"},
		{"StatePath", dir.StatePath(), "/tmp/test-narrator/data/state.db"},
		{"LogPath", dir.LogPath(), "/tmp/test-narrator/data/logs/narrator.log"},
		{"AudioDir", dir.AudioDir(), "/tmp/test-narrator/audio"},
		{"BookAudioDir", dir.BookAudioDir("book-1"), "/tmp/test-narrator/audio/book-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}

func TestDir_EnsureExists(t *testing.T) {
	tmpDir := t.TempDir()
	narratorDir := filepath.Join(tmpDir, "narrator-test")

	dir, err := New(narratorDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dir.Exists() {
		t.Error("directory should not exist before EnsureExists")
	}

	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists failed: %v", err)
	}

	if !dir.Exists() {
		t.Error("directory should exist after EnsureExists")
	}

	if _, err := os.Stat(dir.DataPath()); os.IsNotExist(err) {
		t.Error("data directory should exist after EnsureExists")
	}

	// Idempotent
	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("second EnsureExists failed: %v", err)
	}
}

func TestDir_ConfigExists(t *testing.T) {
	dir, _ := New(t.TempDir())

	if dir.ConfigExists() {
		t.Fatal("config should not exist yet")
	}
	if err := os.WriteFile(dir.ConfigPath(), []byte("defaults: {}\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	if !dir.ConfigExists() {
		t.Fatal("config should exist")
	}
}

func TestDir_EnsureBookAudioDir(t *testing.T) {
	dir, _ := New(t.TempDir())

	if err := dir.EnsureBookAudioDir("book-1"); err != nil {
		t.Fatalf("EnsureBookAudioDir failed: %v", err)
	}
	info, err := os.Stat(dir.BookAudioDir("book-1"))
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory")
	}
}
