// Package storage stores synthesized audio and exported text as blobs
// addressed by slash-separated keys.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("blob not found")

// Storage is a flat key/value blob store.
type Storage interface {
	// Store writes the reader's contents under key and returns the key.
	Store(ctx context.Context, reader io.Reader, key string) (string, error)
	// Get opens the blob at key. Missing keys give ErrNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	// List returns keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)
	// URI renders a key for humans and logs.
	URI(key string) string
}

// Type names a storage backend.
type Type string

const (
	TypeLocal Type = "local"
	TypeMinio Type = "minio"
	TypeS3    Type = "s3"
)

// Config selects and configures a backend.
type Config struct {
	Backend Type   `mapstructure:"backend" yaml:"backend"`
	Root    string `mapstructure:"root" yaml:"root"` // local

	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Region    string `mapstructure:"region" yaml:"region"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl" yaml:"use_ssl"`

	Logger *slog.Logger `mapstructure:"-" yaml:"-"`
}

// New creates a storage backend from cfg.
func New(ctx context.Context, cfg Config) (Storage, error) {
	switch cfg.Backend {
	case "", TypeLocal:
		if cfg.Root == "" {
			return nil, fmt.Errorf("local storage requires a root directory")
		}
		return NewLocal(cfg.Root)
	case TypeMinio:
		return NewMinio(ctx, cfg)
	case TypeS3:
		return NewS3(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}

// PutBytes stores data under key.
func PutBytes(ctx context.Context, s Storage, key string, data []byte) (string, error) {
	return s.Store(ctx, bytes.NewReader(data), key)
}

// ReadAll reads the whole blob at key.
func ReadAll(ctx context.Context, s Storage, key string) ([]byte, error) {
	rc, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Join builds a key from parts, dropping empty parts and stray slashes.
func Join(parts ...string) string {
	clean := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			clean = append(clean, p)
		}
	}
	return strings.Join(clean, "/")
}

func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty storage key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("invalid storage key %q", key)
		}
	}
	return nil
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func contentType(key string) string {
	switch {
	case strings.HasSuffix(key, ".mp3"):
		return "audio/mpeg"
	case strings.HasSuffix(key, ".wav"):
		return "audio/wav"
	case strings.HasSuffix(key, ".txt"):
		return "text/plain; charset=utf-8"
	case strings.HasSuffix(key, ".json"):
		return "application/json"
	default:
		return "application/octet-stream"
	}
}
