package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// File keeps progress in a small JSON document on disk.
type File struct {
	mu     sync.Mutex
	path   string
	logger *zap.Logger
}

var _ Store = (*File)(nil)

// NewFile creates a file store. A leading ~ in path is expanded.
func NewFile(path string, logger *zap.Logger) (*File, error) {
	if path == "" {
		return nil, errors.New("file store requires a path")
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("failed to expand store path: %w", err)
	}
	return &File{path: expanded, logger: logger.Named("store")}, nil
}

// Path returns the resolved file location.
func (f *File) Path() string { return f.path }

func (f *File) Save(_ context.Context, p Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(&p)
}

func (f *File) Load(_ context.Context) (*Progress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *File) UpdateStep(_ context.Context, step int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.read()
	if err != nil || p == nil {
		return err
	}
	p.CurrentStep = step
	return f.write(p)
}

func (f *File) Clear(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove progress file: %w", err)
	}
	return nil
}

func (f *File) read() (*Progress, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read progress file: %w", err)
	}
	var p Progress
	if err := json.Unmarshal(data, &p); err != nil {
		// A corrupt file is treated as no progress rather than a hard failure.
		f.logger.Warn("Discarding unreadable progress file.", zap.String("path", f.path), zap.Error(err))
		return nil, nil
	}
	return &p, nil
}

// write replaces the file atomically via a sibling temp file.
func (f *File) write(p *Progress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".progress-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write progress: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace progress file: %w", err)
	}
	return nil
}
