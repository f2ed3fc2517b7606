package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tinytelemetry/dogd/internal/broadcast"
)

const (
	// DefaultPath is where the daemon persists rendered records.
	DefaultPath = "/var/log/dogd"

	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// FileOptions tunes the file sink.
type FileOptions struct {
	// Sync flushes to stable storage after every record.
	Sync bool
}

// File persists records to one file, truncated when opened.
type File struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	sync   bool
	logger zerolog.Logger
}

// OpenFile creates parent directories and creates or truncates path.
func OpenFile(path string, opts FileOptions, logger zerolog.Logger) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sink: file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("sink: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return nil, fmt.Errorf("sink: open: %w", err)
	}
	return &File{
		path:   path,
		file:   f,
		sync:   opts.Sync,
		logger: logger.With().Str("component", "sink").Str("sink", "file").Str("path", path).Logger(),
	}, nil
}

// Path returns the file location.
func (f *File) Path() string { return f.path }

// Run drains sub into the file until it ends, ctx is done or a write fails.
// The first failure stops the sink for good.
func (f *File) Run(ctx context.Context, sub *broadcast.Subscription) error {
	return drain(ctx, sub, f.logger, f.write)
}

func (f *File) write(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return os.ErrClosed
	}
	if _, err := io.WriteString(f.file, text); err != nil {
		return err
	}
	if f.sync {
		if err := f.file.Sync(); err != nil {
			return fmt.Errorf("sync: %w", err)
		}
	}
	return nil
}

// Close closes the underlying file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
