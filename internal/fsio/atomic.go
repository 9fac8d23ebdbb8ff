// Package fsio provides the low-level atomic file primitives shared by the
// vault storage layer and the rename transaction engine.
package fsio

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

const (
	defaultRetries = 3
	defaultBackoff = 50 * time.Millisecond
)

// Options controls retry behaviour for atomic writes.
type Options struct {
	Retries int
	Backoff time.Duration
}

// Option is a functional option for WriteAtomic.
type Option func(*Options)

// WithRetries sets the number of attempts before giving up.
func WithRetries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Retries = n
		}
	}
}

// WithBackoff sets the initial delay between attempts. The delay doubles
// after each failure.
func WithBackoff(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Backoff = d
		}
	}
}

// WriteAtomic writes content to path so that a concurrent reader observes
// either the previous content or the full new content, never a mixture.
// The content goes to a temp file in the same directory (the final rename
// must stay on one filesystem to be atomic), then the temp file is renamed
// onto path. The temp file is removed on every failure path. Transient
// failures are retried with doubling backoff.
func WriteAtomic(path string, content []byte, opts ...Option) error {
	o := Options{Retries: defaultRetries, Backoff: defaultBackoff}
	for _, opt := range opts {
		opt(&o)
	}

	var lastErr error
	delay := o.Backoff
	for attempt := 0; attempt < o.Retries; attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}
		if lastErr = writeOnce(path, content); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("fsio: atomic write %s after %d attempts: %w", path, o.Retries, lastErr)
}

func writeOnce(path string, content []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}

	tmpName := filepath.Join(dir, fmt.Sprintf(".%s.tmp-%d", filepath.Base(path), time.Now().UnixNano()))
	tmp, err := os.OpenFile(tmpName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}

	// Clean up on any failure path.
	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	success = true
	return nil
}

// CopyFile copies src to dst, creating parent directories as needed.
// The copy itself goes through the same temp-then-rename discipline so a
// half-finished copy is never visible at dst.
func CopyFile(src, dst string, opts ...Option) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("fsio: open %s: %w", src, err)
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("fsio: read %s: %w", src, err)
	}
	return WriteAtomic(dst, data, opts...)
}
