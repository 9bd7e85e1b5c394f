// Package attachments keeps inbound images on disk for a limited time.
package attachments

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultRetention is how long saved images are kept before Purge removes them.
const DefaultRetention = time.Hour

// Opts holds configuration for the attachment store.
type Opts struct {
	Retention time.Duration
}

// Option configures the attachment store.
type Option func(*Opts)

// WithRetention overrides DefaultRetention. Non-positive values keep the default.
func WithRetention(d time.Duration) Option {
	return func(o *Opts) {
		if d > 0 {
			o.Retention = d
		}
	}
}

// Store saves images under <stateDir>/attachments.
type Store struct {
	dir       string
	retention time.Duration
	now       func() time.Time
}

// New creates the attachments directory if needed.
func New(stateDir string, opts ...Option) (*Store, error) {
	cfg := Opts{Retention: DefaultRetention}
	for _, opt := range opts {
		opt(&cfg)
	}
	dir := filepath.Join(stateDir, "attachments")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}
	return &Store{dir: dir, retention: cfg.Retention, now: time.Now}, nil
}

// Dir returns the directory images are written to.
func (s *Store) Dir() string { return s.dir }

// Save writes img as <thread>_<unixnano>.jpg and then purges expired files.
// It returns the path of the new file.
func (s *Store) Save(threadID string, img []byte) (string, error) {
	name := fmt.Sprintf("%s_%d.jpg", sanitize(threadID), s.now().UnixNano())
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, img, 0o600); err != nil {
		return "", fmt.Errorf("write attachment: %w", err)
	}
	slog.Debug("Attachments.Save: saved image", "threadID", threadID, "path", path, "bytes", len(img))

	if _, err := s.Purge(); err != nil {
		slog.Warn("Attachments.Save: purge failed", "error", err)
	}
	return path, nil
}

// Purge removes files older than the retention and reports how many were removed.
func (s *Store) Purge() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read attachments dir: %w", err)
	}
	cutoff := s.now().Add(-s.retention)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			slog.Warn("Attachments.Purge: remove failed", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("Attachments.Purge: removed expired images", "count", removed)
	}
	return removed, nil
}

// sanitize keeps thread ids such as "whatsapp:+33612345678" safe as file names.
func sanitize(threadID string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '+':
			return r
		}
		return '_'
	}, threadID)
}
