package registry

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

// Store holds the active catalog and swaps it atomically on reload.
type Store struct {
	log     *slog.Logger
	path    string
	current atomic.Pointer[Catalog]
}

func NewStore(log *slog.Logger, path string) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{log: log, path: path}
	s.current.Store(c)
	return s, nil
}

// NewStaticStore wraps an already parsed catalog. Reload is a no-op.
func NewStaticStore(c *Catalog) *Store {
	s := &Store{log: slog.Default()}
	s.current.Store(c)
	return s
}

func (s *Store) Current() *Catalog {
	return s.current.Load()
}

// Reload re-reads the catalog file. The active catalog is replaced only if
// the new one validates.
func (s *Store) Reload() error {
	if s.path == "" {
		return nil
	}
	c, err := Load(s.path)
	if err != nil {
		s.log.Warn("registry: reload failed, keeping current catalog", "path", s.path, "error", err)
		return fmt.Errorf("failed to reload registry: %w", err)
	}
	s.current.Store(c)
	s.log.Info("registry: reloaded", "path", s.path, "metrics", len(c.Metrics), "dimensions", len(c.Dimensions))
	return nil
}
