package watcher

import (
	"path/filepath"
	"time"

	"github.com/patrickmn/go-cache"
)

// Suppressor remembers paths the process itself just wrote, such as rename
// destinations and backups, so their notifications are not analysed again.
type Suppressor struct {
	paths *cache.Cache
}

// NewSuppressor creates a suppressor whose entries expire after ttl.
func NewSuppressor(ttl time.Duration) *Suppressor {
	return &Suppressor{paths: cache.New(ttl, ttl*2)}
}

// Suppress marks path for the suppressor's TTL.
func (s *Suppressor) Suppress(path string) {
	s.paths.SetDefault(filepath.Clean(path), struct{}{})
}

// Suppressed reports whether path was marked and has not expired.
func (s *Suppressor) Suppressed(path string) bool {
	_, found := s.paths.Get(filepath.Clean(path))
	return found
}

// Release forgets path early.
func (s *Suppressor) Release(path string) {
	s.paths.Delete(filepath.Clean(path))
}
