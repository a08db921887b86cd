package p2p

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
)

// seenCache remembers gossip message IDs for a while so relayed copies are
// processed once.
type seenCache struct {
	mu    sync.Mutex
	cache *bigcache.BigCache
}

func newSeenCache(lifeWindow time.Duration) (*seenCache, error) {
	cfg := bigcache.DefaultConfig(lifeWindow)
	cfg.Shards = 64
	cfg.MaxEntriesInWindow = 64 * 1024
	cfg.MaxEntrySize = 64
	cfg.HardMaxCacheSize = 16 // MB
	cfg.CleanWindow = time.Minute
	cfg.Verbose = false

	cache, err := bigcache.New(context.Background(), cfg)
	if err != nil {
		return nil, err
	}
	return &seenCache{cache: cache}, nil
}

// markSeen records id and reports whether it was new
func (s *seenCache) markSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.cache.Get(id); err == nil {
		return false
	} else if !errors.Is(err, bigcache.ErrEntryNotFound) {
		// treat cache faults as unseen; the processor rejects real duplicates
		return true
	}
	_ = s.cache.Set(id, []byte{1})
	return true
}

func (s *seenCache) close() error {
	return s.cache.Close()
}
