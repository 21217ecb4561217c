package cache

import (
	"sort"
	"time"

	"github.com/vietddude/resilient/internal/metrics"
)

// retentionScore ranks how much an entry deserves to stay.
//
//	score = 100×hitCount − secondsSinceLastAccess − sizeBytes/1024
//
// Frequently hit, recently used and small entries score high; stale, cold
// and large entries score low and are evicted first.
func retentionScore(e *entry, now time.Time) float64 {
	idle := now.Sub(e.lastAccessedAt).Seconds()
	return 100*float64(e.hitCount) - idle - float64(e.sizeBytes)/1024
}

// ensureCapacityLocked evicts the lowest-scoring entries until required
// more bytes fit under MaxSizeBytes, or the store is empty.
func (s *Store) ensureCapacityLocked(required int64) {
	if s.totalSize+required <= s.cfg.MaxSizeBytes {
		return
	}

	type candidate struct {
		key   string
		score float64
	}

	now := s.now()
	candidates := make([]candidate, 0, len(s.entries))
	for key, e := range s.entries {
		candidates = append(candidates, candidate{key: key, score: retentionScore(e, now)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score < candidates[j].score
		}
		return candidates[i].key < candidates[j].key
	})

	for _, c := range candidates {
		if s.totalSize+required <= s.cfg.MaxSizeBytes {
			break
		}
		s.removeLocked(c.key, s.entries[c.key])
		s.evictions++
		metrics.CacheEvictions.WithLabelValues(s.name).Inc()
		s.log.Debug("Evicted cache entry", "key", c.key, "score", c.score)
	}
}
