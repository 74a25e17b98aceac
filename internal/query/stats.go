package query

import (
	"sync"
	"time"
)

// Stat summarizes observed latency for one query type.
type Stat struct {
	Count     int64         `json:"count"`
	CacheHits int64         `json:"cache_hits"`
	Total     time.Duration `json:"-"`
	Max       time.Duration `json:"-"`
	AvgMillis float64       `json:"avg_ms"`
	MaxMillis float64       `json:"max_ms"`
}

type statsTable struct {
	mu    sync.Mutex
	stats map[string]*Stat
}

func newStatsTable() *statsTable {
	return &statsTable{stats: make(map[string]*Stat)}
}

func (t *statsTable) observe(queryType string, elapsed time.Duration, cacheHit bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.stats[queryType]
	if !ok {
		s = &Stat{}
		t.stats[queryType] = s
	}
	s.Count++
	if cacheHit {
		s.CacheHits++
		return
	}
	s.Total += elapsed
	if elapsed > s.Max {
		s.Max = elapsed
	}
}

func (t *statsTable) snapshot() map[string]Stat {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Stat, len(t.stats))
	for k, s := range t.stats {
		copied := *s
		if executed := s.Count - s.CacheHits; executed > 0 {
			copied.AvgMillis = float64(s.Total.Milliseconds()) / float64(executed)
		}
		copied.MaxMillis = float64(s.Max.Milliseconds())
		out[k] = copied
	}
	return out
}
