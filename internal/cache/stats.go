package cache

// TierStats is a snapshot of one tier's counters.
type TierStats struct {
	Tier      string  `json:"tier"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions,omitempty"`
	Size      int     `json:"size"`
	HitRatio  float64 `json:"hit_ratio"`
}

func newTierStats(tier string, hits, misses, evictions uint64, size int) TierStats {
	s := TierStats{Tier: tier, Hits: hits, Misses: misses, Evictions: evictions, Size: size}
	if total := hits + misses; total > 0 {
		s.HitRatio = float64(hits) / float64(total)
	}
	return s
}

// Stats aggregates the facade's view of every tier.
type Stats struct {
	L1          TierStats `json:"l1"`
	L2          TierStats `json:"l2"`
	L2Available bool      `json:"l2_available"`
}
