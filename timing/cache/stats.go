package cache

import "log/slog"

// LevelStats holds the counters of one level.
type LevelStats struct {
	Level    string
	Accesses uint64
	Misses   uint64
}

// Hits returns the number of accesses that hit.
func (s LevelStats) Hits() uint64 {
	return s.Accesses - s.Misses
}

// MissRate returns misses per access, or 0 before the first access.
func (s LevelStats) MissRate() float64 {
	if s.Accesses == 0 {
		return 0
	}
	return float64(s.Misses) / float64(s.Accesses)
}

// Stats returns the counters of all five levels in reporting order. A
// stopped hierarchy reports zeros.
func (h *Hierarchy) Stats() []LevelStats {
	stats := make([]LevelStats, 0, NumLevels)

	for _, l := range Levels() {
		s := LevelStats{Level: l.String()}
		if m := h.models[l]; m != nil {
			s.Accesses = m.AccessCount()
			s.Misses = m.MissCount()
		}
		stats = append(stats, s)
	}

	return stats
}

// LogStats writes one record per level to the hierarchy logger.
func (h *Hierarchy) LogStats() {
	for _, s := range h.Stats() {
		h.logger.Info("cache model stats",
			slog.String("model", s.Level),
			slog.Uint64("accesses", s.Accesses),
			slog.Uint64("misses", s.Misses),
			slog.Float64("miss_rate", s.MissRate()),
		)
	}
}
