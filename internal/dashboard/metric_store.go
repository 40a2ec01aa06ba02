package dashboard

import (
	"sync"

	"tickflow/internal/metrics"
)

// metricStore keeps a bounded history of emitted metrics for the dashboard
// API. Oldest entries are evicted first.
type metricStore struct {
	mu      sync.Mutex
	history []metrics.Metric
	limit   int
}

func newMetricStore(limit int) *metricStore {
	if limit <= 0 {
		limit = 200
	}
	return &metricStore{limit: limit}
}

func (s *metricStore) handle(m metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
	if len(s.history) > s.limit {
		s.history = s.history[len(s.history)-s.limit:]
	}
}

func (s *metricStore) snapshot() []metrics.Metric {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]metrics.Metric, len(s.history))
	copy(out, s.history)
	return out
}
