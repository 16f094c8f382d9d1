// Package fact loads quality-gated fact-source events into immutable fact
// rows, resolving dimension references and computing derived measures.
package fact

import (
	"sync"

	"go-dwh/internal/model"
)

// Store holds the rows of one fact table. Rows are append-only; the only
// post-load mutation is surrogate-key reconciliation (see Reconciler).
type Store struct {
	mu   sync.RWMutex
	name string
	rows []*model.FactRecord
}

func NewStore(name string) *Store {
	return &Store{name: name}
}

func (s *Store) Name() string { return s.name }

func (s *Store) append(rows ...*model.FactRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

// Rows returns a snapshot of all rows in load order.
func (s *Store) Rows() []model.FactRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FactRecord, len(s.rows))
	for i, r := range s.rows {
		out[i] = *r
	}
	return out
}

// ByDegenerateID returns the rows loaded under the business identifier.
// More than one row indicates a double-load of an uncommitted window.
func (s *Store) ByDegenerateID(id string) []model.FactRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FactRecord
	for _, r := range s.rows {
		if r.DegenerateID == id {
			out = append(out, *r)
		}
	}
	return out
}

// SentinelRows returns rows still carrying unresolved dimension references.
func (s *Store) SentinelRows() []model.FactRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.FactRecord
	for _, r := range s.rows {
		if r.HasSentinel() {
			out = append(out, *r)
		}
	}
	return out
}
