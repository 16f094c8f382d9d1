package dimension

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"go-dwh/internal/metrics"
	"go-dwh/internal/model"
)

// Resolver looks surrogate keys up by natural key against current dimension
// state. Read-only and safe for parallel use.
type Resolver struct {
	mu     sync.RWMutex
	arenas map[string]*Arena
	logger *zap.Logger
}

func NewResolver(logger *zap.Logger, arenas ...*Arena) *Resolver {
	r := &Resolver{arenas: make(map[string]*Arena), logger: logger}
	for _, a := range arenas {
		r.arenas[a.Name()] = a
	}
	return r
}

func (r *Resolver) AddArena(a *Arena) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.arenas[a.Name()] = a
}

func (r *Resolver) Arena(dimension string) (*Arena, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.arenas[dimension]
	return a, ok
}

// Resolve returns the surrogate key of the current member for the natural
// key. Type 2 resolution sees only the current version; Type 1 rows are
// always current. A miss returns ErrNotFound.
func (r *Resolver) Resolve(dimension, naturalKey string) (model.SurrogateKey, error) {
	a, ok := r.Arena(dimension)
	if !ok {
		return model.SentinelKey, errors.Errorf("unknown dimension %q", dimension)
	}
	rec, ok := a.Current(naturalKey)
	if !ok {
		return model.SentinelKey, errors.Wrapf(ErrNotFound, "dimension %s key %s", dimension, naturalKey)
	}
	return rec.SurrogateKey, nil
}

// ResolveOrSentinel resolves the key, falling back to the sentinel on a
// miss. Misses are logged for reconciliation, never silently dropped; a
// late-arriving dimension member must not block fact ingestion.
func (r *Resolver) ResolveOrSentinel(dimension, naturalKey string) (model.SurrogateKey, bool) {
	key, err := r.Resolve(dimension, naturalKey)
	if err != nil {
		metrics.ResolverMissTotal.WithLabelValues(dimension).Inc()
		r.logger.Warn("unresolved dimension reference",
			zap.String("dimension", dimension), zap.String("key", naturalKey))
		return model.SentinelKey, false
	}
	return key, true
}
