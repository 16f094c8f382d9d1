package fact

import (
	"go.uber.org/zap"

	"go-dwh/internal/dimension"
)

// Reconciler repairs sentinel-keyed fact rows once the missing dimension
// member arrives. Run as a scheduled task so late-arriving dimensions do not
// leave permanent orphans. Only the surrogate-key reference is repointed;
// measures and the degenerate identifier are never edited.
type Reconciler struct {
	store    *Store
	resolver *dimension.Resolver
	logger   *zap.Logger
}

func NewReconciler(store *Store, resolver *dimension.Resolver, logger *zap.Logger) *Reconciler {
	return &Reconciler{store: store, resolver: resolver, logger: logger}
}

// Sweep re-resolves every pending dimension reference. Returns how many
// references were repointed and how many remain unresolved.
func (r *Reconciler) Sweep() (repointed, remaining int) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		for dim, naturalKey := range row.Pending {
			key, err := r.resolver.Resolve(dim, naturalKey)
			if err != nil {
				remaining++
				continue
			}
			row.Keys[dim] = key
			delete(row.Pending, dim)
			repointed++
			r.logger.Info("sentinel fact reference reconciled",
				zap.String("fact", s.name), zap.String("degenerate_id", row.DegenerateID),
				zap.String("dimension", dim), zap.String("key", naturalKey))
		}
	}
	if repointed > 0 || remaining > 0 {
		r.logger.Info("reconciliation sweep finished",
			zap.String("fact", s.name), zap.Int("repointed", repointed), zap.Int("remaining", remaining))
	}
	return repointed, remaining
}
