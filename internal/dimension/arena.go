// Package dimension maintains slowly-changing-dimension state and the merge
// algorithms that mutate it from validated change batches.
//
// State is an arena of immutable versioned records: each natural key holds an
// ordered version list plus a current-version index. Mutation appends a
// version and repoints the index; history is never edited in place.
package dimension

import (
	"sync"

	"github.com/pkg/errors"

	"go-dwh/internal/model"
)

var (
	// ErrMergeInvariant means 0 or >1 current rows were detected for a
	// natural key. Fatal: the dimension is frozen pending manual repair.
	ErrMergeInvariant = errors.New("merge invariant violated: natural key does not have exactly one current row")

	// ErrDimensionFrozen rejects merges on a dimension halted by a prior
	// invariant violation. Unfreeze after manual repair.
	ErrDimensionFrozen = errors.New("dimension frozen pending manual repair")

	// ErrNotFound is returned by key resolution when no member exists for
	// the natural key.
	ErrNotFound = errors.New("natural key not found")
)

type versionList struct {
	versions []*model.DimensionRecord
	current  int // index into versions; -1 when no current version
}

func (vl *versionList) clone() *versionList {
	out := &versionList{current: vl.current}
	out.versions = append([]*model.DimensionRecord(nil), vl.versions...)
	return out
}

// Arena is the current state of one dimension.
type Arena struct {
	mu      sync.RWMutex
	name    string
	scd     model.SCDType
	members map[string]*versionList
	nextKey int64
	frozen  error
}

func NewArena(name string, scd model.SCDType) *Arena {
	return &Arena{
		name:    name,
		scd:     scd,
		members: make(map[string]*versionList),
	}
}

func (a *Arena) Name() string       { return a.name }
func (a *Arena) SCD() model.SCDType { return a.scd }

// mint assigns the next surrogate key. Caller holds the write lock.
func (a *Arena) mint() model.SurrogateKey {
	a.nextKey++
	return model.SurrogateKey(a.nextKey)
}

// Current returns the current version for the natural key, if any.
func (a *Arena) Current(naturalKey string) (model.DimensionRecord, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	vl, ok := a.members[naturalKey]
	if !ok || vl.current < 0 {
		return model.DimensionRecord{}, false
	}
	return *vl.versions[vl.current], true
}

// History returns all versions for the natural key in effective order.
func (a *Arena) History(naturalKey string) []model.DimensionRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	vl, ok := a.members[naturalKey]
	if !ok {
		return nil
	}
	out := make([]model.DimensionRecord, len(vl.versions))
	for i, v := range vl.versions {
		out[i] = *v
	}
	return out
}

// Len returns the number of known natural keys.
func (a *Arena) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.members)
}

// Frozen reports the invariant violation that halted this dimension, if any.
func (a *Arena) Frozen() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.frozen
}

// Unfreeze clears the halt after manual repair.
func (a *Arena) Unfreeze() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frozen = nil
}

// checkInvariant verifies the one-current-row rule for a version list.
// A key whose member was deleted (no current version) passes for Type 2,
// where deletion legitimately leaves only history.
func checkInvariant(name, key string, vl *versionList, scd model.SCDType) error {
	currents := 0
	for _, v := range vl.versions {
		if v.IsCurrent {
			currents++
		}
	}
	switch {
	case currents > 1:
		return errors.Wrapf(ErrMergeInvariant, "dimension %s key %s: %d current rows", name, key, currents)
	case currents == 0 && vl.current >= 0:
		return errors.Wrapf(ErrMergeInvariant, "dimension %s key %s: index points at non-current row", name, key)
	case currents == 1 && (vl.current < 0 || !vl.versions[vl.current].IsCurrent):
		return errors.Wrapf(ErrMergeInvariant, "dimension %s key %s: current index out of sync", name, key)
	case currents == 0 && scd == model.SCDType1 && len(vl.versions) > 0:
		return errors.Wrapf(ErrMergeInvariant, "dimension %s key %s: type 1 row lost currency", name, key)
	}
	return nil
}
