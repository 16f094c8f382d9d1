package dimension

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"go-dwh/internal/metrics"
	"go-dwh/internal/model"
)

// DefaultTick is the effective-dating granularity: an expired version's
// interval closes one tick before its successor opens.
const DefaultTick = 24 * time.Hour

// Type2Merger applies historized maintenance: every distinct attribute state
// of a natural key is its own row with a validity interval, exactly one
// current row per key, intervals contiguous and non-overlapping.
type Type2Merger struct {
	arena  *Arena
	logger *zap.Logger
	tick   time.Duration
}

type Type2Option func(*Type2Merger)

// WithTick overrides the effective-dating granularity (e.g. time.Second for
// intraday dimension feeds).
func WithTick(tick time.Duration) Type2Option {
	return func(m *Type2Merger) { m.tick = tick }
}

func NewType2Merger(arena *Arena, logger *zap.Logger, opts ...Type2Option) *Type2Merger {
	m := &Type2Merger{arena: arena, logger: logger, tick: DefaultTick}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Apply merges a validated change batch in two phases executed as one
// atomic unit: expire every current version whose hash differs from the
// incoming state, then insert a fresh current version for every key without
// a matching current row. Events for the same key are processed in source
// sequence order, so no intermediate version is skipped. On error no
// mutation is visible.
func (m *Type2Merger) Apply(batch []model.ChangeEvent, processDate time.Time) (MergeResult, error) {
	a := m.arena
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.frozen != nil {
		return MergeResult{}, a.frozen
	}

	events := model.FoldPairs(batch)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Sequence < events[j].Sequence })

	staged := make(map[string]*versionList)
	touch := func(key string) *versionList {
		if vl, ok := staged[key]; ok {
			return vl
		}
		vl := &versionList{current: -1}
		if existing, ok := a.members[key]; ok {
			vl = existing.clone()
		}
		staged[key] = vl
		return vl
	}

	var res MergeResult
	for _, e := range events {
		vl := touch(e.NaturalKey)
		var cur *model.DimensionRecord
		if vl.current >= 0 {
			cur = vl.versions[vl.current]
		}
		if e.Kind == model.Delete {
			if cur == nil {
				res.Skipped++
				continue
			}
			m.expire(vl, processDate)
			res.Expired++
			continue
		}
		attrs := e.Payload.Clone()
		hash := e.Payload.ChangeHash()
		if cur != nil && cur.ChangeHash == hash {
			res.Skipped++
			continue
		}
		if cur != nil {
			m.expire(vl, processDate)
			res.Expired++
		}
		rec := &model.DimensionRecord{
			SurrogateKey:  a.mint(),
			NaturalKey:    e.NaturalKey,
			Attributes:    attrs,
			ChangeHash:    hash,
			EffectiveFrom: processDate,
			IsCurrent:     true,
		}
		vl.versions = append(vl.versions, rec)
		vl.current = len(vl.versions) - 1
		res.Inserted++
	}

	for key, vl := range staged {
		if err := checkInvariant(a.name, key, vl, model.SCDType2); err != nil {
			a.frozen = err
			m.logger.Error("dimension frozen", zap.String("dimension", a.name), zap.Error(err))
			return MergeResult{}, err
		}
	}
	for key, vl := range staged {
		a.members[key] = vl
	}
	metrics.MergeInsertedTotal.WithLabelValues(a.name).Add(float64(res.Inserted))
	metrics.MergeExpiredTotal.WithLabelValues(a.name).Add(float64(res.Expired))
	m.logger.Info("type 2 merge applied",
		zap.String("dimension", a.name), zap.Int("inserted", res.Inserted),
		zap.Int("expired", res.Expired), zap.Int("skipped", res.Skipped))
	return res, nil
}

// expire closes the current version one tick before the processing date.
// Expiry never edits history in place: the closed version replaces the open
// one at the same position. A version opened and closed on the same
// processing date gets a zero-length interval rather than an inverted one.
func (m *Type2Merger) expire(vl *versionList, processDate time.Time) {
	cur := vl.versions[vl.current]
	to := processDate.Add(-m.tick)
	if to.Before(cur.EffectiveFrom) {
		to = cur.EffectiveFrom
	}
	closed := *cur
	closed.EffectiveTo = &to
	closed.IsCurrent = false
	vl.versions[vl.current] = &closed
	vl.current = -1
}
