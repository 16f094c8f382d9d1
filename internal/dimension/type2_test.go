package dimension

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-dwh/internal/model"
)

func day(n int) time.Time {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func insert(key string, seq int64, attrs model.AttributeBag) model.ChangeEvent {
	return model.ChangeEvent{Relation: "customers", NaturalKey: key, Kind: model.Insert, Payload: attrs, Sequence: seq}
}

func deleteEv(key string, seq int64) model.ChangeEvent {
	return model.ChangeEvent{Relation: "customers", NaturalKey: key, Kind: model.Delete, Sequence: seq}
}

func TestType2FirstVersion(t *testing.T) {
	arena := NewArena("customer", model.SCDType2)
	m := NewType2Merger(arena, zap.NewNop())

	res, err := m.Apply([]model.ChangeEvent{insert("C1", 1, model.AttributeBag{"name": "Alice"})}, day(0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 0, res.Expired)

	history := arena.History("C1")
	require.Len(t, history, 1)
	rec := history[0]
	assert.True(t, rec.IsCurrent)
	assert.Equal(t, day(0), rec.EffectiveFrom)
	assert.Nil(t, rec.EffectiveTo)
	assert.NotEqual(t, model.SentinelKey, rec.SurrogateKey)
}

func TestType2ChangeExpiresAndInserts(t *testing.T) {
	arena := NewArena("customer", model.SCDType2)
	m := NewType2Merger(arena, zap.NewNop())

	_, err := m.Apply([]model.ChangeEvent{insert("C1", 1, model.AttributeBag{"name": "Alice"})}, day(0))
	require.NoError(t, err)

	res, err := m.Apply([]model.ChangeEvent{insert("C1", 2, model.AttributeBag{"name": "Alice B."})}, day(5))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Expired)

	history := arena.History("C1")
	require.Len(t, history, 2)

	first, second := history[0], history[1]
	assert.False(t, first.IsCurrent)
	require.NotNil(t, first.EffectiveTo)
	assert.Equal(t, day(4), *first.EffectiveTo, "expired one tick before the new version")
	assert.Equal(t, day(0), first.EffectiveFrom)

	assert.True(t, second.IsCurrent)
	assert.Equal(t, day(5), second.EffectiveFrom)
	assert.Nil(t, second.EffectiveTo)
	assert.NotEqual(t, first.SurrogateKey, second.SurrogateKey)
}

func TestType2DuplicateDeliveryIsNoOp(t *testing.T) {
	arena := NewArena("customer", model.SCDType2)
	m := NewType2Merger(arena, zap.NewNop())

	batch := []model.ChangeEvent{insert("C1", 2, model.AttributeBag{"name": "Alice B."})}
	_, err := m.Apply([]model.ChangeEvent{insert("C1", 1, model.AttributeBag{"name": "Alice"})}, day(0))
	require.NoError(t, err)
	_, err = m.Apply(batch, day(5))
	require.NoError(t, err)

	res, err := m.Apply(batch, day(6))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inserted)
	assert.Equal(t, 0, res.Expired)
	assert.Equal(t, 1, res.Skipped)
	assert.Len(t, arena.History("C1"), 2)
}

func TestType2ExactlyOneCurrentPerKey(t *testing.T) {
	arena := NewArena("customer", model.SCDType2)
	m := NewType2Merger(arena, zap.NewNop())

	for i := 0; i < 4; i++ {
		_, err := m.Apply([]model.ChangeEvent{
			insert("C1", int64(i+1), model.AttributeBag{"rev": float64(i)}),
		}, day(i))
		require.NoError(t, err)
	}

	currents := 0
	for _, rec := range arena.History("C1") {
		if rec.IsCurrent {
			currents++
		}
	}
	assert.Equal(t, 1, currents)
}

func TestType2IntervalsGaplessAndNonOverlapping(t *testing.T) {
	arena := NewArena("customer", model.SCDType2)
	m := NewType2Merger(arena, zap.NewNop())

	for i := 0; i < 5; i++ {
		_, err := m.Apply([]model.ChangeEvent{
			insert("C1", int64(i+1), model.AttributeBag{"rev": float64(i)}),
		}, day(i*3))
		require.NoError(t, err)
	}

	history := arena.History("C1")
	require.Len(t, history, 5)
	for i := 0; i < len(history)-1; i++ {
		cur, next := history[i], history[i+1]
		require.NotNil(t, cur.EffectiveTo)
		// Contiguous: the successor opens exactly one tick after the
		// predecessor closes.
		assert.Equal(t, next.EffectiveFrom, cur.EffectiveTo.Add(DefaultTick))
		assert.False(t, cur.EffectiveTo.Before(cur.EffectiveFrom))
	}
	assert.Nil(t, history[len(history)-1].EffectiveTo)
}

func TestType2IntraBatchVersionsInSequenceOrder(t *testing.T) {
	arena := NewArena("customer", model.SCDType2)
	m := NewType2Merger(arena, zap.NewNop())

	// Delivered out of order within the batch; source sequence must win so
	// no intermediate version is skipped.
	batch := []model.ChangeEvent{
		insert("C1", 2, model.AttributeBag{"name": "v2"}),
		insert("C1", 1, model.AttributeBag{"name": "v1"}),
	}
	res, err := m.Apply(batch, day(0))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Equal(t, 1, res.Expired)

	history := arena.History("C1")
	require.Len(t, history, 2)
	n1, err := history[0].Attributes.String("name")
	require.NoError(t, err)
	n2, err := history[1].Attributes.String("name")
	require.NoError(t, err)
	assert.Equal(t, "v1", n1)
	assert.Equal(t, "v2", n2)
	assert.True(t, history[1].IsCurrent)
	assert.False(t, history[0].IsCurrent)
}

func TestType2UpdatePairAppliesAsOneChange(t *testing.T) {
	arena := NewArena("customer", model.SCDType2)
	m := NewType2Merger(arena, zap.NewNop())

	_, err := m.Apply([]model.ChangeEvent{insert("C1", 1, model.AttributeBag{"name": "old"})}, day(0))
	require.NoError(t, err)

	pair := []model.ChangeEvent{
		{NaturalKey: "C1", Kind: model.Delete, Before: model.AttributeBag{"name": "old"}, Sequence: 2, PairID: 1},
		{NaturalKey: "C1", Kind: model.Insert, Payload: model.AttributeBag{"name": "new"}, Sequence: 3, PairID: 1},
	}
	res, err := m.Apply(pair, day(1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)
	assert.Equal(t, 1, res.Expired)
	require.Len(t, arena.History("C1"), 2)
}

func TestType2DeleteExpiresWithoutSuccessor(t *testing.T) {
	arena := NewArena("customer", model.SCDType2)
	m := NewType2Merger(arena, zap.NewNop())

	_, err := m.Apply([]model.ChangeEvent{insert("C1", 1, model.AttributeBag{"name": "Alice"})}, day(0))
	require.NoError(t, err)

	res, err := m.Apply([]model.ChangeEvent{deleteEv("C1", 2)}, day(3))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 0, res.Inserted)

	_, ok := arena.Current("C1")
	assert.False(t, ok)
	history := arena.History("C1")
	require.Len(t, history, 1, "history survives deletion")
	require.NotNil(t, history[0].EffectiveTo)
}

func TestType2FrozenDimensionRejectsMerges(t *testing.T) {
	arena := NewArena("customer", model.SCDType2)
	m := NewType2Merger(arena, zap.NewNop())

	_, err := m.Apply([]model.ChangeEvent{insert("C1", 1, model.AttributeBag{"name": "Alice"})}, day(0))
	require.NoError(t, err)

	// Simulate corruption: a second current row for the same key.
	arena.mu.Lock()
	vl := arena.members["C1"]
	vl.versions = append(vl.versions, &model.DimensionRecord{
		SurrogateKey: 999, NaturalKey: "C1", IsCurrent: true, EffectiveFrom: day(0),
	})
	arena.mu.Unlock()

	_, err = m.Apply([]model.ChangeEvent{insert("C1", 2, model.AttributeBag{"name": "B"})}, day(1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMergeInvariant))

	// Frozen until manual repair.
	_, err = m.Apply([]model.ChangeEvent{insert("C2", 3, model.AttributeBag{"name": "C"})}, day(2))
	assert.True(t, errors.Is(err, ErrMergeInvariant))

	arena.mu.Lock()
	vl.versions = vl.versions[:1]
	arena.mu.Unlock()
	arena.Unfreeze()
	_, err = m.Apply([]model.ChangeEvent{insert("C2", 4, model.AttributeBag{"name": "C"})}, day(3))
	assert.NoError(t, err)
}

func TestType2FailedApplyLeavesStateUntouched(t *testing.T) {
	arena := NewArena("customer", model.SCDType2)
	m := NewType2Merger(arena, zap.NewNop())

	_, err := m.Apply([]model.ChangeEvent{insert("C1", 1, model.AttributeBag{"name": "Alice"})}, day(0))
	require.NoError(t, err)
	arena.frozen = ErrDimensionFrozen

	_, err = m.Apply([]model.ChangeEvent{insert("C1", 2, model.AttributeBag{"name": "B"})}, day(1))
	require.Error(t, err)

	arena.Unfreeze()
	rec, ok := arena.Current("C1")
	require.True(t, ok)
	name, err := rec.Attributes.String("name")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)
}
