package fact

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-dwh/internal/dimension"
	"go-dwh/internal/model"
)

var loadTime = time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)

func seedProductDimension(t *testing.T, keys ...string) (*dimension.Resolver, *dimension.Arena) {
	t.Helper()
	arena := dimension.NewArena("product", model.SCDType1)
	m := dimension.NewType1Merger(arena, zap.NewNop())
	var batch []model.ChangeEvent
	for i, k := range keys {
		batch = append(batch, model.ChangeEvent{
			NaturalKey: k, Kind: model.Insert, Sequence: int64(i + 1),
			Payload: model.AttributeBag{"sku": k},
		})
	}
	if len(batch) > 0 {
		_, err := m.Apply(batch, loadTime)
		require.NoError(t, err)
	}
	return dimension.NewResolver(zap.NewNop(), arena), arena
}

func orderEvent(orderID, product string, price, qty, discountPct float64) model.ChangeEvent {
	return model.ChangeEvent{
		Relation:   "order_lines",
		NaturalKey: orderID,
		Kind:       model.Insert,
		Payload: model.AttributeBag{
			"order_id":     orderID,
			"product_id":   product,
			"price":        price,
			"quantity":     qty,
			"discount_pct": discountPct,
		},
	}
}

func newLoader(resolver *dimension.Resolver) (*Loader, *Store) {
	store := NewStore("sales")
	bindings := []Binding{{Dimension: "product", Attribute: "product_id"}}
	return NewLoader(store, resolver, "order_id", bindings, zap.NewNop()), store
}

func TestLoadResolvesKeysAndDerivesMeasures(t *testing.T) {
	resolver, arena := seedProductDimension(t, "P1")
	loader, store := newLoader(resolver)

	res, err := loader.Load([]model.ChangeEvent{orderEvent("O1", "P1", 19.99, 3, 10)}, loadTime)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Loaded)
	assert.Zero(t, res.SentinelRows)
	assert.Empty(t, res.Warnings)

	rows := store.Rows()
	require.Len(t, rows, 1)
	row := rows[0]
	assert.Equal(t, "O1", row.DegenerateID)

	cur, ok := arena.Current("P1")
	require.True(t, ok)
	assert.Equal(t, cur.SurrogateKey, row.Keys["product"])

	// 19.99 * 3 = 59.97; 10% = 5.997 → 6.00 half-up.
	assert.Equal(t, "59.97", row.Measures["grossAmount"].String())
	assert.Equal(t, "6", row.Measures["discountAmount"].String())
	assert.Equal(t, "53.97", row.Measures["netAmount"].String())
	assert.Equal(t, loadTime, row.LoadTime)
}

func TestMeasureRoundTripWithinTolerance(t *testing.T) {
	resolver, _ := seedProductDimension(t, "P1")
	loader, store := newLoader(resolver)

	events := []model.ChangeEvent{
		orderEvent("O1", "P1", 0.07, 13, 33.33),
		orderEvent("O2", "P1", 123.45, 7, 12.5),
		orderEvent("O3", "P1", 9.99, 1, 0),
	}
	_, err := loader.Load(events, loadTime)
	require.NoError(t, err)

	tolerance := decimal.NewFromFloat(0.01)
	for _, row := range store.Rows() {
		sum := row.Measures["discountAmount"].Add(row.Measures["netAmount"])
		diff := sum.Sub(row.Measures["grossAmount"]).Abs()
		assert.True(t, diff.LessThanOrEqual(tolerance),
			"row %s: discount+net=%s gross=%s", row.DegenerateID, sum, row.Measures["grossAmount"])
	}
}

func TestUnresolvedReferenceLoadsWithSentinel(t *testing.T) {
	resolver, _ := seedProductDimension(t) // empty dimension
	loader, store := newLoader(resolver)

	res, err := loader.Load([]model.ChangeEvent{orderEvent("O1", "P999", 10, 1, 0)}, loadTime)
	require.NoError(t, err, "a lookup miss must not fail the load")
	assert.Equal(t, 1, res.Loaded)
	assert.Equal(t, 1, res.SentinelRows)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, Warning{DegenerateID: "O1", Dimension: "product", NaturalKey: "P999"}, res.Warnings[0])

	rows := store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, model.SentinelKey, rows[0].Keys["product"])
	assert.True(t, rows[0].HasSentinel())
	assert.Len(t, store.SentinelRows(), 1)
}

func TestNonInsertEventsSkipped(t *testing.T) {
	resolver, _ := seedProductDimension(t, "P1")
	loader, store := newLoader(resolver)

	res, err := loader.Load([]model.ChangeEvent{
		{Relation: "order_lines", NaturalKey: "O1", Kind: model.Delete},
		orderEvent("O2", "P1", 5, 1, 0),
	}, loadTime)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Loaded)
	assert.Equal(t, 1, store.Len())
}

func TestMalformedRecordSkippedNotFatal(t *testing.T) {
	resolver, _ := seedProductDimension(t, "P1")
	loader, store := newLoader(resolver)

	res, err := loader.Load([]model.ChangeEvent{
		{Relation: "order_lines", NaturalKey: "x", Kind: model.Insert,
			Payload: model.AttributeBag{"product_id": "P1"}}, // no order_id
		{Relation: "order_lines", NaturalKey: "y", Kind: model.Insert,
			Payload: model.AttributeBag{"order_id": "O2", "product_id": "P1",
				"price": "free", "quantity": 1.0}}, // non-numeric price
		orderEvent("O3", "P1", 5, 1, 0),
	}, loadTime)
	require.NoError(t, err, "malformed records must not fail the window")
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 1, res.Loaded)
	assert.Empty(t, res.Warnings)

	rows := store.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "O3", rows[0].DegenerateID)
}

func TestReloadingUncommittedWindowDuplicates(t *testing.T) {
	// Idempotence is delegated to the changelog offset; the loader itself
	// appends blindly.
	resolver, _ := seedProductDimension(t, "P1")
	loader, store := newLoader(resolver)

	batch := []model.ChangeEvent{orderEvent("O1", "P1", 10, 1, 0)}
	_, err := loader.Load(batch, loadTime)
	require.NoError(t, err)
	_, err = loader.Load(batch, loadTime)
	require.NoError(t, err)

	assert.Len(t, store.ByDegenerateID("O1"), 2)
}
