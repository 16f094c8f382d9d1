package fact

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"go-dwh/internal/dimension"
	"go-dwh/internal/metrics"
	"go-dwh/internal/model"
)

// Binding maps a fact-source attribute onto a dimension lookup: the
// attribute holds the natural key to resolve against the named dimension.
type Binding struct {
	Dimension string
	Attribute string
}

// Warning records a non-fatal load anomaly for the reconciliation report.
type Warning struct {
	DegenerateID string
	Dimension    string
	NaturalKey   string
}

// LoadResult counts what one batch load did.
type LoadResult struct {
	Loaded       int
	SentinelRows int
	Skipped      int // non-insert events and malformed records
	Warnings     []Warning
}

// Loader appends fact rows from validated fact-source events.
//
// Idempotence is delegated entirely to the changelog's exactly-once offset:
// re-invoking on an already-committed window is a no-op because the window
// is empty, but invoking twice on an uncommitted window duplicates rows.
type Loader struct {
	store          *Store
	resolver       *dimension.Resolver
	bindings       []Binding
	degenerateAttr string
	logger         *zap.Logger
}

func NewLoader(store *Store, resolver *dimension.Resolver, degenerateAttr string, bindings []Binding, logger *zap.Logger) *Loader {
	return &Loader{
		store:          store,
		resolver:       resolver,
		bindings:       bindings,
		degenerateAttr: degenerateAttr,
		logger:         logger,
	}
}

// Load appends one row per insert event. Unresolved dimension references
// load with the sentinel key and surface a warning rather than blocking
// ingestion; the unresolved natural key is kept on the row for the
// reconciliation sweep. A malformed record is skipped, never a batch
// failure: the quality gate should have quarantined it, and failing the
// window here would block the stream on a record no retry can repair.
func (l *Loader) Load(batch []model.ChangeEvent, loadTime time.Time) (LoadResult, error) {
	var res LoadResult
	var rows []*model.FactRecord
	for _, e := range batch {
		if e.Kind != model.Insert {
			// Fact sources are append-only; anything else is a wiring fault
			// upstream, not a reason to drop the whole window.
			res.Skipped++
			l.logger.Warn("non-insert event on fact source skipped",
				zap.String("relation", e.Relation), zap.String("kind", string(e.Kind)),
				zap.Int64("sequence", e.Sequence))
			continue
		}
		row, warnings, err := l.buildRow(e, loadTime)
		if err != nil {
			res.Skipped++
			l.logger.Warn("malformed fact record skipped",
				zap.String("fact", l.store.Name()), zap.Int64("sequence", e.Sequence),
				zap.Error(err))
			continue
		}
		res.Warnings = append(res.Warnings, warnings...)

		rows = append(rows, row)
		res.Loaded++
		if row.HasSentinel() {
			res.SentinelRows++
			metrics.FactsSentinelTotal.WithLabelValues(l.store.Name()).Inc()
		}
	}
	l.store.append(rows...)
	metrics.FactsLoadedTotal.WithLabelValues(l.store.Name()).Add(float64(res.Loaded))
	return res, nil
}

// buildRow assembles one fact row from one insert event, resolving every
// dimension reference and deriving measures. An accessor error means the
// record is malformed.
func (l *Loader) buildRow(e model.ChangeEvent, loadTime time.Time) (*model.FactRecord, []Warning, error) {
	degenID, err := e.Payload.String(l.degenerateAttr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "degenerate identifier %q", l.degenerateAttr)
	}
	row := &model.FactRecord{
		DegenerateID: degenID,
		Keys:         make(map[string]model.SurrogateKey, len(l.bindings)),
		Measures:     make(map[string]decimal.Decimal),
		LoadTime:     loadTime,
	}
	var warnings []Warning
	for _, b := range l.bindings {
		naturalKey, err := e.Payload.String(b.Attribute)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "dimension reference %q", b.Attribute)
		}
		key, ok := l.resolver.ResolveOrSentinel(b.Dimension, naturalKey)
		row.Keys[b.Dimension] = key
		if !ok {
			if row.Pending == nil {
				row.Pending = make(map[string]string)
			}
			row.Pending[b.Dimension] = naturalKey
			warnings = append(warnings, Warning{
				DegenerateID: degenID, Dimension: b.Dimension, NaturalKey: naturalKey,
			})
		}
	}
	if err := deriveMeasures(e.Payload, row.Measures); err != nil {
		return nil, nil, errors.Wrapf(err, "measures for %s", degenID)
	}
	return row, warnings, nil
}

// deriveMeasures computes the standard sales measures from the event
// payload. Amounts round half-up to 2 decimals; netAmount is derived from
// the rounded pair so that discountAmount + netAmount == grossAmount holds
// exactly.
func deriveMeasures(payload model.AttributeBag, out map[string]decimal.Decimal) error {
	if !payload.Has("price") || !payload.Has("quantity") {
		return nil // not a priced event; no derived measures
	}
	price, err := payload.Decimal("price")
	if err != nil {
		return err
	}
	qty, err := payload.Decimal("quantity")
	if err != nil {
		return err
	}
	pct := decimal.Zero
	if payload.Has("discount_pct") {
		if pct, err = payload.Decimal("discount_pct"); err != nil {
			return err
		}
	}
	gross := price.Mul(qty).Round(2)
	discount := gross.Mul(pct).Div(decimal.NewFromInt(100)).Round(2)
	out["grossAmount"] = gross
	out["discountAmount"] = discount
	out["netAmount"] = gross.Sub(discount)
	return nil
}
