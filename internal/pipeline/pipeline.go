// Package pipeline composes the maintenance control flow into schedulable
// task bodies: pull the pending window from a changelog, quality-gate it,
// apply it to dimension or fact state, and advance the stream offset only on
// success. A body that errors never commits, so the next firing rereads the
// same window.
package pipeline

import (
	"context"
	"time"

	"go-dwh/internal/changelog"
	"go-dwh/internal/dimension"
	"go-dwh/internal/fact"
	"go-dwh/internal/model"
	"go-dwh/internal/quality"
)

// Merger is the dimension-side batch application, satisfied by both
// dimension.Type1Merger and dimension.Type2Merger.
type Merger interface {
	Apply(batch []model.ChangeEvent, processDate time.Time) (dimension.MergeResult, error)
}

// DimensionLoadBody builds the task body maintaining one dimension from one
// stream.
func DimensionLoadBody(clog *changelog.Log, streamID, consumer string, gate *quality.Gate, merger Merger, clock func() time.Time) func(context.Context) error {
	return func(ctx context.Context) error {
		window, err := readWindow(ctx, clog, streamID, consumer)
		if err != nil || len(window) == 0 {
			return err
		}
		valid, _ := gate.Partition(window)
		if _, err := merger.Apply(valid, clock()); err != nil {
			return err
		}
		// Quarantined events are consumed too: they are excluded from the
		// working set, not replayed.
		return clog.Commit(streamID, consumer, window[len(window)-1].Sequence)
	}
}

// FactLoadBody builds the task body appending fact rows from one stream.
func FactLoadBody(clog *changelog.Log, streamID, consumer string, gate *quality.Gate, loader *fact.Loader, clock func() time.Time) func(context.Context) error {
	return func(ctx context.Context) error {
		window, err := readWindow(ctx, clog, streamID, consumer)
		if err != nil || len(window) == 0 {
			return err
		}
		valid, _ := gate.Partition(window)
		if _, err := loader.Load(valid, clock()); err != nil {
			return err
		}
		return clog.Commit(streamID, consumer, window[len(window)-1].Sequence)
	}
}

// ReconcileBody builds the task body sweeping sentinel-keyed fact rows.
func ReconcileBody(rec *fact.Reconciler) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec.Sweep()
		return nil
	}
}

func readWindow(ctx context.Context, clog *changelog.Log, streamID, consumer string) ([]model.ChangeEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pending, err := clog.HasPending(streamID, consumer)
	if err != nil {
		return nil, err
	}
	if !pending {
		return nil, nil
	}
	return clog.Read(streamID, consumer)
}
