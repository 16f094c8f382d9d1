package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go-dwh/internal/changelog"
	"go-dwh/internal/model"
)

func runsFor(s *Scheduler, task string) []model.TaskRun {
	var out []model.TaskRun
	for _, r := range s.History() {
		if r.Task == task {
			out = append(out, r)
		}
	}
	return out
}

func TestDependentSkippedWhenPredecessorFails(t *testing.T) {
	// B depends on A and C; A succeeds, C fails on the first cycle only.
	var cFailures int32 = 1
	var bRuns int32

	specs := []TaskSpec{
		{Name: "A", Schedule: hourly{}, Body: func(context.Context) error { return nil }},
		{Name: "C", Predecessors: []string{"A"}, Body: func(context.Context) error {
			if atomic.AddInt32(&cFailures, -1) >= 0 {
				return errors.New("transient source outage")
			}
			return nil
		}},
		{Name: "B", Predecessors: []string{"A", "C"}, Body: func(context.Context) error {
			atomic.AddInt32(&bRuns, 1)
			return nil
		}},
	}
	s, err := New(zap.NewNop(), specs)
	require.NoError(t, err)

	err = s.RunCycle(context.Background(), "A")
	require.Error(t, err, "cycle reports C's failure")
	assert.Zero(t, atomic.LoadInt32(&bRuns))

	bHistory := runsFor(s, "B")
	require.Len(t, bHistory, 1, "the skip is recorded, not silently dropped")
	assert.Equal(t, model.RunSkipped, bHistory[0].Outcome)
	assert.Contains(t, bHistory[0].SkipNote, "C")

	// Next cycle both predecessors succeed and B runs.
	require.NoError(t, s.RunCycle(context.Background(), "A"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&bRuns))
	bHistory = runsFor(s, "B")
	require.Len(t, bHistory, 2)
	assert.Equal(t, model.RunSucceeded, bHistory[1].Outcome)
}

func TestOverlappingTriggerDropped(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs int32
	specs := []TaskSpec{
		{Name: "A", Schedule: hourly{}, Body: func(context.Context) error {
			// Only the first run blocks; later serialized runs return at once.
			if atomic.AddInt32(&runs, 1) == 1 {
				close(started)
				<-release
			}
			return nil
		}},
	}
	s, err := New(zap.NewNop(), specs)
	require.NoError(t, err)

	firstDone := make(chan error, 1)
	go func() { firstDone <- s.RunCycle(context.Background(), "A") }()
	<-started

	// Second trigger while the first run is still in flight: dropped with a
	// recorded skip.
	require.NoError(t, s.RunCycle(context.Background(), "A"))
	history := runsFor(s, "A")
	require.Len(t, history, 1)
	assert.Equal(t, model.RunSkipped, history[0].Outcome)
	assert.Contains(t, history[0].SkipNote, "in flight")

	close(release)
	require.NoError(t, <-firstDone)
	history = runsFor(s, "A")
	require.Len(t, history, 2)

	// Serialized runs proceed normally afterwards.
	require.NoError(t, s.RunCycle(context.Background(), "A"))
	assert.Len(t, runsFor(s, "A"), 3)
}

func TestRetryWithBackoffThenSuccess(t *testing.T) {
	var calls int32
	specs := []TaskSpec{
		{
			Name:     "A",
			Schedule: hourly{},
			Retry:    model.RetryPolicy{MaxAttempts: 3, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
			Body: func(context.Context) error {
				if atomic.AddInt32(&calls, 1) < 3 {
					return errors.New("lock contention")
				}
				return nil
			},
		},
	}
	s, err := New(zap.NewNop(), specs)
	require.NoError(t, err)

	require.NoError(t, s.RunCycle(context.Background(), "A"))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))

	history := runsFor(s, "A")
	require.Len(t, history, 1)
	assert.Equal(t, model.RunSucceeded, history[0].Outcome)
	assert.Equal(t, 3, history[0].Attempts)
	assert.Equal(t, model.TaskScheduled, s.State("A"), "a finished task is back in rotation")
}

func TestRetryExhaustionFails(t *testing.T) {
	specs := []TaskSpec{
		{
			Name:     "A",
			Schedule: hourly{},
			Retry:    model.RetryPolicy{MaxAttempts: 2, Backoff: time.Millisecond},
			Body:     func(context.Context) error { return errors.New("still down") },
		},
	}
	s, err := New(zap.NewNop(), specs)
	require.NoError(t, err)

	require.Error(t, s.RunCycle(context.Background(), "A"))
	history := runsFor(s, "A")
	require.Len(t, history, 1)
	assert.Equal(t, model.RunFailed, history[0].Outcome)
	assert.Equal(t, 2, history[0].Attempts)
	assert.Equal(t, model.TaskScheduled, s.State("A"), "failure is recorded on the run, not the task")
}

func TestStaleStreamIsNotRetried(t *testing.T) {
	var calls int32
	specs := []TaskSpec{
		{
			Name:     "A",
			Schedule: hourly{},
			Retry:    model.RetryPolicy{MaxAttempts: 5, Backoff: time.Millisecond},
			Body: func(context.Context) error {
				atomic.AddInt32(&calls, 1)
				return errors.Wrap(changelog.ErrStaleStream, "stream orders consumer A")
			},
		},
	}
	s, err := New(zap.NewNop(), specs)
	require.NoError(t, err)

	require.Error(t, s.RunCycle(context.Background(), "A"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "fatal errors surface immediately")
	history := runsFor(s, "A")
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Attempts)
}

func TestTimeoutKillsAttempt(t *testing.T) {
	specs := []TaskSpec{
		{
			Name:     "A",
			Schedule: hourly{},
			Timeout:  10 * time.Millisecond,
			Retry:    model.RetryPolicy{MaxAttempts: 1, Backoff: time.Millisecond},
			Body: func(ctx context.Context) error {
				<-ctx.Done()
				return ctx.Err()
			},
		},
	}
	s, err := New(zap.NewNop(), specs)
	require.NoError(t, err)

	require.Error(t, s.RunCycle(context.Background(), "A"))
	history := runsFor(s, "A")
	require.Len(t, history, 1)
	assert.Equal(t, model.RunFailed, history[0].Outcome)
	assert.Contains(t, history[0].Error, context.DeadlineExceeded.Error())
}

func TestSuspendAndResume(t *testing.T) {
	var runs int32
	specs := []TaskSpec{
		{Name: "A", Schedule: hourly{}, Body: func(context.Context) error {
			atomic.AddInt32(&runs, 1)
			return nil
		}},
	}
	s, err := New(zap.NewNop(), specs)
	require.NoError(t, err)

	s.Suspend("A")
	assert.Equal(t, model.TaskSuspended, s.State("A"))
	require.NoError(t, s.RunCycle(context.Background(), "A"))
	assert.Zero(t, atomic.LoadInt32(&runs))
	history := runsFor(s, "A")
	require.Len(t, history, 1)
	assert.Equal(t, model.RunSkipped, history[0].Outcome)
	assert.Contains(t, history[0].SkipNote, "suspended")

	s.Resume("A")
	require.NoError(t, s.RunCycle(context.Background(), "A"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&runs))
}

func TestIndependentTasksUnaffectedBySiblingFailure(t *testing.T) {
	var ranB int32
	specs := []TaskSpec{
		{Name: "root", Schedule: hourly{}, Body: func(context.Context) error { return nil }},
		{Name: "a", Predecessors: []string{"root"}, Body: func(context.Context) error {
			return errors.New("boom")
		}},
		{Name: "b", Predecessors: []string{"root"}, Body: func(context.Context) error {
			atomic.AddInt32(&ranB, 1)
			return nil
		}},
	}
	s, err := New(zap.NewNop(), specs)
	require.NoError(t, err)

	require.Error(t, s.RunCycle(context.Background(), "root"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ranB), "a's failure must not block the independent b")
}

type captureRecorder struct {
	runs []model.TaskRun
}

func (c *captureRecorder) RecordRun(r model.TaskRun) { c.runs = append(c.runs, r) }

func TestRecorderReceivesEveryRun(t *testing.T) {
	rec := &captureRecorder{}
	specs := []TaskSpec{
		{Name: "A", Schedule: hourly{}, Body: func(context.Context) error { return nil }},
		{Name: "B", Predecessors: []string{"A"}, Body: func(context.Context) error { return nil }},
	}
	s, err := New(zap.NewNop(), specs, WithRecorder(rec))
	require.NoError(t, err)

	require.NoError(t, s.RunCycle(context.Background(), "A"))
	require.Len(t, rec.runs, 2)
	assert.Equal(t, rec.runs[0].Cycle, rec.runs[1].Cycle, "runs of one firing share a cycle id")
	assert.NotEmpty(t, rec.runs[0].ID)
}
