package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go-dwh/internal/changelog"
	"go-dwh/internal/dimension"
	"go-dwh/internal/metrics"
	"go-dwh/internal/model"
)

// DefaultPoolSize bounds concurrent task bodies per resource pool.
const DefaultPoolSize = 4

// TaskSpec declares one schedulable unit of work.
//
// Exactly one task per connected component carries a Schedule (the root);
// all other tasks fire when every predecessor succeeded in the same cycle.
// The Body must be atomic: either all of its effects commit (including the
// changelog offset advance) or none do.
type TaskSpec struct {
	Name         string
	Schedule     cron.Schedule // nil for dependent tasks
	Predecessors []string
	Pool         string
	Retry        model.RetryPolicy
	Timeout      time.Duration // per attempt; 0 = unbounded
	Body         func(ctx context.Context) error
}

// Recorder persists task run history for audit.
type Recorder interface {
	RecordRun(model.TaskRun)
}

// Scheduler is the sole coordinator of task execution. Runs of the same
// task are strictly serialized; independent tasks may run concurrently on
// separate resource pools.
type Scheduler struct {
	graph  *Graph
	specs  map[string]*TaskSpec
	logger *zap.Logger
	now    func() time.Time

	recorder  Recorder
	poolSizes map[string]int

	mu        sync.Mutex
	state     map[string]model.TaskState
	inflight  map[string]bool
	history   []model.TaskRun
	pools     map[string]chan struct{}

	wg sync.WaitGroup
}

type Option func(*Scheduler)

func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) { s.recorder = r }
}

// WithPoolSize bounds the named resource pool's concurrency.
func WithPoolSize(pool string, size int) Option {
	return func(s *Scheduler) { s.poolSizes[pool] = size }
}

// WithClock overrides wall-clock time, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(logger *zap.Logger, specs []TaskSpec, opts ...Option) (*Scheduler, error) {
	graph, err := buildGraph(specs)
	if err != nil {
		return nil, err
	}
	s := &Scheduler{
		graph:     graph,
		specs:     make(map[string]*TaskSpec, len(specs)),
		logger:    logger,
		now:       time.Now,
		poolSizes: make(map[string]int),
		state:     make(map[string]model.TaskState, len(specs)),
		inflight:  make(map[string]bool, len(specs)),
		pools:     make(map[string]chan struct{}),
	}
	for i := range specs {
		spec := specs[i]
		spec.Retry = spec.Retry.Normalize()
		s.specs[spec.Name] = &spec
		s.state[spec.Name] = model.TaskScheduled
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// State returns the task's current scheduler state.
func (s *Scheduler) State(name string) model.TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[name]
}

// Suspend takes the task out of rotation; cycles record a skip for it.
func (s *Scheduler) Suspend(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.specs[name]; ok {
		s.state[name] = model.TaskSuspended
	}
}

// Resume puts a suspended task back into rotation.
func (s *Scheduler) Resume(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state[name] == model.TaskSuspended {
		s.state[name] = model.TaskScheduled
	}
}

// History returns a snapshot of the accumulated run records.
func (s *Scheduler) History() []model.TaskRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.TaskRun(nil), s.history...)
}

// Start launches one trigger loop per scheduled root and returns. Loops run
// until ctx is cancelled; Wait blocks until they and their in-flight cycles
// finish.
func (s *Scheduler) Start(ctx context.Context) {
	for _, root := range s.graph.Roots() {
		spec := s.specs[root]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.triggerLoop(ctx, spec)
		}()
	}
}

// Wait blocks until all trigger loops have exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) triggerLoop(ctx context.Context, root *TaskSpec) {
	for {
		next := root.Schedule.Next(s.now())
		timer := time.NewTimer(next.Sub(s.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := s.RunCycle(ctx, root.Name); err != nil {
			s.logger.Error("cycle finished with failures",
				zap.String("root", root.Name), zap.Error(err))
		}
	}
}

// RunCycle fires the root's connected component once. Within the cycle all
// predecessors commit before any dependent starts; a dependent whose
// predecessor failed or was skipped is itself skipped with a recorded run.
// Independent branches execute concurrently, bounded per resource pool.
// Returns the first task failure, nil if every run succeeded or skipped.
func (s *Scheduler) RunCycle(ctx context.Context, root string) error {
	cycle := uuid.NewString()
	names := s.graph.Component(root)
	if len(names) == 0 {
		return errors.Errorf("unknown root task %q", root)
	}

	// A task failure must block only its dependents. Members therefore never
	// return errors into the group (which would cancel independent
	// branches); failures are collected and summarized after Wait.
	var (
		resMu    sync.Mutex
		outcomes = make(map[string]model.RunOutcome, len(names))
		failed   []string
		done     = make(map[string]chan struct{}, len(names))
	)
	for _, name := range names {
		done[name] = make(chan struct{})
	}

	var g errgroup.Group
	for _, name := range names {
		spec := s.specs[name]
		g.Go(func() error {
			defer close(done[spec.Name])

			for _, pred := range spec.Predecessors {
				select {
				case <-done[pred]:
				case <-ctx.Done():
					s.recordSkip(spec.Name, cycle, "cycle cancelled")
					s.setOutcome(&resMu, outcomes, spec.Name, model.RunSkipped)
					return nil
				}
			}
			resMu.Lock()
			var blocked string
			for _, pred := range spec.Predecessors {
				if outcomes[pred] != model.RunSucceeded {
					blocked = pred
					break
				}
			}
			resMu.Unlock()
			if blocked != "" {
				s.recordSkip(spec.Name, cycle, "predecessor "+blocked+" did not succeed")
				s.setOutcome(&resMu, outcomes, spec.Name, model.RunSkipped)
				return nil
			}

			outcome := s.fire(ctx, spec, cycle)
			s.setOutcome(&resMu, outcomes, spec.Name, outcome)
			if outcome == model.RunFailed {
				resMu.Lock()
				failed = append(failed, spec.Name)
				resMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(failed) > 0 {
		return errors.Errorf("cycle %s: tasks failed: %v", cycle, failed)
	}
	return nil
}

func (s *Scheduler) setOutcome(mu *sync.Mutex, outcomes map[string]model.RunOutcome, name string, o model.RunOutcome) {
	mu.Lock()
	outcomes[name] = o
	mu.Unlock()
}

// fire executes one task once, honoring suspension, the overlap-drop policy
// and per-task serialization.
func (s *Scheduler) fire(ctx context.Context, spec *TaskSpec, cycle string) model.RunOutcome {
	s.mu.Lock()
	if s.state[spec.Name] == model.TaskSuspended {
		s.mu.Unlock()
		s.recordSkip(spec.Name, cycle, "task suspended")
		return model.RunSkipped
	}
	if s.inflight[spec.Name] {
		// A firing that arrives mid-run is dropped, not queued. The next
		// trigger rereads the uncommitted window anyway.
		s.mu.Unlock()
		s.logger.Warn("task already running, trigger dropped", zap.String("task", spec.Name))
		s.recordSkip(spec.Name, cycle, "previous run still in flight")
		return model.RunSkipped
	}
	s.inflight[spec.Name] = true
	s.state[spec.Name] = model.TaskRunning
	s.mu.Unlock()

	pool := s.acquirePool(spec.Pool)
	pool <- struct{}{}
	start := s.now()
	attempts, err := s.runWithRetry(ctx, spec)
	<-pool

	run := model.TaskRun{
		ID:       uuid.NewString(),
		Task:     spec.Name,
		Cycle:    cycle,
		Start:    start,
		End:      s.now(),
		Attempts: attempts,
	}
	outcome := model.RunSucceeded
	if err != nil {
		outcome = model.RunFailed
		run.Error = err.Error()
		s.logger.Error("task failed",
			zap.String("task", spec.Name), zap.Int("attempts", attempts), zap.Error(err))
	} else {
		s.logger.Info("task succeeded",
			zap.String("task", spec.Name), zap.Int("attempts", attempts),
			zap.Duration("elapsed", run.End.Sub(run.Start)))
	}
	run.Outcome = outcome

	// The run's outcome lives in its TaskRun record; the task itself goes
	// back into rotation for the next trigger. A Suspend issued mid-run
	// sticks.
	s.mu.Lock()
	s.inflight[spec.Name] = false
	if s.state[spec.Name] == model.TaskRunning {
		s.state[spec.Name] = model.TaskScheduled
	}
	s.mu.Unlock()
	s.record(run)
	return outcome
}

// runWithRetry executes the task body under its timeout, retrying transient
// failures with doubling backoff. Stale streams and merge invariant
// violations are fatal and never retried.
func (s *Scheduler) runWithRetry(ctx context.Context, spec *TaskSpec) (int, error) {
	backoff := spec.Retry.Backoff
	var err error
	for attempt := 1; attempt <= spec.Retry.MaxAttempts; attempt++ {
		err = s.runAttempt(ctx, spec)
		if err == nil {
			return attempt, nil
		}
		if isFatal(err) || attempt == spec.Retry.MaxAttempts {
			return attempt, err
		}
		s.logger.Warn("task attempt failed, backing off",
			zap.String("task", spec.Name), zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff), zap.Error(err))
		select {
		case <-ctx.Done():
			return attempt, err
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, spec.Retry.MaxBackoff)
	}
	return spec.Retry.MaxAttempts, err
}

func (s *Scheduler) runAttempt(ctx context.Context, spec *TaskSpec) error {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	return spec.Body(ctx)
}

func isFatal(err error) bool {
	return errors.Is(err, changelog.ErrStaleStream) ||
		errors.Is(err, dimension.ErrMergeInvariant) ||
		errors.Is(err, dimension.ErrDimensionFrozen)
}

func (s *Scheduler) acquirePool(name string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[name]
	if !ok {
		size := s.poolSizes[name]
		if size <= 0 {
			size = DefaultPoolSize
		}
		pool = make(chan struct{}, size)
		s.pools[name] = pool
	}
	return pool
}

func (s *Scheduler) recordSkip(name, cycle, note string) {
	now := s.now()
	s.record(model.TaskRun{
		ID:       uuid.NewString(),
		Task:     name,
		Cycle:    cycle,
		Start:    now,
		End:      now,
		Outcome:  model.RunSkipped,
		SkipNote: note,
	})
	s.logger.Info("task skipped", zap.String("task", name), zap.String("reason", note))
}

func (s *Scheduler) record(run model.TaskRun) {
	s.mu.Lock()
	s.history = append(s.history, run)
	s.mu.Unlock()
	metrics.TaskRunsTotal.WithLabelValues(run.Task, string(run.Outcome)).Inc()
	if s.recorder != nil {
		s.recorder.RecordRun(run)
	}
}
