package model

import "time"

// TaskState is the scheduler-visible state of a task. A finished run
// returns the task to Scheduled; the run's outcome is kept on its TaskRun
// record, not on the task.
type TaskState string

const (
	TaskSuspended TaskState = "suspended"
	TaskScheduled TaskState = "scheduled"
	TaskRunning   TaskState = "running"
)

// RetryPolicy bounds in-task retries before a failure surfaces to the
// operator. Backoff doubles per attempt, capped at MaxBackoff.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Normalize fills policy defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.Backoff <= 0 {
		p.Backoff = 5 * time.Second
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 30 * time.Second
	}
	return p
}

// RunOutcome is the terminal result of one task firing.
type RunOutcome string

const (
	RunSucceeded RunOutcome = "succeeded"
	RunFailed    RunOutcome = "failed"
	RunSkipped   RunOutcome = "skipped"
)

// TaskRun is the audit record of one firing. Skips (failed predecessor,
// overlapping trigger) are recorded, never silently dropped.
type TaskRun struct {
	ID       string // uuid
	Task     string
	Cycle    string // uuid of the DAG firing this run belongs to
	Start    time.Time
	End      time.Time
	Outcome  RunOutcome
	Attempts int
	Error    string
	SkipNote string
}
