package engine

import (
	"context"
	"time"

	"github.com/caseworks/docket/expr"
)

// Correlation locates the plan item instance an external artifact (task,
// timer job, subscription) belongs to, so completions can be routed back.
type Correlation struct {
	ScopeType  string `json:"scopeType"`
	ScopeID    string `json:"scopeId"`
	SubScopeID string `json:"subScopeId"`
}

// ScopeTypeCase is the only scope type this engine emits.
const ScopeTypeCase = "case"

// TaskService is the external human-work surface.  A real implementation
// would put entries in a task list application; the engine only needs
// create and delete.
type TaskService interface {
	CreateTask(ctx context.Context, c Correlation, name, assignee, formKey string, scope expr.Bindings) error
	DeleteTask(ctx context.Context, c Correlation) error
}

// JobService schedules deferred work: timer jobs due at a wall-clock
// time and external worker jobs claimed by topic.
type JobService interface {
	ScheduleTimerJob(ctx context.Context, c Correlation, due time.Time) error
	CancelTimerJob(ctx context.Context, c Correlation) error
	CreateExternalWorkerJob(ctx context.Context, c Correlation, topic string, scope expr.Bindings) error
}

// EventSubscriptionService registers interest in named signals.
type EventSubscriptionService interface {
	Create(ctx context.Context, c Correlation, eventName string) error
	Delete(ctx context.Context, c Correlation) error
}

// ProcessService launches external processes for process tasks that
// name a ProcessRef rather than a worker topic.
type ProcessService interface {
	Start(ctx context.Context, c Correlation, processRef string, scope expr.Bindings) (*Future, error)
}

// The noop services let an Engine run standalone: human tasks just wait
// for Trigger, timers wait for FireTimer, signals wait for Occur.

type noopTasks struct{}

func (noopTasks) CreateTask(ctx context.Context, c Correlation, name, assignee, formKey string, scope expr.Bindings) error {
	return nil
}
func (noopTasks) DeleteTask(ctx context.Context, c Correlation) error { return nil }

type noopJobs struct{}

func (noopJobs) ScheduleTimerJob(ctx context.Context, c Correlation, due time.Time) error { return nil }
func (noopJobs) CancelTimerJob(ctx context.Context, c Correlation) error                  { return nil }
func (noopJobs) CreateExternalWorkerJob(ctx context.Context, c Correlation, topic string, scope expr.Bindings) error {
	return nil
}

type noopSubs struct{}

func (noopSubs) Create(ctx context.Context, c Correlation, eventName string) error { return nil }
func (noopSubs) Delete(ctx context.Context, c Correlation) error                   { return nil }

type noopProcs struct{}

func (noopProcs) Start(ctx context.Context, c Correlation, processRef string, scope expr.Bindings) (*Future, error) {
	f := NewFuture()
	f.Complete(nil, nil)
	return f, nil
}
