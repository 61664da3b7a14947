// Package taskq is an in-memory task queue implementing the engine's
// message service contract. Activity dispatches become claimable tasks;
// workers claim them under a lease, report progress, and feed completion or
// failure back into the engine. Expired leases requeue on a cron schedule.
package taskq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/goliatone/go-process"
	"github.com/goliatone/go-process/engine"
)

// TaskStatus tracks one task through the queue.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskClaimed   TaskStatus = "claimed"
	TaskStarted   TaskStatus = "started"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one claimable unit of dispatched work.
type Task struct {
	ID       string                `json:"id"`
	Node     engine.NodeHandle     `json:"node"`
	Instance engine.InstanceHandle `json:"instance"`
	NodeID   process.Identifier    `json:"node_id"`
	EntryNo  int                   `json:"entry_no"`
	Service  string                `json:"service,omitempty"`
	Endpoint string                `json:"endpoint,omitempty"`
	Owner    process.Principal     `json:"owner,omitempty"`
	Payload  process.DataSet       `json:"payload,omitempty"`

	Status     TaskStatus `json:"status"`
	Attempts   int        `json:"attempts"`
	LeaseOwner string     `json:"lease_owner,omitempty"`
	LeaseUntil time.Time  `json:"lease_until,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	LastError  string     `json:"last_error,omitempty"`
}

// Runtime is the slice of the process engine the queue reports back into.
// Completion and failure arrive in their own transactions, never inside the
// one that dispatched the task.
type Runtime interface {
	AcknowledgeTask(ctx context.Context, h engine.NodeHandle, principal process.Principal) error
	TakeTask(ctx context.Context, h engine.NodeHandle, principal process.Principal) error
	StartTask(ctx context.Context, h engine.NodeHandle, principal process.Principal) error
	FinishTask(ctx context.Context, h engine.NodeHandle, output process.DataSet, principal process.Principal) error
	FailTask(ctx context.Context, h engine.NodeHandle, cause string) error
	CancelTask(ctx context.Context, h engine.NodeHandle) error
}

const defaultLeaseTTL = 5 * time.Minute

// Queue is a thread-safe in-memory task queue.
type Queue struct {
	mu       sync.Mutex
	rt       Runtime
	logger   engine.Logger
	leaseTTL time.Duration
	tasks    map[string]*Task
	byNode   map[uint64]string
	order    []string
	sweeper  *cron.Cron
	clock    func() time.Time
}

// Option customizes queue construction.
type Option func(*Queue)

// WithLogger sets the queue logger.
func WithLogger(logger engine.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// WithLeaseTTL sets how long a claim holds before the sweeper requeues it.
func WithLeaseTTL(ttl time.Duration) Option {
	return func(q *Queue) {
		if ttl > 0 {
			q.leaseTTL = ttl
		}
	}
}

func withClock(clock func() time.Time) Option {
	return func(q *Queue) { q.clock = clock }
}

// New constructs a queue reporting into the given runtime.
func New(rt Runtime, opts ...Option) *Queue {
	q := &Queue{
		rt:       rt,
		logger:   engine.NewFmtLogger(nil),
		leaseTTL: defaultLeaseTTL,
		tasks:    make(map[string]*Task),
		byNode:   make(map[uint64]string),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// CreateMessage implements engine.MessageService.
func (q *Queue) CreateMessage(desc engine.MessageDescriptor) (*engine.Message, error) {
	return &engine.Message{
		ID:         uuid.NewString(),
		Descriptor: desc,
		CreatedAt:  q.clock(),
	}, nil
}

// SendMessage implements engine.MessageService. Acceptance only enqueues;
// the engine calls this after the dispatching transaction committed, so
// every task references a durable node instance.
func (q *Queue) SendMessage(_ context.Context, msg *engine.Message, node engine.NodeHandle) (bool, error) {
	if msg == nil {
		return false, nil
	}
	now := q.clock()
	task := &Task{
		ID:        msg.ID,
		Node:      node,
		Instance:  msg.Descriptor.Instance,
		NodeID:    msg.Descriptor.NodeID,
		EntryNo:   msg.Descriptor.EntryNo,
		Service:   msg.Descriptor.Service,
		Endpoint:  msg.Descriptor.Endpoint,
		Owner:     msg.Descriptor.Owner,
		Payload:   msg.Descriptor.Payload,
		Status:    TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	q.mu.Lock()
	q.tasks[task.ID] = task
	q.byNode[node.ID()] = task.ID
	q.order = append(q.order, task.ID)
	q.mu.Unlock()

	q.logger.Debug("enqueued task %s for %s#%d", task.ID, task.NodeID, task.EntryNo)
	return true, nil
}

// Claim leases up to limit pending tasks to a worker. The engine's
// Acknowledged/Taken waypoints are recorded best-effort: a requeued task
// whose node already passed them stays claimable.
func (q *Queue) Claim(ctx context.Context, workerID string, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 1
	}
	now := q.clock()
	principal := process.Principal(workerID)

	q.mu.Lock()
	var claimed []*Task
	for _, id := range q.order {
		if len(claimed) >= limit {
			break
		}
		task := q.tasks[id]
		if task == nil || task.Status != TaskPending {
			continue
		}
		task.Status = TaskClaimed
		task.Attempts++
		task.LeaseOwner = workerID
		task.LeaseUntil = now.Add(q.leaseTTL)
		task.UpdatedAt = now
		claimed = append(claimed, task)
	}
	q.mu.Unlock()

	out := make([]Task, 0, len(claimed))
	for _, task := range claimed {
		q.waypoint(ctx, task, principal)
		out = append(out, *task)
	}
	return out, nil
}

func (q *Queue) waypoint(ctx context.Context, task *Task, principal process.Principal) {
	for _, step := range []func(context.Context, engine.NodeHandle, process.Principal) error{
		q.rt.AcknowledgeTask,
		q.rt.TakeTask,
	} {
		if err := step(ctx, task.Node, principal); err != nil {
			if process.IsCode(err, process.ErrCodeInvalidTransition) {
				continue
			}
			q.logger.Warn("waypoint for task %s failed: %v", task.ID, err)
		}
	}
}

// Start reports execution beginning on a claimed task.
func (q *Queue) Start(ctx context.Context, taskID, workerID string) error {
	task, err := q.held(taskID, workerID)
	if err != nil {
		return err
	}
	if err := q.rt.StartTask(ctx, task.Node, process.Principal(workerID)); err != nil {
		if !process.IsCode(err, process.ErrCodeInvalidTransition) {
			return err
		}
	}
	q.mu.Lock()
	task.Status = TaskStarted
	task.UpdatedAt = q.clock()
	q.mu.Unlock()
	return nil
}

// Complete reports the task's output to the engine and settles the task.
func (q *Queue) Complete(ctx context.Context, taskID, workerID string, output process.DataSet) error {
	task, err := q.held(taskID, workerID)
	if err != nil {
		return err
	}
	if err := q.rt.FinishTask(ctx, task.Node, output, process.Principal(workerID)); err != nil {
		return err
	}
	q.mu.Lock()
	task.Status = TaskCompleted
	task.LeaseOwner = ""
	task.UpdatedAt = q.clock()
	q.mu.Unlock()
	q.logger.Info("task %s completed by %s", task.ID, workerID)
	return nil
}

// Fail reports task failure. The engine records a Failed transition; this
// is task outcome, not a queue error.
func (q *Queue) Fail(ctx context.Context, taskID, workerID, cause string) error {
	task, err := q.held(taskID, workerID)
	if err != nil {
		return err
	}
	if err := q.rt.FailTask(ctx, task.Node, cause); err != nil {
		return err
	}
	q.mu.Lock()
	task.Status = TaskFailed
	task.LastError = cause
	task.LeaseOwner = ""
	task.UpdatedAt = q.clock()
	q.mu.Unlock()
	q.logger.Info("task %s failed: %s", task.ID, cause)
	return nil
}

// Cancel withdraws a task and cancels its node instance.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	task, ok := q.tasks[taskID]
	q.mu.Unlock()
	if !ok {
		return process.ErrNotFound.Clone().WithMetadata(map[string]any{"task": taskID})
	}
	if err := q.rt.CancelTask(ctx, task.Node); err != nil {
		return err
	}
	q.mu.Lock()
	task.Status = TaskCancelled
	task.LeaseOwner = ""
	task.UpdatedAt = q.clock()
	q.mu.Unlock()
	return nil
}

func (q *Queue) held(taskID, workerID string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[taskID]
	if !ok {
		return nil, process.ErrNotFound.Clone().WithMetadata(map[string]any{"task": taskID})
	}
	if task.LeaseOwner != workerID {
		return nil, fmt.Errorf("task %s not held by %s", taskID, workerID)
	}
	return task, nil
}

// Tasks returns a copy of every task, oldest first.
func (q *Queue) Tasks() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.order))
	for _, id := range q.order {
		if task := q.tasks[id]; task != nil {
			out = append(out, *task)
		}
	}
	return out
}

// Pending reports how many tasks are claimable.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, task := range q.tasks {
		if task.Status == TaskPending {
			n++
		}
	}
	return n
}

// Sweep requeues claims whose lease expired before now.
func (q *Queue) Sweep(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	swept := 0
	for _, task := range q.tasks {
		if task.Status != TaskClaimed && task.Status != TaskStarted {
			continue
		}
		if task.LeaseUntil.After(now) {
			continue
		}
		task.Status = TaskPending
		task.LeaseOwner = ""
		task.LeaseUntil = time.Time{}
		task.UpdatedAt = now
		swept++
	}
	if swept > 0 {
		q.logger.Info("requeued %d expired leases", swept)
	}
	return swept
}

// StartSweeper runs Sweep on a cron schedule until Stop is called.
func (q *Queue) StartSweeper(schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { q.Sweep(q.clock()) }); err != nil {
		return err
	}
	q.mu.Lock()
	q.sweeper = c
	q.mu.Unlock()
	c.Start()
	return nil
}

// Stop halts the sweeper if one is running.
func (q *Queue) Stop() {
	q.mu.Lock()
	c := q.sweeper
	q.sweeper = nil
	q.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}
