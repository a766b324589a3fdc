package worker

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/babysitter/internal/realtime"
	"github.com/h1v3-io/babysitter/pkg/protocol"
)

// ErrQueueFull is returned by Trigger when too many runs are waiting.
var ErrQueueFull = errors.New("worker: job queue is full")

const maxJobs = 256

// JobState is the progress of a queued run.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// Job is one triggered run.
type Job struct {
	ID        string    `json:"job_id"`
	State     JobState  `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Runner is the work a job performs.
type Runner interface {
	RunNext(ctx context.Context) (*Result, error)
}

// Dispatcher queues runs and executes them one at a time.
type Dispatcher struct {
	runner Runner
	bus    realtime.Broadcaster
	logger *slog.Logger
	queue  chan string

	mu    sync.Mutex
	jobs  map[string]*Job
	order []string
}

// NewDispatcher creates a Dispatcher holding at most size waiting jobs.
func NewDispatcher(runner Runner, bus realtime.Broadcaster, logger *slog.Logger, size int) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if bus == nil {
		bus = realtime.Nop{}
	}
	if size <= 0 {
		size = 16
	}
	return &Dispatcher{
		runner: runner,
		bus:    bus,
		logger: logger,
		queue:  make(chan string, size),
		jobs:   make(map[string]*Job),
	}
}

// Trigger queues a run and returns its job.
func (d *Dispatcher) Trigger(reason string) (Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:        "job-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		State:     JobQueued,
		Reason:    reason,
		CreatedAt: now,
		UpdatedAt: now,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	select {
	case d.queue <- job.ID:
	default:
		return Job{}, ErrQueueFull
	}
	d.jobs[job.ID] = job
	d.order = append(d.order, job.ID)
	d.prune()
	d.logger.Info("job queued", "job", job.ID, "reason", reason)
	return *job, nil
}

// Job returns a snapshot of a job.
func (d *Dispatcher) Job(id string) (Job, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Start runs queued jobs until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("dispatcher started")
	for {
		select {
		case id := <-d.queue:
			d.run(ctx, id)
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping")
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, id string) {
	d.update(id, func(j *Job) { j.State = JobRunning })

	res, err := d.runner.RunNext(ctx)
	switch {
	case err != nil:
		d.logger.Error("job failed", "job", id, "error", err)
		d.update(id, func(j *Job) { j.State, j.Result, j.Error = JobFailed, res, err.Error() })
		d.bus.Broadcast(protocol.Event{Type: protocol.EventAgentError, JobID: id, Error: err.Error()})
	case res == nil:
		d.update(id, func(j *Job) { j.State = JobCompleted })
	case res.Error != "":
		d.update(id, func(j *Job) { j.State, j.Result, j.Error = JobFailed, res, res.Error })
		d.bus.Broadcast(protocol.Event{
			Type:      protocol.EventAgentError,
			JobID:     id,
			TicketID:  res.TicketID,
			PageID:    res.PageID,
			SessionID: res.SessionID,
			Status:    res.Status,
			Error:     res.Error,
		})
	default:
		d.update(id, func(j *Job) { j.State, j.Result = JobCompleted, res })
		d.bus.Broadcast(protocol.Event{
			Type:      protocol.EventAgentComplete,
			JobID:     id,
			TicketID:  res.TicketID,
			PageID:    res.PageID,
			SessionID: res.SessionID,
			Status:    res.Status,
		})
	}
}

func (d *Dispatcher) update(id string, fn func(*Job)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[id]; ok {
		fn(j)
		j.UpdatedAt = time.Now().UTC()
	}
}

// prune drops the oldest finished jobs beyond maxJobs. Caller holds mu.
func (d *Dispatcher) prune() {
	for len(d.order) > maxJobs {
		dropped := false
		for i, id := range d.order {
			if s := d.jobs[id].State; s == JobCompleted || s == JobFailed {
				delete(d.jobs, id)
				d.order = append(d.order[:i], d.order[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			return
		}
	}
}
