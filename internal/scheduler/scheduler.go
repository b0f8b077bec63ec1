package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

// DefaultInterval is how often the scheduler polls for due jobs.
const DefaultInterval = 60 * time.Second

// Runner executes a workflow. *engine.Engine satisfies it.
type Runner interface {
	Run(ctx context.Context, wf *schema.Workflow, input any, opts ...engine.RunOption) (*engine.RunResult, error)
}

// JobStore persists scheduled jobs. *store.LibSQLStore satisfies it.
type JobStore interface {
	CreateScheduledJob(ctx context.Context, job *store.ScheduledJob) error
	UpdateScheduledJob(ctx context.Context, id string, update store.ScheduledJobUpdate) error
	ListScheduledJobs(ctx context.Context, filter store.ScheduledJobFilter) ([]*store.ScheduledJob, error)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// Scheduler polls the store for due jobs and runs their workflows.
type Scheduler struct {
	store    JobStore
	runner   Runner
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing
}

// New creates a Scheduler. Cron expressions use the standard five fields.
func New(s JobStore, runner Runner, opts ...Option) *Scheduler {
	sch := &Scheduler{
		store:    s,
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		interval: DefaultInterval,
		logger:   logging.Discard(),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(sch)
	}
	return sch
}

// Add schedules wf to run with input on every cron tick and returns the
// stored job.
func (s *Scheduler) Add(ctx context.Context, name, cronExpr string, wf *schema.Workflow, input any) (*store.ScheduledJob, error) {
	if wf == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}
	next, err := s.NextRun(cronExpr, s.now().UTC())
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "input is not JSON encodable").WithCause(err)
	}

	job := &store.ScheduledJob{
		ID:             uuid.NewString(),
		Name:           name,
		Definition:     *wf,
		CronExpression: cronExpr,
		Input:          raw,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.CreateScheduledJob(ctx, job); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "job scheduled",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", wf.ID),
		slog.String("cron", cronExpr),
		slog.Time("next_run_at", next),
	)
	return job, nil
}

// Start launches the polling loop. It checks for due jobs immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx, s.done)
	s.logger.Info("scheduler started", slog.Duration("interval", s.interval))
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs every enabled job whose next run time has passed and returns
// how many it started.
func (s *Scheduler) Tick(ctx context.Context) int {
	jobs, err := s.enabledJobs(ctx)
	if err != nil {
		s.logger.Error("list scheduled jobs failed", slog.String("error", err.Error()))
		return 0
	}

	now := s.now().UTC()
	ran := 0
	for _, job := range jobs {
		if job.NextRunAt != nil && job.NextRunAt.After(now) {
			continue
		}
		if s.runOnce(ctx, job, now) {
			ran++
		}
	}
	return ran
}

// RecoverMissed runs once every job whose next run time passed while the
// scheduler was down. Call it before Start.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	jobs, err := s.enabledJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list missed jobs: %w", err)
	}

	now := s.now().UTC()
	recovered := 0
	for _, job := range jobs {
		if job.NextRunAt == nil || !job.NextRunAt.Before(now) {
			continue
		}
		if s.runOnce(ctx, job, now) {
			recovered++
		}
	}
	if recovered > 0 {
		s.logger.Info("recovered missed jobs", slog.Int("count", recovered))
	}
	return recovered, nil
}

func (s *Scheduler) enabledJobs(ctx context.Context) ([]*store.ScheduledJob, error) {
	enabled := true
	return s.store.ListScheduledJobs(ctx, store.ScheduledJobFilter{Enabled: &enabled})
}

// runOnce runs job unless it is already running. It reports whether the job
// was started.
func (s *Scheduler) runOnce(ctx context.Context, job *store.ScheduledJob, now time.Time) bool {
	if !s.tryAcquire(job.ID) {
		s.logger.Debug("job already running", slog.String("job_id", job.ID))
		return false
	}
	defer s.release(job.ID)

	if err := s.runJob(ctx, job, now); err != nil {
		s.logger.Error("scheduled job failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	return true
}

// runJob executes job's workflow and records the outcome and next run time.
func (s *Scheduler) runJob(ctx context.Context, job *store.ScheduledJob, now time.Time) error {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("workflow_id", job.Definition.ID),
	)

	var input any
	if len(job.Input) > 0 {
		if err := json.Unmarshal(job.Input, &input); err != nil {
			return s.record(ctx, job, now, "", string(schema.RunStatusFailed))
		}
	}

	wf := job.Definition
	res, err := s.runner.Run(ctx, &wf, input)
	status, runID := string(schema.RunStatusCompleted), ""
	if res != nil {
		status, runID = string(res.Status), res.RunID
	}
	if err != nil {
		if res == nil {
			status = string(schema.RunStatusFailed)
		}
		s.logger.Warn("scheduled run did not complete",
			slog.String("job_id", job.ID),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
	return s.record(ctx, job, now, runID, status)
}

func (s *Scheduler) record(ctx context.Context, job *store.ScheduledJob, now time.Time, runID, status string) error {
	next, err := s.NextRun(job.CronExpression, now)
	if err != nil {
		return err
	}
	return s.store.UpdateScheduledJob(ctx, job.ID, store.ScheduledJobUpdate{
		LastRunAt:     &now,
		NextRunAt:     &next,
		LastRunStatus: status,
		LastRunID:     runID,
	})
}

func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

func (s *Scheduler) release(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// NextRun returns the first activation of cronExpr after from.
func (s *Scheduler) NextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, schema.NewErrorf(schema.ErrCodeValidation, "invalid cron expression %q", cronExpr).WithCause(err)
	}
	return schedule.Next(from), nil
}

// Stop cancels the polling loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
}
