package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/zpdzap/drydock/internal/agent"
	"github.com/zpdzap/drydock/internal/notify"
	"github.com/zpdzap/drydock/internal/telemetry"
)

const defaultHistoryLimit = 100

// Store persists jobs and their run history.
type Store interface {
	SaveJob(ctx context.Context, job Job) error
	// UpdateJob applies fn to the stored job and saves the result when fn
	// returns true, with no write in between. It reports whether the job
	// exists.
	UpdateJob(ctx context.Context, id string, fn func(*Job) bool) (bool, error)
	GetJob(ctx context.Context, id string) (Job, bool, error)
	ListJobs(ctx context.Context) ([]Job, error)
	DeleteJob(ctx context.Context, id string) error
	SaveJobRun(ctx context.Context, run JobRun) error
	ListJobRuns(ctx context.Context, jobID string, limit int) ([]JobRun, error)
	// PruneJobRuns keeps the newest keep runs of a job.
	PruneJobRuns(ctx context.Context, jobID string, keep int) error
}

// Launcher starts agent runs and waits for them to finish.
type Launcher interface {
	Start(ctx context.Context, req agent.Request) (string, error)
	Wait(ctx context.Context, id string) (agent.Run, error)
}

type Options struct {
	HistoryLimit int
	TickInterval time.Duration

	Publisher      notify.Publisher
	Logger         *slog.Logger
	TracerProvider trace.TracerProvider
	// Now defaults to time.Now.
	Now func() time.Time
}

// Scheduler fires jobs from a tick loop. Each tick re-reads the jobs and
// re-parses their schedules, so edits apply from the next tick on.
type Scheduler struct {
	store     Store
	launcher  Launcher
	opts      Options
	logger    *slog.Logger
	publisher notify.Publisher
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	lastTick time.Time
	running  map[string]string
}

func New(store Store, launcher Launcher, opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if opts.Publisher == nil {
		opts.Publisher = notify.Discard{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = defaultHistoryLimit
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:     store,
		launcher:  launcher,
		opts:      opts,
		logger:    opts.Logger,
		publisher: opts.Publisher,
		tracer:    telemetry.Tracer(opts.TracerProvider),
		ctx:       ctx,
		cancel:    cancel,
		lastTick:  opts.Now(),
		running:   make(map[string]string),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()
	s.logger.Info("cron scheduler started", "tick", s.opts.TickInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Close cancels job runs in progress and waits for them to be recorded.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Tick fires every enabled job with a fire time since the previous tick.
// A job whose schedule no longer parses is disabled with the error.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.opts.Now()
	s.mu.Lock()
	since := s.lastTick
	s.lastTick = now
	s.mu.Unlock()

	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		s.logger.Error("listing cron jobs", "error", err)
		return
	}
	for _, listed := range jobs {
		if !listed.Enabled {
			continue
		}
		sched, err := Parse(listed.Schedule)
		if err != nil {
			s.disable(ctx, listed, err)
			continue
		}
		job, current := s.refreshNextRun(ctx, listed, sched.Next(now))
		if !current {
			// Edited since it was listed; the next tick sees the new definition.
			continue
		}
		due := sched.Next(since)
		if due.IsZero() || due.After(now) {
			continue
		}
		if _, err := s.launch(job, TriggerSchedule); err != nil {
			s.logger.Warn("skipping scheduled fire", "job_id", job.ID, "name", job.Name, "error", err)
		}
	}
}

// refreshNextRun stores next as the job's next fire time. It reports false
// when the stored job was disabled, rescheduled or deleted after listed was
// read.
func (s *Scheduler) refreshNextRun(ctx context.Context, listed Job, next time.Time) (Job, bool) {
	job := listed
	current := false
	found, err := s.store.UpdateJob(ctx, listed.ID, func(stored *Job) bool {
		job = *stored
		current = stored.Enabled && stored.Schedule == listed.Schedule
		if !current || stored.NextRun.Equal(next) {
			return false
		}
		stored.NextRun = next
		job.NextRun = next
		return true
	})
	if err != nil {
		s.logger.Warn("saving next fire time", "job_id", listed.ID, "error", err)
		return listed, true
	}
	return job, found && current
}

// disable turns off a job whose schedule does not parse, unless the
// schedule was changed in the meantime.
func (s *Scheduler) disable(ctx context.Context, listed Job, cause error) {
	now := s.opts.Now().UTC()
	disabled := false
	_, err := s.store.UpdateJob(ctx, listed.ID, func(job *Job) bool {
		if !job.Enabled || job.Schedule != listed.Schedule {
			return false
		}
		job.Enabled = false
		job.LastError = cause.Error()
		job.NextRun = time.Time{}
		job.UpdatedAt = now
		disabled = true
		return true
	})
	if err != nil {
		s.logger.Error("disabling cron job", "job_id", listed.ID, "error", err)
		return
	}
	if disabled {
		s.logger.Warn("cron job disabled", "job_id", listed.ID, "name", listed.Name, "error", cause)
	}
}

// Add validates and stores a new job.
func (s *Scheduler) Add(ctx context.Context, job Job) (Job, error) {
	now := s.opts.Now().UTC()
	job.ID = uuid.NewString()
	job.CreatedAt = now
	job.UpdatedAt = now
	job.LastError = ""
	if err := s.prepare(&job, now); err != nil {
		return Job{}, err
	}
	if err := s.store.SaveJob(ctx, job); err != nil {
		return Job{}, fmt.Errorf("saving job: %w", err)
	}
	s.logger.Info("cron job added", "job_id", job.ID, "name", job.Name, "schedule", job.Schedule)
	return job, nil
}

// Update replaces a job's definition, keeping its id and history.
func (s *Scheduler) Update(ctx context.Context, id string, job Job) (Job, error) {
	now := s.opts.Now().UTC()
	job.ID = id
	job.UpdatedAt = now
	job.LastError = ""
	if err := s.prepare(&job, now); err != nil {
		return Job{}, err
	}
	found, err := s.store.UpdateJob(ctx, id, func(current *Job) bool {
		job.CreatedAt = current.CreatedAt
		job.LastRun = current.LastRun
		*current = job
		return true
	})
	if err != nil {
		return Job{}, fmt.Errorf("saving job: %w", err)
	}
	if !found {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

func (s *Scheduler) prepare(job *Job, now time.Time) error {
	if strings.TrimSpace(job.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidWorkflow)
	}
	sched, err := Parse(job.Schedule)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if err := job.Workflow.Validate(); err != nil {
		return err
	}
	for _, n := range job.Workflow.Nodes {
		if n.Repo == "" && job.Repo == "" {
			return fmt.Errorf("%w: step %q has no repository", ErrInvalidWorkflow, n.ID)
		}
	}
	job.NextRun = time.Time{}
	if job.Enabled {
		job.NextRun = sched.Next(now)
	}
	return nil
}

func (s *Scheduler) Delete(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.store.DeleteJob(ctx, id)
}

func (s *Scheduler) Get(ctx context.Context, id string) (Job, error) {
	job, ok, err := s.store.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		return Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

func (s *Scheduler) List(ctx context.Context) ([]Job, error) {
	return s.store.ListJobs(ctx)
}

// History returns a job's runs, newest first.
func (s *Scheduler) History(ctx context.Context, id string, limit int) ([]JobRun, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.ListJobRuns(ctx, id, limit)
}

// RunNow starts a job immediately, whether or not it is enabled, and
// returns the job run id. The run is recorded like a scheduled one.
func (s *Scheduler) RunNow(ctx context.Context, id string) (string, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return s.launch(job, TriggerManual)
}

// launch starts a job run in the background. A job never runs twice at
// once.
func (s *Scheduler) launch(job Job, trigger Trigger) (string, error) {
	jr := JobRun{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Trigger:   trigger,
		Status:    StatusRunning,
		StartedAt: s.opts.Now().UTC(),
	}
	s.mu.Lock()
	if other, busy := s.running[job.ID]; busy {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s (job run %s)", ErrJobRunning, job.ID, other)
	}
	s.running[job.ID] = jr.ID
	s.mu.Unlock()

	if err := s.store.SaveJobRun(s.ctx, jr); err != nil {
		s.release(job.ID)
		return "", fmt.Errorf("saving job run: %w", err)
	}
	s.publisher.Publish(notify.Message{Kind: notify.CronJobStarted, JobID: job.ID, JobRunID: jr.ID, Status: string(jr.Status)})
	s.logger.Info("cron job started", "job_id", job.ID, "name", job.Name, "job_run_id", jr.ID, "trigger", trigger)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(job.ID)
		s.execute(s.ctx, job, jr)
	}()
	return jr.ID, nil
}

func (s *Scheduler) release(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobID)
}

// Running reports the job run currently in progress for a job.
func (s *Scheduler) Running(jobID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.running[jobID]
	return id, ok
}

func (s *Scheduler) execute(ctx context.Context, job Job, jr JobRun) {
	ctx, span := telemetry.Start(ctx, s.tracer, "cron.job", "job_id", job.ID, "job_run_id", jr.ID, "trigger", string(jr.Trigger))

	levels, err := job.Workflow.levels()
	if err != nil {
		jr.Error = err.Error()
	} else {
		jr.Nodes = s.runLevels(ctx, job, jr, levels)
	}

	jr.Status = Summarize(jr.Nodes)
	if jr.Error == "" {
		jr.Error = failureSummary(jr.Nodes)
	}
	jr.EndedAt = s.opts.Now().UTC()
	s.finish(job, jr)

	var spanErr error
	if jr.Status != StatusSuccess {
		spanErr = errors.New(jr.Error)
	}
	telemetry.End(span, spanErr)
}

// runLevels runs each level's steps concurrently. A step whose
// dependency did not succeed is recorded as failed without starting.
func (s *Scheduler) runLevels(ctx context.Context, job Job, jr JobRun, levels [][]Node) []NodeResult {
	results := make(map[string]NodeResult)
	var order []NodeResult
	for _, level := range levels {
		out := make([]NodeResult, len(level))
		var wg sync.WaitGroup
		for i, node := range level {
			if dep, ok := failedDependency(node, results); ok {
				out[i] = NodeResult{NodeID: node.ID, Error: fmt.Sprintf("skipped: dependency %q did not succeed", dep)}
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				out[i] = s.runNode(ctx, job, jr, node)
			}()
		}
		wg.Wait()
		for _, r := range out {
			results[r.NodeID] = r
			order = append(order, r)
		}
	}
	return order
}

func failedDependency(node Node, results map[string]NodeResult) (string, bool) {
	for _, dep := range node.DependsOn {
		if !results[dep].Succeeded() {
			return dep, true
		}
	}
	return "", false
}

func (s *Scheduler) runNode(ctx context.Context, job Job, jr JobRun, node Node) NodeResult {
	res := NodeResult{NodeID: node.ID, StartedAt: s.opts.Now().UTC()}
	repo := node.Repo
	if repo == "" {
		repo = job.Repo
	}
	id, err := s.launcher.Start(ctx, agent.Request{
		Repo:            repo,
		Branch:          node.Branch,
		Prompt:          node.Prompt,
		Model:           node.Model,
		PlanPhase:       node.PlanPhase,
		Loop:            node.Loop,
		MaxIterations:   node.MaxIterations,
		SingleFlightKey: "cron:" + job.ID + ":" + node.ID,
		Source:          "cron",
	})
	if err != nil {
		res.Error = fmt.Sprintf("starting run: %v", err)
		res.EndedAt = s.opts.Now().UTC()
		return res
	}
	res.RunID = id
	s.logger.Info("cron step started", "job_id", job.ID, "job_run_id", jr.ID, "step", node.ID, "run_id", id)

	run, err := s.launcher.Wait(ctx, id)
	res.EndedAt = s.opts.Now().UTC()
	if err != nil {
		res.Error = fmt.Sprintf("waiting for run: %v", err)
		return res
	}
	res.State = string(run.State)
	res.PRURL = run.LatestPRURL()
	if !run.State.Succeeded() {
		res.Error = run.Reason
		if res.Error == "" {
			res.Error = "run " + string(run.State)
		}
	}
	return res
}

func (s *Scheduler) finish(job Job, jr JobRun) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.store.SaveJobRun(ctx, jr); err != nil {
		s.logger.Error("saving job run", "job_id", job.ID, "job_run_id", jr.ID, "error", err)
	}
	if err := s.store.PruneJobRuns(ctx, job.ID, s.opts.HistoryLimit); err != nil {
		s.logger.Warn("pruning job history", "job_id", job.ID, "error", err)
	}

	_, err := s.store.UpdateJob(ctx, job.ID, func(current *Job) bool {
		current.LastRun = jr.EndedAt
		current.LastError = jr.Error
		return true
	})
	if err != nil {
		s.logger.Warn("saving job", "job_id", job.ID, "error", err)
	}

	s.publisher.Publish(notify.Message{Kind: notify.CronJobCompleted, JobID: job.ID, JobRunID: jr.ID, Status: string(jr.Status)})
	s.logger.Info("cron job finished", "job_id", job.ID, "job_run_id", jr.ID, "status", jr.Status, "error", jr.Error)
}
