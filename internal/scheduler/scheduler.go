// Package scheduler posts fixed messages to gateway destinations on cron
// schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/robfig/cron/v3"

	"github.com/harunnryd/chatgate/internal/concurrency"
	"github.com/harunnryd/chatgate/internal/config"
	"github.com/harunnryd/chatgate/internal/errors"
	"github.com/harunnryd/chatgate/internal/message"
	"github.com/harunnryd/chatgate/internal/metrics"
)

const (
	ResultOK      = "ok"
	ResultFailed  = "failed"
	ResultSkipped = "skipped"

	DefaultRunTimeout = 30 * time.Second
)

// Sender delivers a draft to a destination.
type Sender interface {
	SendTo(ctx context.Context, dest message.Destination, draft message.Draft) (message.Ack, error)
}

// Job is one scheduled post.
type Job struct {
	Name        string
	Spec        string
	Destination message.Destination
	Text        string

	schedule cron.Schedule
}

// Run records the outcome of one job execution.
type Run struct {
	ID       string
	Job      string
	Started  time.Time
	Finished time.Time
	Ack      message.Ack
	Err      error
}

type Scheduler struct {
	sender     Sender
	metrics    *metrics.Collector
	jobs       []*Job
	runTimeout time.Duration
	locks      *concurrency.KeyedLock

	mu      sync.RWMutex
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	last    map[string]Run
}

// NewJobs validates schedule configs.
func NewJobs(cfgs []config.ScheduleConfig) ([]*Job, error) {
	jobs := make([]*Job, 0, len(cfgs))
	seen := make(map[string]bool, len(cfgs))
	for i, c := range cfgs {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			name = fmt.Sprintf("schedule-%d", i)
		}
		if seen[name] {
			return nil, errors.InvalidInput(fmt.Sprintf("duplicate schedule name %q", name))
		}
		seen[name] = true

		schedule, err := cron.ParseStandard(c.Spec)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: invalid cron schedule: %w", name, err)
		}
		platform, err := message.ParsePlatform(c.Platform)
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
		if strings.TrimSpace(c.Channel) == "" {
			return nil, errors.InvalidInput(fmt.Sprintf("schedule %s: channel is required", name))
		}
		if strings.TrimSpace(c.Text) == "" {
			return nil, errors.InvalidInput(fmt.Sprintf("schedule %s: text is required", name))
		}

		jobs = append(jobs, &Job{
			Name: name,
			Spec: c.Spec,
			Destination: message.Destination{
				Platform:   platform,
				TenantID:   strings.TrimSpace(c.Tenant),
				ChannelRef: strings.TrimSpace(c.Channel),
				ThreadRef:  strings.TrimSpace(c.Thread),
			},
			Text:     c.Text,
			schedule: schedule,
		})
	}
	return jobs, nil
}

func New(sender Sender, jobs []*Job, m *metrics.Collector) *Scheduler {
	return &Scheduler{
		sender:     sender,
		metrics:    m,
		jobs:       jobs,
		runTimeout: DefaultRunTimeout,
		locks:      concurrency.NewKeyedLock(),
		last:       make(map[string]Run),
	}
}

// Jobs returns the configured jobs.
func (s *Scheduler) Jobs() []*Job {
	return s.jobs
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New()
	for _, job := range s.jobs {
		job := job
		s.cron.Schedule(job.schedule, cron.FuncJob(func() {
			s.RunJob(s.ctx, job)
		}))
	}
	s.cron.Start()
	s.running = true

	slog.Info("Scheduler started", "jobs", len(s.jobs))
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	c := s.cron
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	stopped := c.Stop()

	select {
	case <-stopped.Done():
		slog.Info("Scheduler stopped gracefully")
		return nil
	case <-ctx.Done():
		slog.Warn("Scheduler shutdown timeout, force stopping")
		return ctx.Err()
	}
}

func (s *Scheduler) Health(ctx context.Context) error {
	if !s.IsRunning() {
		return errors.Internal("scheduler not running")
	}
	return nil
}

func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// LastRun returns the most recent run of the named job.
func (s *Scheduler) LastRun(name string) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.last[name]
	return r, ok
}

// NextRun reports when the named job fires next after now.
func (s *Scheduler) NextRun(name string, now time.Time) (time.Time, bool) {
	for _, job := range s.jobs {
		if job.Name == name {
			return job.schedule.Next(now), true
		}
	}
	return time.Time{}, false
}

// RunJob posts job's text once. A run still in flight for the same job causes
// this one to be skipped.
func (s *Scheduler) RunJob(ctx context.Context, job *Job) Run {
	run := Run{ID: ulid.Make().String(), Job: job.Name, Started: time.Now()}
	log := slog.With("schedule", job.Name, "run_id", run.ID, "destination", job.Destination.String())

	if !s.locks.TryLock(job.Name) {
		log.Warn("Scheduled run skipped, previous run still in flight")
		run.Err = errors.ErrConflict
		run.Finished = time.Now()
		s.metrics.ScheduledRun(job.Name, ResultSkipped)
		return run
	}
	defer s.locks.Unlock(job.Name)

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	run.Ack, run.Err = s.sender.SendTo(runCtx, job.Destination, message.Draft{Text: job.Text})
	run.Finished = time.Now()

	if run.Err != nil {
		log.Error("Scheduled run failed", "error", run.Err)
		s.metrics.ScheduledRun(job.Name, ResultFailed)
	} else {
		log.Info("Scheduled run sent", "message_id", run.Ack.ID, "parts", run.Ack.Parts)
		s.metrics.ScheduledRun(job.Name, ResultOK)
	}

	s.mu.Lock()
	s.last[job.Name] = run
	s.mu.Unlock()
	return run
}
