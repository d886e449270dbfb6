// Package scheduler runs periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

// Job is a named periodic task.
type Job interface {
	Name() string
	// Schedule returns a five-field cron expression such as "0 * * * *".
	Schedule() string
	Run(ctx context.Context) error
}

// ParseSchedule validates a five-field cron expression.
func ParseSchedule(expr string) error {
	_, err := parser().Parse(expr)
	return err
}

func parser() cron.Parser {
	return cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
}

// Scheduler runs registered jobs. A tick is skipped while the previous run
// of the same job is still in progress.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string]Job
	order  []string
	locks  map[string]*sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   make(map[string]Job),
		locks:  make(map[string]*sync.Mutex),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// Register adds a job. Jobs must be registered before Start.
func (s *Scheduler) Register(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := j.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("scheduler: duplicate job name %q", name)
	}
	if err := ParseSchedule(j.Schedule()); err != nil {
		return fmt.Errorf("scheduler: invalid schedule for job %q: %w", name, err)
	}
	s.jobs[name] = j
	s.order = append(s.order, name)
	s.locks[name] = &sync.Mutex{}
	return nil
}

// Jobs returns the registered job names in registration order.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// Start begins executing registered jobs on their schedules.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler: already started")
	}
	c := cron.New(cron.WithParser(parser()))
	for _, name := range s.order {
		if _, err := c.AddFunc(s.jobs[name].Schedule(), func() { s.run(name) }); err != nil {
			return fmt.Errorf("scheduler: invalid schedule for job %q: %w", name, err)
		}
	}
	c.Start()
	s.cron = c
	s.logger.Info("scheduler started", "jobs", len(s.order))
	return nil
}

// RunNow runs a job immediately. It reports false if the job is unknown or
// already running.
func (s *Scheduler) RunNow(name string) bool {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.run(name)
}

func (s *Scheduler) run(name string) bool {
	s.mu.Lock()
	job, lock := s.jobs[name], s.locks[name]
	s.mu.Unlock()

	if !lock.TryLock() {
		s.logger.Warn("job still running, skipping tick", "job", name)
		return false
	}
	defer lock.Unlock()

	s.logger.Debug("job started", "job", name)
	if err := job.Run(s.ctx); err != nil {
		s.logger.Error("job failed", "job", name, "err", err)
	} else {
		s.logger.Debug("job completed", "job", name)
	}
	return true
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()

	s.cancel()
	if c != nil {
		<-c.Stop().Done()
		s.logger.Info("scheduler stopped")
	}
}
