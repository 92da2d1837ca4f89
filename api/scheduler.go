/*
scheduler.go - Periodic background jobs

PURPOSE:
  Runs the engine's recurring work on fixed intervals:
  - sweep:      expire approved/sent grants past their validity
  - deliver:    drain approved grants through the rate-limited delivery scheduler
  - reevaluate: re-run the evaluation flow for every customer

DESIGN:
  - One goroutine per job, each with its own ticker; a job never overlaps itself
  - Every job runs once immediately on Start
  - Stop cancels the shared context (in-flight delivery stops between grants)
    and waits for all goroutines
  - Each run is counted in spa_loyalty_jobs_runs_total{job,result}

CONFIGURATION:
  A zero interval disables that job. Enabled=false disables all of them.

USAGE:
  jobs := NewJobScheduler(engine, JobConfig{...}, log)
  jobs.Start()
  // ... later
  jobs.Stop()

SEE ALSO:
  - handlers.go: Sweep, Deliver, Reevaluate endpoints (manual runs)
  - cmd/loyaltyctl: the same jobs as one-shot commands
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oasis-spa/loyalty-engine/loyalty"
	"github.com/oasis-spa/loyalty-engine/observability"
	"go.uber.org/zap"
)

const (
	JobSweep      = "sweep"
	JobDeliver    = "deliver"
	JobReevaluate = "reevaluate"
)

// JobConfig sets the job intervals.
type JobConfig struct {
	Enabled            bool
	SweepInterval      time.Duration
	DeliveryInterval   time.Duration
	ReevaluateInterval time.Duration
	Concurrency        int
}

// Job is one recurring unit of work.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// JobScheduler runs Jobs until stopped.
type JobScheduler struct {
	Jobs    []Job
	Enabled bool
	Log     *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	stop    chan bool
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewJobScheduler builds the sweep, deliver and reevaluate jobs for engine.
func NewJobScheduler(engine *loyalty.Engine, cfg JobConfig, log *zap.Logger) *JobScheduler {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("jobs")

	jobs := []Job{
		{
			Name:     JobSweep,
			Interval: cfg.SweepInterval,
			Run: func(ctx context.Context) error {
				n, err := engine.Ledger.SweepExpired(ctx)
				if err != nil {
					return err
				}
				if n > 0 {
					log.Info("expired grants swept", zap.Int("expired", n))
				}
				return nil
			},
		},
		{
			Name:     JobDeliver,
			Interval: cfg.DeliveryInterval,
			Run: func(ctx context.Context) error {
				rep, err := engine.Delivery.DeliverNext(ctx, 0)
				if err != nil {
					return err
				}
				if rep.Processed > 0 {
					log.Info("delivery run complete",
						zap.Int("sent", rep.Sent),
						zap.Int("failed", rep.Failed),
						zap.Int("deferred", rep.Deferred),
						zap.Int("skipped", rep.Skipped))
				}
				return nil
			},
		},
		{
			Name:     JobReevaluate,
			Interval: cfg.ReevaluateInterval,
			Run: func(ctx context.Context) error {
				res, err := engine.ReevaluateAll(ctx, cfg.Concurrency)
				if err != nil {
					return err
				}
				log.Info("re-evaluation complete",
					zap.Int("evaluated", res.Evaluated),
					zap.Int("changed", res.Changed),
					zap.Int("granted", res.Granted),
					zap.Int("errors", res.Errors))
				if res.Errors > 0 {
					return fmt.Errorf("%d of %d evaluations failed", res.Errors, res.Evaluated)
				}
				return nil
			},
		},
	}

	return &JobScheduler{
		Jobs:    jobs,
		Enabled: cfg.Enabled,
		Log:     log,
		stop:    make(chan bool),
	}
}

// Start launches every job with a positive interval.
func (s *JobScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("scheduler disabled, not starting")
		return
	}
	if s.started {
		return
	}
	s.started = true
	s.stop = make(chan bool)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, job := range s.Jobs {
		if job.Interval <= 0 {
			s.Log.Info("job disabled", zap.String("job", job.Name))
			continue
		}
		s.wg.Add(1)
		go s.loop(job)
		s.Log.Info("job scheduled", zap.String("job", job.Name), zap.Duration("interval", job.Interval))
	}
}

// Stop cancels running jobs and waits for them to return.
func (s *JobScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.started = false
	s.Log.Info("scheduler stopped")
}

func (s *JobScheduler) loop(job Job) {
	defer s.wg.Done()

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	// Run immediately on start
	s.execute(s.ctx, job)

	for {
		select {
		case <-ticker.C:
			s.execute(s.ctx, job)
		case <-s.stop:
			return
		}
	}
}

// RunNow runs the named job synchronously (for testing/admin).
func (s *JobScheduler) RunNow(ctx context.Context, name string) error {
	for _, job := range s.Jobs {
		if job.Name == name {
			return s.execute(ctx, job)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (s *JobScheduler) execute(ctx context.Context, job Job) error {
	start := time.Now()
	err := job.Run(ctx)
	if err != nil {
		observability.JobRuns.WithLabelValues(job.Name, "error").Inc()
		s.Log.Error("job failed", zap.String("job", job.Name), zap.Duration("took", time.Since(start)), zap.Error(err))
		return err
	}
	observability.JobRuns.WithLabelValues(job.Name, "ok").Inc()
	s.Log.Debug("job finished", zap.String("job", job.Name), zap.Duration("took", time.Since(start)))
	return nil
}
