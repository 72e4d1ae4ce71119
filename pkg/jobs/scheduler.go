// Package jobs runs periodic maintenance: purging long-expired refresh tokens
// and sweeping stale permission cache entries.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/warden/pkg/observability"
)

// DefaultJobTimeout bounds a single job run
const DefaultJobTimeout = time.Minute

// Job is a named unit of scheduled work
type Job struct {
	Name     string
	Schedule string // cron spec or descriptor such as "@every 1h"; empty disables the job
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs jobs on their cron schedules. Runs of the same job never overlap.
type Scheduler struct {
	cron   *cron.Cron
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a stopped scheduler
func NewScheduler(logger *logrus.Logger) *Scheduler {
	logger = observability.OrDefault(logger)
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add schedules job. A job with an empty schedule is skipped.
func (s *Scheduler) Add(job Job) error {
	if job.Schedule == "" {
		s.logger.WithField("job", job.Name).Info("job disabled")
		return nil
	}
	if _, err := s.cron.AddFunc(job.Schedule, func() { s.RunNow(s.ctx, job) }); err != nil {
		return fmt.Errorf("failed to schedule %s: %w", job.Name, err)
	}
	s.logger.WithFields(logrus.Fields{"job": job.Name, "schedule": job.Schedule}).Info("job scheduled")
	return nil
}

// RunNow runs job once in the caller's goroutine and returns its error
func (s *Scheduler) RunNow(ctx context.Context, job Job) error {
	timeout := job.Timeout
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	log := s.logger.WithField("job", job.Name)
	if err := job.Run(ctx); err != nil {
		log.WithError(err).Warn("job failed")
		return err
	}
	log.WithField("duration_ms", time.Since(start).Milliseconds()).Debug("job completed")
	return nil
}

// Start begins running scheduled jobs
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them until ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts logrus to cron.Logger
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(fields(keysAndValues)).Debug("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithError(err).WithFields(fields(keysAndValues)).Error("cron: " + msg)
}

func fields(keysAndValues []interface{}) logrus.Fields {
	f := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		f[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return f
}
