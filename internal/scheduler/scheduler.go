package scheduler

import (
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"
)

// Scheduler runs each entry's periodic refresh job. Jobs are tagged with the
// entry ID so tearing down an entry cancels exactly its schedule.
type Scheduler struct {
	scheduler *gocron.Scheduler
	logger    *zap.Logger
}

// New creates a stopped scheduler; call Start once jobs are registered.
func New(logger *zap.Logger) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		logger:    logger,
	}
}

// Schedule registers a periodic job under the given tag. The interval is
// assumed to be pre-clamped by the entry configuration.
func (s *Scheduler) Schedule(tag string, interval time.Duration, job func()) error {
	_, err := s.scheduler.Every(interval).Tag(tag).Do(func() {
		s.logger.Debug("running scheduled refresh", zap.String("entry_id", tag))
		job()
	})
	return err
}

// Remove cancels the job scheduled under the tag. Removing an unknown tag is
// not an error.
func (s *Scheduler) Remove(tag string) {
	if err := s.scheduler.RemoveByTag(tag); err != nil {
		s.logger.Debug("no scheduled job to remove", zap.String("entry_id", tag), zap.Error(err))
	}
}

// Start begins running scheduled jobs asynchronously.
func (s *Scheduler) Start() {
	s.scheduler.StartAsync()
}

// Stop stops the scheduler and cancels all future jobs.
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}
