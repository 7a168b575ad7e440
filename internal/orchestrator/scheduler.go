package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/CloudNativeWorks/elchi-updater/internal/errdefs"
	"github.com/CloudNativeWorks/elchi-updater/pkg/logger"
)

// Scheduler runs an update attempt every polling interval.
type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *logger.Logger
}

// NewScheduler registers u with a gocron scheduler. The first attempt starts
// immediately; a run that outlasts the interval delays the next one.
func NewScheduler(u *Updater, interval time.Duration, log *logger.Logger) (*Scheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("invalid polling interval %s", interval)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(wrapJob(u, log)),
		gocron.WithName("update-check"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return nil, err
	}

	return &Scheduler{scheduler: scheduler, logger: log}, nil
}

// Start starts polling.
func (s *Scheduler) Start() {
	s.scheduler.Start()
}

// Shutdown stops polling and cancels a running attempt.
func (s *Scheduler) Shutdown() error {
	return s.scheduler.Shutdown()
}

func wrapJob(u *Updater, log *logger.Logger) func(context.Context) {
	return func(ctx context.Context) {
		select {
		// If the context is already cancelled, don't start the job.
		case <-ctx.Done():
			return
		default:
		}

		log.Debug("running scheduled update check")
		err := u.Run(ctx)
		switch {
		case err == nil:
		case errdefs.IsKind(err, errdefs.KindNoViableCandidate):
			log.WithField("reason", errdefs.Message(err)).Debug("scheduled check found nothing to install")
		case errdefs.IsKind(err, errdefs.KindBusy):
			log.Info("skipping scheduled check, an attempt is already running")
		default:
			// Already reported through the state machine and failure callbacks.
			log.WithError(err).Debug("scheduled update attempt failed")
		}
	}
}
