package borsradar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultScrapeInterval is how often the scheduler triggers a run.
const DefaultScrapeInterval = 15 * time.Minute

// Scheduler triggers scrape runs on a fixed interval.
type Scheduler struct {
	service  *ScrapeService
	interval time.Duration
	limit    int
	logger   zerolog.Logger
}

// NewScheduler creates a scheduler for service. A non-positive interval
// uses DefaultScrapeInterval.
func NewScheduler(service *ScrapeService, interval time.Duration, limit int, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultScrapeInterval
	}
	return &Scheduler{
		service:  service,
		interval: interval,
		limit:    limit,
		logger:   logger.With().Str("component", "scheduler").Logger(),
	}
}

// Interval returns the time between runs.
func (sc *Scheduler) Interval() time.Duration {
	return sc.interval
}

// Run triggers a scrape immediately and then once per interval until ctx is
// cancelled.
func (sc *Scheduler) Run(ctx context.Context) error {
	sc.logger.Info().Dur("interval", sc.interval).Msg("scheduler starting")

	sc.tick(ctx)

	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sc.logger.Info().Msg("scheduler stopping (context cancelled)")
			return ctx.Err()
		case <-ticker.C:
			sc.tick(ctx)
		}
	}
}

// tick runs one scrape. Panics are logged and swallowed so the schedule
// keeps going.
func (sc *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			sc.logger.Error().Err(fmt.Errorf("%v", r)).Msg("scheduled scrape panicked")
		}
	}()

	result := sc.service.Run(ctx, sc.limit)
	switch {
	case result.Busy:
		sc.logger.Info().Msg("skipping scheduled scrape, previous run still in progress")
	case result.Err != nil && errors.Is(result.Err, context.Canceled):
		sc.logger.Info().Msg("scheduled scrape cancelled")
	case result.Err != nil:
		sc.logger.Error().Err(result.Err).Msg("scheduled scrape failed")
	}
}
