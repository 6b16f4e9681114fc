// Package scheduler starts workflow runs at configured times of day.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"transit-sync/internal/service"
)

const TriggerSchedule = "schedule"

// reportEvery is the minute interval at which the configured times are
// logged.
const reportEvery = 15

type Starter interface {
	Start(ctx context.Context, req service.RunRequest) (string, error)
}

type Scheduler struct {
	store   *Store
	starter Starter
	tick    time.Duration
	now     func() time.Time
	log     zerolog.Logger

	lastFired string
}

func New(store *Store, starter Starter, tick time.Duration, log zerolog.Logger) *Scheduler {
	if tick <= 0 {
		tick = time.Minute
	}
	return &Scheduler{
		store:   store,
		starter: starter,
		tick:    tick,
		now:     time.Now,
		log:     log,
	}
}

// Run checks the trigger set on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.log.Info().Strs("times", s.store.List()).Dur("tick", s.tick).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Check(ctx, s.now())
		}
	}
}

// Check starts a run when now matches a configured time. Each minute fires
// at most once; a trigger hit while a run is active is dropped.
func (s *Scheduler) Check(ctx context.Context, now time.Time) bool {
	hhmm := now.Format(timeLayout)

	if now.Minute()%reportEvery == 0 {
		if times := s.store.List(); len(times) > 0 {
			s.log.Info().Str("now", hhmm).Str("times", strings.Join(times, ", ")).Msg("checking schedules")
		}
	}

	if !s.store.Contains(hhmm) {
		return false
	}
	key := now.Format("2006-01-02 ") + hhmm
	if key == s.lastFired {
		return false
	}
	s.lastFired = key

	runID, err := s.starter.Start(ctx, service.RunRequest{Trigger: TriggerSchedule, Source: service.SourceLive})
	if errors.Is(err, service.ErrRunInProgress) {
		s.log.Warn().Str("time", hhmm).Msg("scheduled time ignored: run already in progress")
		return false
	}
	if err != nil {
		s.log.Error().Err(err).Str("time", hhmm).Msg("failed to start scheduled run")
		return false
	}
	s.log.Info().Str("time", hhmm).Str("run_id", runID).Msg("scheduled run started")
	return true
}

// Next returns the first configured time strictly after now.
func (s *Scheduler) Next(now time.Time) (time.Time, bool) {
	times := s.store.List()
	if len(times) == 0 {
		return time.Time{}, false
	}
	for day := 0; day < 2; day++ {
		base := now.AddDate(0, 0, day)
		for _, hhmm := range times {
			t, _ := time.Parse(timeLayout, hhmm)
			at := time.Date(base.Year(), base.Month(), base.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
			if at.After(now) {
				return at, true
			}
		}
	}
	return time.Time{}, false
}
