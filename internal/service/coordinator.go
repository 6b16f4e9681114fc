package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"transit-sync/internal/domain/vehicle"
	"transit-sync/internal/events"
	"transit-sync/internal/updater"
	"transit-sync/internal/utils"
)

// PlateSession is an authenticated update session.
type PlateSession interface {
	Apply(ctx context.Context, job updater.Job) (updater.Result, error)
	Close() error
}

type SessionOpener interface {
	Open(ctx context.Context) (PlateSession, error)
}

type SessionOpenerFunc func(ctx context.Context) (PlateSession, error)

func (f SessionOpenerFunc) Open(ctx context.Context) (PlateSession, error) {
	return f(ctx)
}

// FailurePolicy decides what happens after a plate fails mid-update.
type FailurePolicy string

const (
	// FailureReauthenticate drops the session and logs in again for the
	// next plate.
	FailureReauthenticate FailurePolicy = "reauthenticate"
	FailureAbort          FailurePolicy = "abort"
)

type CoordinatorConfig struct {
	Pacing           time.Duration
	PaceAfterSkipped bool
	OnFailure        FailurePolicy
}

type OutcomeObserver interface {
	ObserveOutcome(kind vehicle.OutcomeKind)
}

// CancelToken is a cooperative stop request. It is checked between records
// and interrupts pacing waits, never a record in progress.
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Bind returns a child of ctx that is also cancelled by the token.
func (t *CancelToken) Bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

type Coordinator struct {
	opener  SessionOpener
	cfg     CoordinatorConfig
	events  events.Publisher
	metrics OutcomeObserver
	sleep   utils.Sleeper
	log     zerolog.Logger
}

func NewCoordinator(opener SessionOpener, cfg CoordinatorConfig, pub events.Publisher, metrics OutcomeObserver, log zerolog.Logger) *Coordinator {
	if cfg.OnFailure == "" {
		cfg.OnFailure = FailureReauthenticate
	}
	if pub == nil {
		pub = events.Nop{}
	}
	return &Coordinator{
		opener:  opener,
		cfg:     cfg,
		events:  pub,
		metrics: metrics,
		sleep:   utils.Sleep,
		log:     log,
	}
}

// plateState carries the lazily opened session across records.
type plateState struct {
	session PlateSession
}

// Run drives every record through the update session in order and always
// returns a summary. The session is closed before Run returns.
func (c *Coordinator) Run(ctx context.Context, runID string, records []vehicle.EnrichedRecord, cancel *CancelToken) vehicle.RunSummary {
	if cancel == nil {
		cancel = NewCancelToken()
	}
	log := c.log.With().Str("run_id", runID).Logger()
	summary := vehicle.RunSummary{RunID: runID, Total: len(records), Outcomes: []vehicle.Outcome{}}

	ps := &plateState{}
	defer c.closeSession(ps, log)

	milestone := 0
	for i, rec := range records {
		if cancel.Cancelled() || ctx.Err() != nil {
			summary.Cancelled = true
			summary.NotAttempted = len(records) - i
			log.Warn().Int("processed", i).Int("not_attempted", summary.NotAttempted).Msg("run cancelled")
			break
		}

		progress := events.Progress{Current: i + 1, Total: len(records), Plate: rec.Plate}
		c.events.Emit(events.Event{Type: events.TypeProgress, RunID: runID, Progress: &progress})
		c.events.Emit(events.Event{
			Type:     events.TypeStatus,
			RunID:    runID,
			Severity: events.SeverityInfo,
			Message:  fmt.Sprintf("processing vehicle %d/%d: %s", i+1, len(records), rec.Plate),
		})

		outcome, attempted, abortReason := c.process(ctx, ps, i, rec, log)
		summary.Outcomes = append(summary.Outcomes, outcome)
		if c.metrics != nil {
			c.metrics.ObserveOutcome(outcome.Kind)
		}

		if pct := progress.Percent(); pct >= milestone+25 {
			milestone = pct - pct%25
			log.Info().Int("percent", milestone).Int("processed", i+1).Int("total", len(records)).Msg("run progress")
		}

		if abortReason != "" {
			summary.Aborted = true
			summary.AbortReason = abortReason
			summary.NotAttempted = len(records) - i - 1
			log.Error().Str("reason", abortReason).Int("not_attempted", summary.NotAttempted).Msg("run aborted")
			break
		}

		last := i == len(records)-1
		if !last && (attempted || c.cfg.PaceAfterSkipped) && !cancel.Cancelled() {
			c.pace(ctx, cancel)
		}
	}
	return summary
}

func (c *Coordinator) pace(ctx context.Context, cancel *CancelToken) {
	waitCtx, stop := cancel.Bind(ctx)
	defer stop()
	if err := c.sleep(waitCtx, c.cfg.Pacing); err != nil {
		c.log.Debug().Msg("pacing interrupted")
	}
}

// process handles one record. attempted reports whether the record reached
// the update session; a non-empty abortReason stops the run.
func (c *Coordinator) process(ctx context.Context, ps *plateState, i int, rec vehicle.EnrichedRecord, log zerolog.Logger) (vehicle.Outcome, bool, string) {
	outcome := vehicle.Outcome{Position: i, Plate: rec.Plate}
	log = log.With().Int("position", i+1).Str("plate", string(rec.Plate)).Logger()

	if rec.Plate == "" || !rec.HasAddress() {
		outcome.Kind = vehicle.OutcomeSkippedIncompleteData
		outcome.Reason = "record has no city and state (" + rec.Resolution() + ")"
		log.Warn().Str("resolution", rec.Resolution()).Msg("skipping record with incomplete data")
		return outcome, false, ""
	}

	city, state := rec.CityState()
	log.Info().Str("city", city).Str("state", state).Msg("updating vehicle")

	if ps.session == nil {
		session, err := c.opener.Open(ctx)
		if err != nil {
			outcome.Kind = vehicle.OutcomeFailed
			outcome.Reason = vehicle.ErrFatalAuth.Error()
			log.Error().Err(err).Msg("authentication failed")
			if errors.Is(err, vehicle.ErrFatalAuth) {
				return outcome, true, fmt.Sprintf("authentication failed: %v", err)
			}
			return outcome, true, fmt.Sprintf("session could not be opened: %v", err)
		}
		ps.session = session
	}

	res, err := ps.session.Apply(ctx, updater.Job{Plate: rec.Plate, City: city, State: state})
	if err != nil {
		outcome.Kind = vehicle.OutcomeFailed
		outcome.Reason = err.Error()
		log.Error().Err(err).Msg("vehicle update failed")
		c.closeSession(ps, log)
		if c.cfg.OnFailure == FailureAbort {
			return outcome, true, fmt.Sprintf("plate %s failed: %v", rec.Plate, err)
		}
		return outcome, true, ""
	}

	outcome.Kind = res.Kind
	outcome.Manifests = len(res.Manifests)
	if res.Kind == vehicle.OutcomeSkippedNoManifest {
		outcome.Reason = "no authorized manifest"
	}
	log.Info().Str("outcome", string(res.Kind)).Int("manifests", outcome.Manifests).Msg("vehicle processed")
	return outcome, true, ""
}

func (c *Coordinator) closeSession(ps *plateState, log zerolog.Logger) {
	if ps.session == nil {
		return
	}
	if err := ps.session.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close update session")
	}
	ps.session = nil
}
