package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"transit-sync/internal/domain/vehicle"
	"transit-sync/internal/events"
	"transit-sync/internal/snapshot"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrNotFound      = errors.New("not found")
	ErrRunInProgress = errors.New("a run is already in progress")
	ErrNoActiveRun   = errors.New("no run in progress")
)

// Source selects where a run takes its records from.
type Source string

const (
	// SourceLive scrapes the dashboard and resolves locations.
	SourceLive Source = "live"
	// SourceSnapshot replays the records persisted by the last live run.
	SourceSnapshot Source = "snapshot"
)

const TriggerManual = "manual"

type RunRequest struct {
	Trigger string `json:"trigger"`
	Source  Source `json:"source"`
}

type PlateExtractor interface {
	Extract(ctx context.Context) ([]vehicle.PlateID, error)
}

type LocationResolver interface {
	ResolveAll(ctx context.Context, plates []vehicle.PlateID) []vehicle.EnrichedRecord
}

type UpdateCoordinator interface {
	Run(ctx context.Context, runID string, records []vehicle.EnrichedRecord, cancel *CancelToken) vehicle.RunSummary
}

type SnapshotStore interface {
	Save(records []vehicle.EnrichedRecord) error
	Load() ([]vehicle.EnrichedRecord, error)
}

type RunRecorder interface {
	SaveRun(ctx context.Context, summary vehicle.RunSummary) error
}

type RunMetrics interface {
	ObserveExtraction(plates int, err error)
	ObserveResolution(r vehicle.EnrichedRecord)
	SetRunning(running bool)
	ObserveRun(s vehicle.RunSummary)
}

// RunStatus is what the control surface shows about the runner. Current
// carries the identity of the active run and its total once known; Progress
// is the record the update stage is on.
type RunStatus struct {
	Running  bool                `json:"running"`
	Current  *vehicle.RunSummary `json:"current,omitempty"`
	Progress *events.Progress    `json:"progress,omitempty"`
	Last     *vehicle.RunSummary `json:"last,omitempty"`
}

// progressSource is implemented by publishers the runner can also read
// progress back from, such as *events.Bus.
type progressSource interface {
	Subscribe(fn events.SubscriberFunc, types ...events.Type) events.SubscriberID
	Unsubscribe(id events.SubscriberID)
}

type RunnerDeps struct {
	Extractor   PlateExtractor
	Resolver    LocationResolver
	Coordinator UpdateCoordinator
	Snapshots   SnapshotStore
	// History and Metrics are optional.
	History RunRecorder
	Metrics RunMetrics
	Events  events.Publisher
}

type activeRun struct {
	summary  vehicle.RunSummary
	progress *events.Progress
	cancel   *CancelToken
	done     chan struct{}
}

// Runner owns the single workflow worker. At most one run is active.
type Runner struct {
	deps RunnerDeps
	now  func() time.Time
	log  zerolog.Logger

	mu      sync.Mutex
	current *activeRun
	last    *vehicle.RunSummary
}

func NewRunner(deps RunnerDeps, log zerolog.Logger) *Runner {
	if deps.Events == nil {
		deps.Events = events.Nop{}
	}
	return &Runner{
		deps: deps,
		now:  time.Now,
		log:  log,
	}
}

// Start launches a run on its own goroutine and returns its id. The run
// outlives ctx; use Cancel to stop it.
func (r *Runner) Start(ctx context.Context, req RunRequest) (string, error) {
	if req.Source == "" {
		req.Source = SourceLive
	}
	if req.Source != SourceLive && req.Source != SourceSnapshot {
		return "", fmt.Errorf("%w: unknown source %q", ErrInvalidInput, req.Source)
	}
	if req.Trigger == "" {
		req.Trigger = TriggerManual
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return "", ErrRunInProgress
	}

	run := &activeRun{
		summary: vehicle.RunSummary{
			RunID:     uuid.NewString(),
			Trigger:   req.Trigger,
			Source:    string(req.Source),
			StartedAt: r.now(),
			Outcomes:  []vehicle.Outcome{},
		},
		cancel: NewCancelToken(),
		done:   make(chan struct{}),
	}
	r.current = run

	go r.execute(context.WithoutCancel(ctx), run)
	return run.summary.RunID, nil
}

// Cancel asks the active run to stop after the record in progress.
func (r *Runner) Cancel() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return "", ErrNoActiveRun
	}
	if !r.current.cancel.Cancelled() {
		r.log.Info().Str("run_id", r.current.summary.RunID).Msg("stop requested, finishing current vehicle")
		r.deps.Events.Emit(events.Event{
			Type:     events.TypeStatus,
			RunID:    r.current.summary.RunID,
			Severity: events.SeverityWarning,
			Message:  "stopping run",
		})
	}
	r.current.cancel.Cancel()
	return r.current.summary.RunID, nil
}

func (r *Runner) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := RunStatus{Last: r.last}
	if r.current != nil {
		cur := r.current.summary
		st.Running = true
		st.Current = &cur
		if r.current.progress != nil {
			p := *r.current.progress
			st.Progress = &p
		}
	}
	return st
}

// Wait blocks until no run is active or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	r.mu.Lock()
	run := r.current
	r.mu.Unlock()
	if run == nil {
		return nil
	}
	select {
	case <-run.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) execute(ctx context.Context, run *activeRun) {
	summary := run.summary
	log := r.log.With().Str("run_id", summary.RunID).Logger()

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("unhandled error in run")
			summary.Aborted = true
			summary.AbortReason = fmt.Sprintf("unhandled error: %v", p)
		}
		r.finish(ctx, run, summary, log)
	}()

	r.setRunning(true)
	log.Info().Str("trigger", summary.Trigger).Str("source", summary.Source).Msg("starting run")
	r.deps.Events.Emit(events.Event{Type: events.TypeRunStarted, RunID: summary.RunID, Severity: events.SeverityInfo, Message: "run started"})

	if src, ok := r.deps.Events.(progressSource); ok {
		id := src.Subscribe(func(evt events.Event) {
			if evt.RunID == summary.RunID && evt.Progress != nil {
				r.trackProgress(run, *evt.Progress)
			}
		}, events.TypeProgress)
		defer src.Unsubscribe(id)
	}

	records, err := r.collect(ctx, run, log)
	switch {
	case errors.Is(err, errStopped):
		summary.Cancelled = true
	case err != nil:
		summary.Aborted = true
		summary.AbortReason = err.Error()
	case len(records) == 0:
		r.status(summary.RunID, events.SeverityWarning, "no vehicles found")
	default:
		log.Info().Int("vehicles", len(records)).Msg("vehicles ready for update")
		r.mu.Lock()
		run.summary.Total = len(records)
		r.mu.Unlock()
		r.status(summary.RunID, events.SeverityInfo, fmt.Sprintf("%d vehicles ready for update", len(records)))
		result := r.deps.Coordinator.Run(ctx, summary.RunID, records, run.cancel)
		result.RunID, result.Trigger, result.Source, result.StartedAt = summary.RunID, summary.Trigger, summary.Source, summary.StartedAt
		summary = result
	}
}

var errStopped = errors.New("run stopped")

func (r *Runner) trackProgress(run *activeRun, p events.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != run {
		return
	}
	run.progress = &p
	run.summary.Total = p.Total
}

func (r *Runner) status(runID string, severity events.Severity, message string) {
	r.deps.Events.Emit(events.Event{Type: events.TypeStatus, RunID: runID, Severity: severity, Message: message})
}

// clearSnapshot writes an empty snapshot over the previous one, so a replay
// after a failed or empty extraction has nothing to update.
func (r *Runner) clearSnapshot(log zerolog.Logger) {
	if err := r.deps.Snapshots.Save([]vehicle.EnrichedRecord{}); err != nil {
		log.Error().Err(err).Msg("failed to save snapshot")
	}
}

// collect produces the records for the update stage.
func (r *Runner) collect(ctx context.Context, run *activeRun, log zerolog.Logger) ([]vehicle.EnrichedRecord, error) {
	if run.summary.Source == string(SourceSnapshot) {
		records, err := r.deps.Snapshots.Load()
		if errors.Is(err, snapshot.ErrNoSnapshot) || (err != nil && records == nil) {
			log.Error().Err(err).Msg("snapshot unavailable")
			r.status(run.summary.RunID, events.SeverityError, "snapshot unavailable")
			return nil, err
		}
		if err != nil {
			log.Warn().Err(err).Msg("snapshot contains incomplete records")
		}
		if len(records) == 0 {
			log.Warn().Msg("no vehicles found")
		}
		return records, nil
	}

	stageCtx, stop := run.cancel.Bind(ctx)
	defer stop()

	plates, err := r.deps.Extractor.Extract(stageCtx)
	if r.deps.Metrics != nil {
		r.deps.Metrics.ObserveExtraction(len(plates), err)
	}
	if run.cancel.Cancelled() {
		return nil, errStopped
	}
	if err != nil {
		msg := "failed to read vehicle plates"
		switch {
		case IsConnectionFailure(err):
			msg = "connection failed"
		case errors.Is(err, ErrDashboardLogin):
			msg = "authentication failed"
		}
		log.Error().Err(err).Msg(msg)
		r.status(run.summary.RunID, events.SeverityError, msg)
		r.clearSnapshot(log)
		return nil, err
	}
	if len(plates) == 0 {
		log.Warn().Msg("no vehicles found")
		r.clearSnapshot(log)
		return nil, nil
	}
	log.Info().Int("plates", len(plates)).Msg("plates extracted")

	records := r.deps.Resolver.ResolveAll(stageCtx, plates)
	if run.cancel.Cancelled() {
		return nil, errStopped
	}
	if r.deps.Metrics != nil {
		for _, rec := range records {
			r.deps.Metrics.ObserveResolution(rec)
		}
	}
	if err := r.deps.Snapshots.Save(records); err != nil {
		log.Error().Err(err).Msg("failed to save snapshot")
	}
	return records, nil
}

func (r *Runner) finish(ctx context.Context, run *activeRun, summary vehicle.RunSummary, log zerolog.Logger) {
	summary.FinishedAt = r.now()
	if summary.Outcomes == nil {
		summary.Outcomes = []vehicle.Outcome{}
	}

	if r.deps.History != nil {
		if err := r.deps.History.SaveRun(ctx, summary); err != nil {
			log.Error().Err(err).Msg("failed to save run history")
		}
	}
	if r.deps.Metrics != nil {
		r.deps.Metrics.ObserveRun(summary)
	}
	r.setRunning(false)

	status := summary.Status()
	log.Info().
		Str("status", status).
		Int("total", summary.Total).
		Int("updated", summary.Count(vehicle.OutcomeUpdated)).
		Int("failed", summary.Count(vehicle.OutcomeFailed)).
		Int("not_attempted", summary.NotAttempted).
		Dur("duration", summary.FinishedAt.Sub(summary.StartedAt)).
		Msg("run finished")

	r.mu.Lock()
	r.last = &summary
	r.current = nil
	close(run.done)
	r.mu.Unlock()

	r.deps.Events.Emit(events.Event{
		Type:     events.TypeRunFinished,
		RunID:    summary.RunID,
		Severity: severityOfStatus(status),
		Message:  status,
		Summary:  &summary,
	})
}

func (r *Runner) setRunning(running bool) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.SetRunning(running)
	}
}

func severityOfStatus(status string) events.Severity {
	switch status {
	case "completed":
		return events.SeverityInfo
	case "aborted":
		return events.SeverityError
	default:
		return events.SeverityWarning
	}
}
