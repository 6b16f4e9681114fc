package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"transit-sync/internal/domain/vehicle"
	"transit-sync/internal/repository"
	"transit-sync/internal/utils"
)

type RunStore interface {
	SaveRun(ctx context.Context, s vehicle.RunSummary) error
	FindRuns(ctx context.Context, f repository.RunFilter) ([]repository.Run, error)
	GetRun(ctx context.Context, id string) (*vehicle.RunSummary, error)
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// HistoryService records finished runs and answers history queries.
type HistoryService struct {
	repo          RunStore
	retentionDays int
	now           func() time.Time
	log           zerolog.Logger
}

func NewHistoryService(repo RunStore, retentionDays int, log zerolog.Logger) *HistoryService {
	return &HistoryService{
		repo:          repo,
		retentionDays: retentionDays,
		now:           time.Now,
		log:           log,
	}
}

// SaveRun stores the summary, then prunes runs past the retention window.
func (s *HistoryService) SaveRun(ctx context.Context, summary vehicle.RunSummary) error {
	if summary.RunID == "" {
		return fmt.Errorf("%w: run_id is required", ErrInvalidInput)
	}
	if err := s.repo.SaveRun(ctx, summary); err != nil {
		s.log.Error().Err(err).Str("run_id", summary.RunID).Msg("failed to save run")
		return fmt.Errorf("failed to save run: %w", err)
	}
	s.log.Info().
		Str("run_id", summary.RunID).
		Str("status", summary.Status()).
		Int("outcomes", len(summary.Outcomes)).
		Msg("saved run to database")

	if s.retentionDays > 0 {
		if _, err := s.CleanupOldRuns(ctx, s.retentionDays); err != nil {
			return err
		}
	}
	return nil
}

func (s *HistoryService) FindRuns(ctx context.Context, status string, plateQuery, from, to *string, limit, offset int) ([]RunInfo, error) {
	filter := repository.RunFilter{Status: status}

	switch status {
	case "", "completed", "completed_with_failures", "cancelled", "aborted":
	default:
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}

	if plateQuery != nil {
		if normalized := utils.NormalizePlate(*plateQuery); normalized != "" {
			filter.Plate = &normalized
		}
	}
	if from != nil && *from != "" {
		t, err := time.Parse(time.RFC3339, *from)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid from time format", ErrInvalidInput)
		}
		filter.From = &t
	}
	if to != nil && *to != "" {
		t, err := time.Parse(time.RFC3339, *to)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid to time format", ErrInvalidInput)
		}
		filter.To = &t
	}

	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	filter.Limit, filter.Offset = limit, offset

	runs, err := s.repo.FindRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find runs: %w", err)
	}

	result := make([]RunInfo, 0, len(runs))
	for _, r := range runs {
		result = append(result, RunInfo{
			ID:           r.ID,
			Trigger:      r.Trigger,
			Source:       r.Source,
			Status:       r.Status,
			Total:        r.Total,
			Updated:      r.Updated,
			Skipped:      r.Skipped,
			Failed:       r.Failed,
			NotAttempted: r.NotAttempted,
			AbortReason:  r.AbortReason,
			StartedAt:    r.StartedAt,
			FinishedAt:   r.FinishedAt,
		})
	}
	return result, nil
}

func (s *HistoryService) GetRun(ctx context.Context, id string) (*vehicle.RunSummary, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: run id is required", ErrInvalidInput)
	}
	summary, err := s.repo.GetRun(ctx, id)
	if errors.Is(err, repository.ErrRunNotFound) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return summary, nil
}

// CleanupOldRuns deletes runs older than the given number of days.
func (s *HistoryService) CleanupOldRuns(ctx context.Context, days int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -days)
	deleted, err := s.repo.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old runs")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", days).Msg("cleaned up old runs")
	}
	return deleted, nil
}

type RunInfo struct {
	ID           string    `json:"id"`
	Trigger      string    `json:"trigger"`
	Source       string    `json:"source"`
	Status       string    `json:"status"`
	Total        int       `json:"total"`
	Updated      int       `json:"updated"`
	Skipped      int       `json:"skipped"`
	Failed       int       `json:"failed"`
	NotAttempted int       `json:"not_attempted"`
	AbortReason  *string   `json:"abort_reason,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}
