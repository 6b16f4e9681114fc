package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"transit-sync/internal/domain/vehicle"
)

var ErrRunNotFound = errors.New("run not found")

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

type Run struct {
	ID           string `gorm:"primaryKey"`
	Trigger      string `gorm:"not null"`
	Source       string `gorm:"not null"`
	Status       string `gorm:"not null"`
	Total        int    `gorm:"not null"`
	Updated      int    `gorm:"not null"`
	Skipped      int    `gorm:"not null"`
	Failed       int    `gorm:"not null"`
	NotAttempted int    `gorm:"not null"`
	AbortReason  *string
	StartedAt    time.Time      `gorm:"not null"`
	FinishedAt   time.Time      `gorm:"not null"`
	Summary      datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt    time.Time
}

type RunOutcome struct {
	RunID     string `gorm:"primaryKey"`
	Position  int    `gorm:"primaryKey"`
	Plate     string `gorm:"not null"`
	Kind      string `gorm:"not null"`
	Reason    *string
	Manifests int
	CreatedAt time.Time
}

type RunFilter struct {
	Status string
	Plate  *string
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

func toRunRow(s vehicle.RunSummary) (Run, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return Run{}, err
	}
	row := Run{
		ID:           s.RunID,
		Trigger:      s.Trigger,
		Source:       s.Source,
		Status:       s.Status(),
		Total:        s.Total,
		Updated:      s.Count(vehicle.OutcomeUpdated),
		Skipped:      s.Count(vehicle.OutcomeSkippedIncompleteData) + s.Count(vehicle.OutcomeSkippedNoManifest),
		Failed:       s.Count(vehicle.OutcomeFailed),
		NotAttempted: s.NotAttempted,
		StartedAt:    s.StartedAt,
		FinishedAt:   s.FinishedAt,
		Summary:      datatypes.JSON(raw),
		CreatedAt:    time.Now(),
	}
	if s.AbortReason != "" {
		row.AbortReason = &s.AbortReason
	}
	return row, nil
}

func toOutcomeRows(s vehicle.RunSummary) []RunOutcome {
	rows := make([]RunOutcome, 0, len(s.Outcomes))
	for _, o := range s.Outcomes {
		row := RunOutcome{
			RunID:     s.RunID,
			Position:  o.Position,
			Plate:     string(o.Plate),
			Kind:      string(o.Kind),
			Manifests: o.Manifests,
			CreatedAt: time.Now(),
		}
		if o.Reason != "" {
			reason := o.Reason
			row.Reason = &reason
		}
		rows = append(rows, row)
	}
	return rows
}

func (r Run) summary() (vehicle.RunSummary, error) {
	var s vehicle.RunSummary
	if len(r.Summary) == 0 {
		return s, fmt.Errorf("run %s has no summary", r.ID)
	}
	if err := json.Unmarshal(r.Summary, &s); err != nil {
		return s, fmt.Errorf("failed to decode run %s: %w", r.ID, err)
	}
	return s, nil
}

// SaveRun stores the run and its per-plate outcomes in one transaction.
func (r *RunRepository) SaveRun(ctx context.Context, s vehicle.RunSummary) error {
	row, err := toRunRow(s)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	outcomes := toOutcomeRows(s)

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if len(outcomes) == 0 {
			return nil
		}
		return tx.CreateInBatches(outcomes, 100).Error
	})
}

func (r *RunRepository) FindRuns(ctx context.Context, f RunFilter) ([]Run, error) {
	query := r.db.WithContext(ctx).Model(&Run{})

	if f.Status != "" {
		query = query.Where("status = ?", f.Status)
	}
	if f.Plate != nil {
		query = query.Where("id IN (?)", r.db.Model(&RunOutcome{}).Select("run_id").Where("plate = ?", *f.Plate))
	}
	if f.From != nil {
		query = query.Where("started_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("started_at <= ?", *f.To)
	}

	query = query.Order("started_at DESC")

	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	if f.Offset > 0 {
		query = query.Offset(f.Offset)
	}

	var runs []Run
	err := query.Find(&runs).Error
	return runs, err
}

func (r *RunRepository) GetRun(ctx context.Context, id string) (*vehicle.RunSummary, error) {
	var row Run
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	s, err := row.summary()
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeleteRunsBefore removes runs started before cutoff together with their
// outcomes.
func (r *RunRepository) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&Run{}).Select("id").Where("started_at < ?", cutoff)
		if err := tx.Where("run_id IN (?)", old).Delete(&RunOutcome{}).Error; err != nil {
			return err
		}
		res := tx.Where("started_at < ?", cutoff).Delete(&Run{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}
