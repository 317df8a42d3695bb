package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kestrelid/kestrel/internal/action"
	"github.com/kestrelid/kestrel/internal/domain"
)

// ExecutionRepository implements the append-only execution log with PostgreSQL.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Record appends one execution row. Rows are never updated afterwards.
func (r *ExecutionRepository) Record(ctx context.Context, e *domain.ActionExecution) error {
	model := toExecutionModel(e)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording execution: %w", err)
	}
	return nil
}

// List returns execution rows for a service, newest first.
func (r *ExecutionRepository) List(ctx context.Context, serviceID uuid.UUID, f domain.ExecutionFilter) ([]domain.ActionExecution, error) {
	q := r.db.WithContext(ctx).
		Scopes(ServiceScope(serviceID)).
		Order("executed_at DESC, id DESC")
	if f.ActionID != nil {
		q = q.Where("action_id = ?", *f.ActionID)
	}
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.TriggerID != "" {
		q = q.Where("trigger_id = ?", string(f.TriggerID))
	}
	if f.Success != nil {
		q = q.Where("success = ?", *f.Success)
	}
	if f.From != nil {
		q = q.Where("executed_at >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("executed_at <= ?", *f.To)
	}
	q = q.Limit(clampLimit(f.Limit)).Offset(max(f.Offset, 0))

	var models []ActionExecutionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	rows := make([]domain.ActionExecution, len(models))
	for i := range models {
		rows[i] = *toExecutionDomain(&models[i])
	}
	return rows, nil
}

// Stats computes rolling stats for one action over its execution log.
func (r *ExecutionRepository) Stats(ctx context.Context, serviceID, actionID uuid.UUID) (*domain.ActionStats, error) {
	var agg struct {
		ExecutionCount int64
		ErrorCount     int64
		AvgDurationMS  float64
	}
	// CASE instead of FILTER keeps the query portable across both backends.
	if err := r.db.WithContext(ctx).
		Model(&ActionExecutionModel{}).
		Scopes(ServiceScope(serviceID)).
		Where("action_id = ?", actionID).
		Select("COUNT(*) AS execution_count, " +
			"COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0) AS error_count, " +
			"COALESCE(AVG(duration_ms), 0) AS avg_duration_ms").
		Scan(&agg).Error; err != nil {
		return nil, fmt.Errorf("aggregating stats for action %s: %w", actionID, err)
	}

	var last24h int64
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	if err := r.db.WithContext(ctx).
		Model(&ActionExecutionModel{}).
		Scopes(ServiceScope(serviceID)).
		Where("action_id = ? AND executed_at >= ?", actionID, cutoff).
		Count(&last24h).Error; err != nil {
		return nil, fmt.Errorf("counting recent executions for action %s: %w", actionID, err)
	}

	return &domain.ActionStats{
		ExecutionCount: agg.ExecutionCount,
		ErrorCount:     agg.ErrorCount,
		AvgDurationMS:  agg.AvgDurationMS,
		Last24hCount:   last24h,
	}, nil
}

// DeleteOlderThan prunes log rows executed before cutoff and returns the
// number removed. Used by the retention sweeper.
func (r *ExecutionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("executed_at < ?", cutoff).
		Delete(&ActionExecutionModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning executions before %s: %w", cutoff.Format(time.RFC3339), result.Error)
	}
	return result.RowsAffected, nil
}

// compile-time interface check
var _ action.ExecutionStore = (*ExecutionRepository)(nil)
