package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/kestrelid/kestrel/internal/action"
	"github.com/kestrelid/kestrel/internal/domain"
)

// chainOrder is the deterministic ordering for trigger chains and listings.
const chainOrder = "execution_order ASC, created_at ASC, id ASC"

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// ActionRepository implements action persistence with PostgreSQL.
type ActionRepository struct {
	db *gorm.DB
}

// NewActionRepository creates an ActionRepository.
func NewActionRepository(db *gorm.DB) *ActionRepository {
	return &ActionRepository{db: db}
}

// Create persists a new action.
func (r *ActionRepository) Create(ctx context.Context, a *domain.Action) error {
	model := toActionModel(a)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("action %q: %w", a.Name, action.ErrConflict)
		}
		return fmt.Errorf("creating action: %w", err)
	}
	return nil
}

// Get retrieves an action by ID within a service.
func (r *ActionRepository) Get(ctx context.Context, serviceID, id uuid.UUID) (*domain.Action, error) {
	var model ActionModel
	if err := r.db.WithContext(ctx).
		Scopes(ServiceScope(serviceID)).
		First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, action.ErrNotFound
		}
		return nil, fmt.Errorf("getting action %s: %w", id, err)
	}
	return toActionDomain(&model), nil
}

// GetByName retrieves an action by name within a service.
func (r *ActionRepository) GetByName(ctx context.Context, serviceID uuid.UUID, name string) (*domain.Action, error) {
	var model ActionModel
	if err := r.db.WithContext(ctx).
		Scopes(ServiceScope(serviceID)).
		First(&model, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, action.ErrNotFound
		}
		return nil, fmt.Errorf("getting action %q: %w", name, err)
	}
	return toActionDomain(&model), nil
}

// List returns actions for a service matching the filter, in chain order.
func (r *ActionRepository) List(ctx context.Context, serviceID uuid.UUID, f action.ListFilter) ([]domain.Action, error) {
	q := r.db.WithContext(ctx).
		Scopes(ServiceScope(serviceID)).
		Order(chainOrder)
	if f.Trigger != "" {
		q = q.Where("trigger_id = ?", string(f.Trigger))
	}
	if f.Enabled != nil {
		q = q.Where("enabled = ?", *f.Enabled)
	}
	if f.NameContains != "" {
		q = q.Where("LOWER(name) LIKE ?", "%"+strings.ToLower(f.NameContains)+"%")
	}
	q = q.Limit(clampLimit(f.Limit)).Offset(max(f.Offset, 0))

	var models []ActionModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	return toDomainSlice(models), nil
}

// ListEnabledByTrigger returns the enabled actions for one trigger in chain
// order. This is the chain the scheduler runs.
func (r *ActionRepository) ListEnabledByTrigger(ctx context.Context, serviceID uuid.UUID, trigger domain.ActionTrigger) ([]domain.Action, error) {
	var models []ActionModel
	if err := r.db.WithContext(ctx).
		Scopes(ServiceScope(serviceID)).
		Where("trigger_id = ? AND enabled = ?", string(trigger), true).
		Order(chainOrder).
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing actions for trigger %s: %w", trigger, err)
	}
	return toDomainSlice(models), nil
}

// Update persists changes to an existing action.
func (r *ActionRepository) Update(ctx context.Context, a *domain.Action) error {
	model := toActionModel(a)
	result := r.db.WithContext(ctx).
		Model(&ActionModel{}).
		Where("id = ? AND service_id = ?", a.ID, a.ServiceID).
		Select("*").
		Omit("id", "service_id", "created_at", "execution_count", "error_count", "last_executed_at", "last_error").
		Updates(&model)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return fmt.Errorf("action %q: %w", a.Name, action.ErrConflict)
		}
		return fmt.Errorf("updating action %s: %w", a.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return action.ErrNotFound
	}
	return nil
}

// Delete hard-deletes an action by ID within a service.
// Execution log rows are kept.
func (r *ActionRepository) Delete(ctx context.Context, serviceID, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Scopes(ServiceScope(serviceID)).
		Delete(&ActionModel{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("deleting action %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return action.ErrNotFound
	}
	return nil
}

// UpdateExecutionStats atomically bumps the rolling counters after an
// invocation. Counter increments are SQL expressions so concurrent firings
// never lose updates.
func (r *ActionRepository) UpdateExecutionStats(ctx context.Context, actionID uuid.UUID, success bool, lastError string) error {
	now := time.Now().UTC()
	updates := map[string]any{
		"execution_count":  gorm.Expr("execution_count + 1"),
		"last_executed_at": now,
		"updated_at":       now,
	}
	if !success {
		updates["error_count"] = gorm.Expr("error_count + 1")
		updates["last_error"] = lastError
	}
	if err := r.db.WithContext(ctx).
		Model(&ActionModel{}).
		Where("id = ?", actionID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("updating stats for action %s: %w", actionID, err)
	}
	return nil
}

func toDomainSlice(models []ActionModel) []domain.Action {
	actions := make([]domain.Action, len(models))
	for i := range models {
		actions[i] = *toActionDomain(&models[i])
	}
	return actions
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// isUniqueViolation reports whether err is a unique-constraint failure from
// either backend (pgx SQLSTATE 23505, sqlite "UNIQUE constraint failed").
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// compile-time interface check
var _ action.Store = (*ActionRepository)(nil)
