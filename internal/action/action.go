// Package action provides CRUD and lifecycle management for actions:
// stored scripts bound to authentication triggers, scoped to a service.
package action

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelid/kestrel/internal/domain"
)

var (
	// ErrNotFound covers both a missing action and an action owned by a
	// different service; callers cannot tell the two apart.
	ErrNotFound = errors.New("action not found")
	// ErrValidation marks a malformed action definition.
	ErrValidation = errors.New("invalid action")
	// ErrConflict marks a duplicate action name within a service.
	ErrConflict = errors.New("action name already exists")
)

// Store persists action definitions. Implementations must scope every query
// by service ID.
type Store interface {
	Create(ctx context.Context, a *domain.Action) error
	Get(ctx context.Context, serviceID, id uuid.UUID) (*domain.Action, error)
	GetByName(ctx context.Context, serviceID uuid.UUID, name string) (*domain.Action, error)
	List(ctx context.Context, serviceID uuid.UUID, f ListFilter) ([]domain.Action, error)
	ListEnabledByTrigger(ctx context.Context, serviceID uuid.UUID, trigger domain.ActionTrigger) ([]domain.Action, error)
	Update(ctx context.Context, a *domain.Action) error
	Delete(ctx context.Context, serviceID, id uuid.UUID) error
	UpdateExecutionStats(ctx context.Context, actionID uuid.UUID, success bool, lastError string) error
}

// ExecutionStore persists the append-only execution log.
type ExecutionStore interface {
	Record(ctx context.Context, exec *domain.ActionExecution) error
	List(ctx context.Context, serviceID uuid.UUID, f domain.ExecutionFilter) ([]domain.ActionExecution, error)
	Stats(ctx context.Context, serviceID, actionID uuid.UUID) (*domain.ActionStats, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// ListFilter narrows action listings.
type ListFilter struct {
	Trigger      domain.ActionTrigger
	Enabled      *bool
	NameContains string
	Limit        int
	Offset       int
}

// CreateInput is the payload for creating an action.
type CreateInput struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	TriggerID      string `json:"trigger_id"`
	Script         string `json:"script"`
	Enabled        *bool  `json:"enabled"`
	StrictMode     bool   `json:"strict_mode"`
	ExecutionOrder int    `json:"execution_order"`
	TimeoutMS      int    `json:"timeout_ms"`
}

// UpdateInput is a partial update; nil fields are left untouched.
// TriggerID and ServiceID are immutable after create.
type UpdateInput struct {
	Name           *string `json:"name"`
	Description    *string `json:"description"`
	Script         *string `json:"script"`
	Enabled        *bool   `json:"enabled"`
	StrictMode     *bool   `json:"strict_mode"`
	ExecutionOrder *int    `json:"execution_order"`
	TimeoutMS      *int    `json:"timeout_ms"`
}

// UpsertInput creates or updates by name within a service.
type UpsertInput struct {
	Name           string `json:"name"`
	Description    string `json:"description"`
	TriggerID      string `json:"trigger_id"`
	Script         string `json:"script"`
	Enabled        *bool  `json:"enabled"`
	StrictMode     bool   `json:"strict_mode"`
	ExecutionOrder int    `json:"execution_order"`
	TimeoutMS      int    `json:"timeout_ms"`
}

// BatchResult reports the per-item outcome of a batch upsert. One bad item
// never blocks the others.
type BatchResult struct {
	Created []domain.Action `json:"created"`
	Updated []domain.Action `json:"updated"`
	Errors  []BatchError    `json:"errors"`
}

// BatchError identifies a failed batch item by position and name.
type BatchError struct {
	InputIndex int    `json:"input_index"`
	Name       string `json:"name"`
	Error      string `json:"error"`
}
