package action

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelid/kestrel/internal/domain"
	"github.com/kestrelid/kestrel/internal/engine"
)

// Runner is the engine surface the test endpoint needs.
type Runner interface {
	TestAction(ctx context.Context, a *domain.Action, actx *domain.ActionContext) *domain.ExecutionResult
}

// Service implements the action management API on top of the stores.
type Service struct {
	store  Store
	execs  ExecutionStore
	runner Runner
	logger *slog.Logger
}

func NewService(store Store, execs ExecutionStore, runner Runner, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		execs:  execs,
		runner: runner,
		logger: logger.With("component", "actions"),
	}
}

// NewEngineStore adapts the raw stores to the engine's persistence surface.
// Use this to construct the engine before the Service exists.
func NewEngineStore(store Store, execs ExecutionStore) engine.ActionStore {
	return &engineStore{store: store, execs: execs}
}

type engineStore struct {
	store Store
	execs ExecutionStore
}

func (s *engineStore) ListEnabledByTrigger(ctx context.Context, serviceID uuid.UUID, trigger domain.ActionTrigger) ([]domain.Action, error) {
	return s.store.ListEnabledByTrigger(ctx, serviceID, trigger)
}

func (s *engineStore) RecordExecution(ctx context.Context, exec *domain.ActionExecution) error {
	return s.execs.Record(ctx, exec)
}

func (s *engineStore) UpdateExecutionStats(ctx context.Context, actionID uuid.UUID, success bool, lastError string) error {
	return s.store.UpdateExecutionStats(ctx, actionID, success, lastError)
}

// Triggers returns every known trigger identifier.
func (s *Service) Triggers() []domain.ActionTrigger {
	return domain.AllTriggers()
}

// Create validates and stores a new action for the service.
func (s *Service) Create(ctx context.Context, serviceID uuid.UUID, in CreateInput) (*domain.Action, error) {
	trigger, err := validateDefinition(in.Name, in.Description, in.TriggerID, in.Script, in.TimeoutMS)
	if err != nil {
		return nil, err
	}
	if existing, err := s.store.GetByName(ctx, serviceID, in.Name); err == nil && existing != nil {
		return nil, fmt.Errorf("%w: %q", ErrConflict, in.Name)
	} else if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	a := &domain.Action{
		ID:             domain.NewID(),
		ServiceID:      serviceID,
		Name:           in.Name,
		Description:    in.Description,
		TriggerID:      trigger,
		Script:         in.Script,
		Enabled:        in.Enabled == nil || *in.Enabled,
		StrictMode:     in.StrictMode,
		ExecutionOrder: in.ExecutionOrder,
		TimeoutMS:      defaultTimeout(in.TimeoutMS),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, a); err != nil {
		return nil, fmt.Errorf("creating action: %w", err)
	}
	s.logger.Info("action created", "action", a.Name, "trigger", a.TriggerID, "service_id", serviceID)
	return a, nil
}

func (s *Service) Get(ctx context.Context, serviceID, id uuid.UUID) (*domain.Action, error) {
	return s.store.Get(ctx, serviceID, id)
}

func (s *Service) List(ctx context.Context, serviceID uuid.UUID, f ListFilter) ([]domain.Action, error) {
	if f.Trigger != "" {
		if _, err := domain.ParseTrigger(string(f.Trigger)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}
	return s.store.List(ctx, serviceID, f)
}

// Update applies a partial update. The trigger and owning service are
// immutable.
func (s *Service) Update(ctx context.Context, serviceID, id uuid.UUID, in UpdateInput) (*domain.Action, error) {
	a, err := s.store.Get(ctx, serviceID, id)
	if err != nil {
		return nil, err
	}

	if in.Name != nil && *in.Name != a.Name {
		if err := validateName(*in.Name); err != nil {
			return nil, err
		}
		if existing, err := s.store.GetByName(ctx, serviceID, *in.Name); err == nil && existing != nil {
			return nil, fmt.Errorf("%w: %q", ErrConflict, *in.Name)
		} else if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		a.Name = *in.Name
	}
	if in.Description != nil {
		if len(*in.Description) > domain.MaxDescLen {
			return nil, fmt.Errorf("%w: description exceeds %d characters", ErrValidation, domain.MaxDescLen)
		}
		a.Description = *in.Description
	}
	if in.Script != nil {
		if err := validateScript(*in.Script); err != nil {
			return nil, err
		}
		a.Script = *in.Script
	}
	if in.Enabled != nil {
		a.Enabled = *in.Enabled
	}
	if in.StrictMode != nil {
		a.StrictMode = *in.StrictMode
	}
	if in.ExecutionOrder != nil {
		a.ExecutionOrder = *in.ExecutionOrder
	}
	if in.TimeoutMS != nil {
		if err := validateTimeout(*in.TimeoutMS); err != nil {
			return nil, err
		}
		a.TimeoutMS = *in.TimeoutMS
	}
	a.UpdatedAt = time.Now().UTC()

	if err := s.store.Update(ctx, a); err != nil {
		return nil, fmt.Errorf("updating action: %w", err)
	}
	return a, nil
}

// Delete removes the action definition. Its execution log is retained.
func (s *Service) Delete(ctx context.Context, serviceID, id uuid.UUID) error {
	if err := s.store.Delete(ctx, serviceID, id); err != nil {
		return err
	}
	s.logger.Info("action deleted", "action_id", id, "service_id", serviceID)
	return nil
}

// SetEnabled toggles an action without touching the rest of the definition.
func (s *Service) SetEnabled(ctx context.Context, serviceID, id uuid.UUID, enabled bool) (*domain.Action, error) {
	return s.Update(ctx, serviceID, id, UpdateInput{Enabled: &enabled})
}

// BatchUpsert creates or updates actions by name. Each item succeeds or
// fails on its own.
func (s *Service) BatchUpsert(ctx context.Context, serviceID uuid.UUID, items []UpsertInput) (*BatchResult, error) {
	res := &BatchResult{}
	for i, in := range items {
		a, created, err := s.upsertOne(ctx, serviceID, in)
		if err != nil {
			res.Errors = append(res.Errors, BatchError{InputIndex: i, Name: in.Name, Error: err.Error()})
			continue
		}
		if created {
			res.Created = append(res.Created, *a)
		} else {
			res.Updated = append(res.Updated, *a)
		}
	}
	return res, nil
}

func (s *Service) upsertOne(ctx context.Context, serviceID uuid.UUID, in UpsertInput) (*domain.Action, bool, error) {
	existing, err := s.store.GetByName(ctx, serviceID, in.Name)
	switch {
	case err == nil && existing != nil:
		trigger, verr := validateDefinition(in.Name, in.Description, in.TriggerID, in.Script, in.TimeoutMS)
		if verr != nil {
			return nil, false, verr
		}
		if trigger != existing.TriggerID {
			return nil, false, fmt.Errorf("%w: trigger is immutable (have %s)", ErrValidation, existing.TriggerID)
		}
		existing.Description = in.Description
		existing.Script = in.Script
		existing.Enabled = in.Enabled == nil || *in.Enabled
		existing.StrictMode = in.StrictMode
		existing.ExecutionOrder = in.ExecutionOrder
		existing.TimeoutMS = defaultTimeout(in.TimeoutMS)
		existing.UpdatedAt = time.Now().UTC()
		if err := s.store.Update(ctx, existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	case errors.Is(err, ErrNotFound) || (err == nil && existing == nil):
		a, err := s.Create(ctx, serviceID, CreateInput{
			Name:           in.Name,
			Description:    in.Description,
			TriggerID:      in.TriggerID,
			Script:         in.Script,
			Enabled:        in.Enabled,
			StrictMode:     in.StrictMode,
			ExecutionOrder: in.ExecutionOrder,
			TimeoutMS:      in.TimeoutMS,
		})
		if err != nil {
			return nil, false, err
		}
		return a, true, nil
	default:
		return nil, false, err
	}
}

// Stats returns rolling counters plus aggregates from the execution log.
func (s *Service) Stats(ctx context.Context, serviceID, id uuid.UUID) (*domain.ActionStats, error) {
	if _, err := s.store.Get(ctx, serviceID, id); err != nil {
		return nil, err
	}
	return s.execs.Stats(ctx, serviceID, id)
}

// Logs queries the execution log for the service, newest first.
func (s *Service) Logs(ctx context.Context, serviceID uuid.UUID, f domain.ExecutionFilter) ([]domain.ActionExecution, error) {
	if f.ActionID != nil {
		// Ownership check so one service cannot read another's log rows.
		if _, err := s.store.Get(ctx, serviceID, *f.ActionID); err != nil {
			return nil, err
		}
	}
	return s.execs.List(ctx, serviceID, f)
}

// Test runs one action synchronously against a caller-built context,
// bypassing the trigger loop. Stats and the execution log are updated like
// a real firing.
func (s *Service) Test(ctx context.Context, serviceID, id uuid.UUID, actx *domain.ActionContext) (*domain.ExecutionResult, error) {
	a, err := s.store.Get(ctx, serviceID, id)
	if err != nil {
		return nil, err
	}
	return s.runner.TestAction(ctx, a, actx), nil
}

func validateDefinition(name, description, triggerID, script string, timeoutMS int) (domain.ActionTrigger, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	if len(description) > domain.MaxDescLen {
		return "", fmt.Errorf("%w: description exceeds %d characters", ErrValidation, domain.MaxDescLen)
	}
	trigger, err := domain.ParseTrigger(triggerID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := validateScript(script); err != nil {
		return "", err
	}
	if timeoutMS != 0 {
		if err := validateTimeout(timeoutMS); err != nil {
			return "", err
		}
	}
	return trigger, nil
}

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if len(name) > domain.MaxNameLen {
		return fmt.Errorf("%w: name exceeds %d characters", ErrValidation, domain.MaxNameLen)
	}
	return nil
}

func validateScript(script string) error {
	if script == "" {
		return fmt.Errorf("%w: script is required", ErrValidation)
	}
	if len(script) > domain.MaxScriptBytes {
		return fmt.Errorf("%w: script exceeds %d bytes", ErrValidation, domain.MaxScriptBytes)
	}
	return nil
}

func validateTimeout(ms int) error {
	if ms < domain.MinTimeoutMS || ms > domain.MaxTimeoutMS {
		return fmt.Errorf("%w: timeout_ms must be between %d and %d", ErrValidation, domain.MinTimeoutMS, domain.MaxTimeoutMS)
	}
	return nil
}

func defaultTimeout(ms int) int {
	if ms == 0 {
		return domain.DefaultTimeoutMS
	}
	return ms
}
