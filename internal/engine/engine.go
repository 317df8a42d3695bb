// Package engine executes untrusted action scripts in capability-restricted
// sandboxes and orchestrates ordered multi-action firings per trigger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/google/uuid"

	"github.com/kestrelid/kestrel/internal/domain"
)

// ErrAborted is returned when a strict-mode action fails. It is the only
// engine error that may alter the caller's business flow (e.g. deny a
// login); the caller must discard any partially accumulated claims.
var ErrAborted = errors.New("action chain aborted")

// ActionStore is the persistence surface the engine needs.
type ActionStore interface {
	ListEnabledByTrigger(ctx context.Context, serviceID uuid.UUID, trigger domain.ActionTrigger) ([]domain.Action, error)
	RecordExecution(ctx context.Context, exec *domain.ActionExecution) error
	UpdateExecutionStats(ctx context.Context, actionID uuid.UUID, success bool, lastError string) error
}

// MetricsObserver receives one observation per invocation.
type MetricsObserver interface {
	ObserveActionExecution(trigger string, success bool, d time.Duration)
}

const progCacheMax = 128

type cachedProgram struct {
	hash uint64
	prog *goja.Program
}

// Engine is the execution scheduler: it loads enabled actions for a
// (service, trigger) pair, runs them in order through the sandbox, threads
// the context through the chain, and applies the strict/non-strict failure
// policy. Safe for concurrent use; concurrent firings share nothing but the
// store and the compiled-program cache.
type Engine struct {
	store   ActionStore
	sandbox *Sandbox
	logger  *slog.Logger
	metrics MetricsObserver

	mu    sync.Mutex
	progs map[uuid.UUID]cachedProgram
}

func New(store ActionStore, cfg domain.SandboxConfig, logger *slog.Logger, metrics MetricsObserver) *Engine {
	logger.Info("action engine initialized",
		"allowed_domains", cfg.AllowedDomains,
		"max_requests_per_execution", cfg.MaxRequestsPerExecution)
	return &Engine{
		store:   store,
		sandbox: NewSandbox(cfg, logger),
		logger:  logger.With("component", "engine"),
		metrics: metrics,
		progs:   make(map[uuid.UUID]cachedProgram),
	}
}

// ExecuteTrigger runs every enabled action bound to (serviceID, trigger) in
// execution order. Claims written by one action are visible to the next.
// A non-strict failure is recorded and the pre-failure context carries
// forward; a strict failure stops the chain and returns ErrAborted.
func (e *Engine) ExecuteTrigger(ctx context.Context, serviceID uuid.UUID, trigger domain.ActionTrigger, actx *domain.ActionContext) (*domain.ActionContext, error) {
	actions, err := e.store.ListEnabledByTrigger(ctx, serviceID, trigger)
	if err != nil {
		return nil, fmt.Errorf("load actions for trigger %s: %w", trigger, err)
	}

	current := actx.Clone()
	if current == nil {
		current = &domain.ActionContext{}
	}
	if len(actions) == 0 {
		return current, nil
	}

	e.logger.Info("firing trigger",
		"trigger", trigger, "service_id", serviceID, "actions", len(actions))

	for i := range actions {
		action := &actions[i]
		res := e.runAction(ctx, action, current)
		e.record(ctx, action, current, res)

		if res.Success {
			e.logger.Info("action executed",
				"action", action.Name, "trigger", trigger, "duration_ms", res.DurationMS)
			current = res.ModifiedContext
			continue
		}

		e.logger.Error("action failed",
			"action", action.Name, "trigger", trigger,
			"duration_ms", res.DurationMS, "error", res.ErrorMessage,
			"strict_mode", action.StrictMode)

		if action.StrictMode {
			return nil, fmt.Errorf("%w: action %q: %s", ErrAborted, action.Name, res.ErrorMessage)
		}
		// Non-strict: the context from before this action carries forward.
	}
	return current, nil
}

// TestAction runs a single action once against a hand-built context,
// bypassing the multi-action loop. Stats and the execution log are updated
// exactly as a real firing would.
func (e *Engine) TestAction(ctx context.Context, action *domain.Action, actx *domain.ActionContext) *domain.ExecutionResult {
	current := actx.Clone()
	if current == nil {
		current = &domain.ActionContext{}
	}
	res := e.runAction(ctx, action, current)
	e.record(ctx, action, current, res)
	return res
}

func (e *Engine) runAction(ctx context.Context, action *domain.Action, actx *domain.ActionContext) *domain.ExecutionResult {
	prog, err := e.program(action)
	if err != nil {
		return &domain.ExecutionResult{Success: false, ErrorMessage: err.Error()}
	}

	timeoutMS := action.TimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = domain.DefaultTimeoutMS
	}
	if timeoutMS > domain.MaxTimeoutMS {
		timeoutMS = domain.MaxTimeoutMS
	}
	return e.sandbox.Execute(ctx, prog, actx, time.Duration(timeoutMS)*time.Millisecond)
}

// record appends the execution row and folds the outcome into the action's
// rolling stats. Neither write may fail the firing itself.
func (e *Engine) record(ctx context.Context, action *domain.Action, actx *domain.ActionContext, res *domain.ExecutionResult) {
	var userID *uuid.UUID
	if id, err := uuid.Parse(actx.User.ID); err == nil {
		userID = &id
	}

	exec := &domain.ActionExecution{
		ID:           domain.NewID(),
		ActionID:     action.ID,
		ServiceID:    action.ServiceID,
		TriggerID:    action.TriggerID,
		UserID:       userID,
		Success:      res.Success,
		DurationMS:   res.DurationMS,
		ErrorMessage: res.ErrorMessage,
		ExecutedAt:   time.Now().UTC(),
	}
	if err := e.store.RecordExecution(ctx, exec); err != nil {
		e.logger.Warn("failed to record action execution", "action", action.Name, "error", err)
	}
	if err := e.store.UpdateExecutionStats(ctx, action.ID, res.Success, res.ErrorMessage); err != nil {
		e.logger.Warn("failed to update action stats", "action", action.Name, "error", err)
	}
	if e.metrics != nil {
		e.metrics.ObserveActionExecution(action.TriggerID.String(), res.Success,
			time.Duration(res.DurationMS)*time.Millisecond)
	}
}

// program returns the compiled program for an action, recompiling when the
// script text changed since it was cached.
func (e *Engine) program(action *domain.Action) (*goja.Program, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(action.Script))
	hash := h.Sum64()

	e.mu.Lock()
	cached, ok := e.progs[action.ID]
	e.mu.Unlock()
	if ok && cached.hash == hash {
		return cached.prog, nil
	}

	prog, err := Compile(action.Name, PrepareScript(action.Script))
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if len(e.progs) >= progCacheMax {
		e.progs = make(map[uuid.UUID]cachedProgram)
	}
	e.progs[action.ID] = cachedProgram{hash: hash, prog: prog}
	e.mu.Unlock()
	return prog, nil
}
