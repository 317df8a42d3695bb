// Package identity is the boundary between the authentication lifecycle and
// the action engine. It builds the host-bound context an action chain sees,
// fires the matching trigger, and translates a strict-mode abort into an
// authentication denial.
//
// Trust contract: user, tenant, service, and request fields always come from
// the host. Scripts can only contribute claims, and downstream token exchange
// must treat those claims as hints, never as authorization grants.
package identity

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

// ErrAccessDenied is returned when a strict-mode action failure aborts the
// lifecycle event.
var ErrAccessDenied = errors.New("access denied by action policy")

// Runner executes the action chain for one trigger. Implemented by
// engine.Engine.
type Runner interface {
	ExecuteTrigger(ctx context.Context, serviceID uuid.UUID, trigger domain.ActionTrigger, actx *domain.ActionContext) (*domain.ActionContext, error)
}

// Event carries the host-side facts about one lifecycle occurrence.
type Event struct {
	ServiceID uuid.UUID
	User      domain.ActionUser
	Tenant    domain.ActionTenant
	Service   *domain.ActionService
	Request   RequestMeta
	Claims    map[string]any // Seed claims, e.g. from a prior token.
}

// RequestMeta describes the client request that caused the event.
type RequestMeta struct {
	IP        string
	UserAgent string
}

// Hooks fires action chains on lifecycle events.
type Hooks struct {
	runner Runner
	logger *slog.Logger
}

// NewHooks creates lifecycle hooks backed by the given runner.
func NewHooks(runner Runner, logger *slog.Logger) *Hooks {
	return &Hooks{runner: runner, logger: logger}
}

// BuildContext assembles the script-visible context for an event.
func BuildContext(ev Event) *domain.ActionContext {
	claims := ev.Claims
	if claims == nil {
		claims = map[string]any{}
	}
	return &domain.ActionContext{
		User:    ev.User,
		Tenant:  ev.Tenant,
		Service: ev.Service,
		Request: domain.ActionRequest{
			IP:        ev.Request.IP,
			UserAgent: ev.Request.UserAgent,
			Timestamp: time.Now().UTC(),
		},
		Claims: claims,
	}
}

// Fire runs the action chain for one trigger and returns the resulting
// context. Host-authoritative fields are re-pinned from the event afterwards,
// so scripts can only have changed claims. A strict-mode abort surfaces as
// ErrAccessDenied; the underlying action failure stays in the error chain.
func (h *Hooks) Fire(ctx context.Context, trigger domain.ActionTrigger, ev Event) (*domain.ActionContext, error) {
	actx := BuildContext(ev)

	out, err := h.runner.ExecuteTrigger(ctx, ev.ServiceID, trigger, actx)
	if err != nil {
		if errors.Is(err, engine.ErrAborted) {
			h.logger.WarnContext(ctx, "lifecycle event denied by action",
				slog.String("trigger", string(trigger)),
				slog.String("service_id", ev.ServiceID.String()),
				slog.String("user_id", ev.User.ID),
				slog.String("reason", err.Error()),
			)
			return nil, fmt.Errorf("%w: %s", ErrAccessDenied, err)
		}
		return nil, fmt.Errorf("firing %s actions: %w", trigger, err)
	}

	// Scripts only contribute claims.
	out.User = ev.User
	out.Tenant = ev.Tenant
	out.Service = ev.Service
	return out, nil
}

// PostLogin fires the post-login chain and returns the final claims to merge
// into the issued token.
func (h *Hooks) PostLogin(ctx context.Context, ev Event) (map[string]any, error) {
	out, err := h.Fire(ctx, domain.TriggerPostLogin, ev)
	if err != nil {
		return nil, err
	}
	return out.Claims, nil
}

// PreTokenRefresh fires the pre-token-refresh chain and returns the claims
// for the refreshed token.
func (h *Hooks) PreTokenRefresh(ctx context.Context, ev Event) (map[string]any, error) {
	out, err := h.Fire(ctx, domain.TriggerPreTokenRefresh, ev)
	if err != nil {
		return nil, err
	}
	return out.Claims, nil
}

// PreUserRegistration fires the pre-user-registration chain. A strict-mode
// failure blocks the registration.
func (h *Hooks) PreUserRegistration(ctx context.Context, ev Event) error {
	_, err := h.Fire(ctx, domain.TriggerPreUserRegistration, ev)
	return err
}

// PostUserRegistration fires the post-user-registration chain. Failures are
// logged but never block: the user already exists.
func (h *Hooks) PostUserRegistration(ctx context.Context, ev Event) {
	if _, err := h.Fire(ctx, domain.TriggerPostUserRegistration, ev); err != nil {
		h.logger.WarnContext(ctx, "post-registration actions failed",
			slog.String("service_id", ev.ServiceID.String()),
			slog.String("user_id", ev.User.ID),
			slog.String("error", err.Error()),
		)
	}
}

// PostChangePassword fires the post-change-password chain. Failures are
// logged but never block.
func (h *Hooks) PostChangePassword(ctx context.Context, ev Event) {
	if _, err := h.Fire(ctx, domain.TriggerPostChangePassword, ev); err != nil {
		h.logger.WarnContext(ctx, "post-change-password actions failed",
			slog.String("service_id", ev.ServiceID.String()),
			slog.String("user_id", ev.User.ID),
			slog.String("error", err.Error()),
		)
	}
}

// PostEmailVerification fires the post-email-verification chain. Failures are
// logged but never block.
func (h *Hooks) PostEmailVerification(ctx context.Context, ev Event) {
	if _, err := h.Fire(ctx, domain.TriggerPostEmailVerification, ev); err != nil {
		h.logger.WarnContext(ctx, "post-email-verification actions failed",
			slog.String("service_id", ev.ServiceID.String()),
			slog.String("user_id", ev.User.ID),
			slog.String("error", err.Error()),
		)
	}
}
