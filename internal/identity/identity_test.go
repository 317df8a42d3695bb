package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"

	"github.com/kestrelid/kestrel/internal/domain"
	"github.com/kestrelid/kestrel/internal/engine"
)

type fakeRunner struct {
	mutate func(*domain.ActionContext)
	err    error
	fired  []domain.ActionTrigger
}

func (f *fakeRunner) ExecuteTrigger(_ context.Context, _ uuid.UUID, trigger domain.ActionTrigger, actx *domain.ActionContext) (*domain.ActionContext, error) {
	f.fired = append(f.fired, trigger)
	if f.err != nil {
		return nil, f.err
	}
	out := actx.Clone()
	if f.mutate != nil {
		f.mutate(out)
	}
	return out, nil
}

func testEvent() Event {
	return Event{
		ServiceID: domain.NewID(),
		User:      domain.ActionUser{ID: "u1", Email: "u@example.test", DisplayName: "U"},
		Tenant:    domain.ActionTenant{ID: "t1", Slug: "acme", Name: "Acme"},
		Service:   &domain.ActionService{ID: "s1", Name: "portal", ClientID: "portal-web"},
		Request:   RequestMeta{IP: "203.0.113.9", UserAgent: "test-agent"},
	}
}

func newHooks(r Runner) *Hooks {
	return NewHooks(r, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBuildContext(t *testing.T) {
	ev := testEvent()
	actx := BuildContext(ev)

	if actx.User.ID != "u1" || actx.Tenant.Slug != "acme" || actx.Service.ClientID != "portal-web" {
		t.Fatalf("context = %+v", actx)
	}
	if actx.Request.IP != "203.0.113.9" || actx.Request.Timestamp.IsZero() {
		t.Fatalf("request = %+v", actx.Request)
	}
	if actx.Claims == nil {
		t.Fatal("claims should be initialized")
	}
}

func TestPostLoginReturnsClaims(t *testing.T) {
	r := &fakeRunner{mutate: func(a *domain.ActionContext) {
		a.Claims["tier"] = "gold"
	}}
	h := newHooks(r)

	claims, err := h.PostLogin(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("PostLogin: %v", err)
	}
	if claims["tier"] != "gold" {
		t.Fatalf("claims = %v", claims)
	}
	if len(r.fired) != 1 || r.fired[0] != domain.TriggerPostLogin {
		t.Fatalf("fired = %v", r.fired)
	}
}

func TestStrictAbortDeniesAccess(t *testing.T) {
	r := &fakeRunner{err: fmt.Errorf("%w: action %q: %s", engine.ErrAborted, "block-bots", "Test error")}
	h := newHooks(r)

	_, err := h.PostLogin(context.Background(), testEvent())
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	// The action failure stays visible for the audit log.
	if got := err.Error(); got == ErrAccessDenied.Error() {
		t.Fatalf("error lost the cause: %q", got)
	}
}

func TestInfrastructureErrorIsNotDenial(t *testing.T) {
	r := &fakeRunner{err: errors.New("store unavailable")}
	h := newHooks(r)

	_, err := h.PostLogin(context.Background(), testEvent())
	if err == nil || errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected plain error, got %v", err)
	}
}

func TestHostFieldsRePinned(t *testing.T) {
	// A hostile script rewrites identity fields; only claims survive.
	r := &fakeRunner{mutate: func(a *domain.ActionContext) {
		a.User.ID = "admin"
		a.Tenant.Slug = "other-tenant"
		a.Service = nil
		a.Claims["ok"] = true
	}}
	h := newHooks(r)

	ev := testEvent()
	out, err := h.Fire(context.Background(), domain.TriggerPostLogin, ev)
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if out.User.ID != "u1" || out.Tenant.Slug != "acme" || out.Service == nil {
		t.Fatalf("host fields not re-pinned: %+v", out)
	}
	if out.Claims["ok"] != true {
		t.Fatal("claims dropped")
	}
}

func TestNonBlockingTriggers(t *testing.T) {
	r := &fakeRunner{err: fmt.Errorf("%w: action %q: %s", engine.ErrAborted, "x", "boom")}
	h := newHooks(r)
	ctx := context.Background()
	ev := testEvent()

	// These log and move on even when the chain aborts.
	h.PostUserRegistration(ctx, ev)
	h.PostChangePassword(ctx, ev)
	h.PostEmailVerification(ctx, ev)

	if len(r.fired) != 3 {
		t.Fatalf("fired = %v", r.fired)
	}

	// Pre-registration blocks.
	if err := h.PreUserRegistration(ctx, ev); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("pre-registration: expected ErrAccessDenied, got %v", err)
	}
}
