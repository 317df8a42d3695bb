package security

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func testAuthorizer(cfg AuthorizerConfig) *Authorizer {
	return NewAuthorizer(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAuthorizeDefaultDeny(t *testing.T) {
	a := testAuthorizer(AuthorizerConfig{})
	serviceID := uuid.New()
	ctx := context.Background()

	// No role at all.
	p := Principal{KeyID: "k1", ServiceID: serviceID}
	if err := a.Authorize(ctx, p, serviceID, RightActionsRead); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("no role: expected ErrPermissionDenied, got %v", err)
	}

	// Unknown role name.
	p.Role = "ghost"
	if err := a.Authorize(ctx, p, serviceID, RightActionsRead); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("unknown role: expected ErrPermissionDenied, got %v", err)
	}
}

func TestAuthorizeBuiltinRoles(t *testing.T) {
	a := testAuthorizer(AuthorizerConfig{})
	serviceID := uuid.New()
	ctx := context.Background()

	admin := Principal{KeyID: "admin-key", ServiceID: serviceID, Role: RoleAdmin}
	for _, r := range []Right{RightActionsRead, RightActionsManage, RightActionsTest, RightLogsRead} {
		if err := a.Authorize(ctx, admin, serviceID, r); err != nil {
			t.Errorf("admin %s: %v", r, err)
		}
	}

	viewer := Principal{KeyID: "viewer-key", ServiceID: serviceID, Role: RoleViewer}
	if err := a.Authorize(ctx, viewer, serviceID, RightActionsRead); err != nil {
		t.Errorf("viewer read: %v", err)
	}
	if err := a.Authorize(ctx, viewer, serviceID, RightActionsManage); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("viewer manage: expected ErrPermissionDenied, got %v", err)
	}
	if err := a.Authorize(ctx, viewer, serviceID, RightActionsTest); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("viewer test: expected ErrPermissionDenied, got %v", err)
	}
}

func TestAuthorizeServiceScope(t *testing.T) {
	a := testAuthorizer(AuthorizerConfig{})
	ctx := context.Background()

	p := Principal{KeyID: "k1", ServiceID: uuid.New(), Role: RoleAdmin}
	other := uuid.New()
	if err := a.Authorize(ctx, p, other, RightActionsRead); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("cross-service: expected ErrPermissionDenied, got %v", err)
	}
}

func TestAuthorizeDefaultRoleFallback(t *testing.T) {
	a := testAuthorizer(AuthorizerConfig{DefaultRole: RoleViewer})
	serviceID := uuid.New()
	ctx := context.Background()

	p := Principal{KeyID: "k1", ServiceID: serviceID}
	if err := a.Authorize(ctx, p, serviceID, RightLogsRead); err != nil {
		t.Fatalf("default role read: %v", err)
	}
	if err := a.Authorize(ctx, p, serviceID, RightActionsManage); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("default role manage: expected ErrPermissionDenied, got %v", err)
	}
}

func TestKeychainLookup(t *testing.T) {
	serviceA := uuid.New()
	serviceB := uuid.New()
	kc := NewKeychain([]KeyConfig{
		{Key: "secret-a", Name: "svc-a-admin", ServiceID: serviceA, Role: RoleAdmin},
		{Key: "secret-b", ServiceID: serviceB, Role: RoleViewer},
		{Key: "", Name: "empty-ignored"},
	})

	if kc.Len() != 2 {
		t.Fatalf("len = %d", kc.Len())
	}

	p, ok := kc.Lookup("secret-a")
	if !ok || p.ServiceID != serviceA || p.Role != RoleAdmin || p.Name != "svc-a-admin" {
		t.Fatalf("lookup a: %v %+v", ok, p)
	}

	p, ok = kc.Lookup("secret-b")
	if !ok || p.ServiceID != serviceB || p.Name == "" {
		t.Fatalf("lookup b: %v %+v", ok, p)
	}

	if _, ok := kc.Lookup("secret-c"); ok {
		t.Fatal("unknown key matched")
	}
	if _, ok := kc.Lookup(""); ok {
		t.Fatal("empty key matched")
	}
}
