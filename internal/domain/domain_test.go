package domain

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseTrigger(t *testing.T) {
	for _, tr := range AllTriggers() {
		got, err := ParseTrigger(string(tr))
		if err != nil {
			t.Fatalf("ParseTrigger(%q): %v", tr, err)
		}
		if got != tr {
			t.Fatalf("ParseTrigger(%q) = %q", tr, got)
		}
	}
	if _, err := ParseTrigger("on-coffee-break"); err == nil {
		t.Fatal("expected error for unknown trigger")
	}
	if _, err := ParseTrigger(""); err == nil {
		t.Fatal("expected error for empty trigger")
	}
}

func TestAllTriggersStable(t *testing.T) {
	all := AllTriggers()
	if len(all) != 6 {
		t.Fatalf("expected 6 triggers, got %d", len(all))
	}
	if all[0] != TriggerPostLogin || all[5] != TriggerPreTokenRefresh {
		t.Fatalf("trigger order changed: %v", all)
	}
}

func TestActionContextClone(t *testing.T) {
	ctx := &ActionContext{
		User:   ActionUser{ID: "u1", Email: "u1@example.com"},
		Tenant: ActionTenant{ID: "t1", Slug: "acme", Name: "Acme"},
		Service: &ActionService{
			ID:   "s1",
			Name: "dashboard",
		},
		Request: ActionRequest{IP: "203.0.113.9", Timestamp: time.Now().UTC()},
		Claims: map[string]any{
			"role":   "admin",
			"nested": map[string]any{"depth": []any{"a", "b"}},
		},
	}

	clone := ctx.Clone()
	clone.Claims["role"] = "viewer"
	clone.Claims["nested"].(map[string]any)["depth"].([]any)[0] = "z"
	clone.Service.Name = "other"

	if ctx.Claims["role"] != "admin" {
		t.Fatal("clone shares top-level claims map")
	}
	if ctx.Claims["nested"].(map[string]any)["depth"].([]any)[0] != "a" {
		t.Fatal("clone shares nested claim values")
	}
	if ctx.Service.Name != "dashboard" {
		t.Fatal("clone shares service pointer")
	}
}

func TestActionContextCloneNil(t *testing.T) {
	var ctx *ActionContext
	if ctx.Clone() != nil {
		t.Fatal("nil clone should be nil")
	}
}

func TestActionContextJSONShape(t *testing.T) {
	ctx := ActionContext{
		User:    ActionUser{ID: "u", Email: "e@x"},
		Tenant:  ActionTenant{ID: "t", Slug: "s", Name: "n"},
		Request: ActionRequest{Timestamp: time.Unix(0, 0).UTC()},
	}
	b, err := json.Marshal(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["claims"]; ok {
		t.Fatal("empty claims should be omitted")
	}
	if _, ok := m["service"]; ok {
		t.Fatal("nil service should be omitted")
	}
	for _, key := range []string{"user", "tenant", "request"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("missing %q in serialized context", key)
		}
	}
}

func TestDefaultSandboxConfig(t *testing.T) {
	cfg := DefaultSandboxConfig()
	if len(cfg.AllowedDomains) != 0 {
		t.Fatal("default must deny all domains")
	}
	if cfg.MaxRequestsPerExecution != 5 {
		t.Fatalf("MaxRequestsPerExecution = %d", cfg.MaxRequestsPerExecution)
	}
	if cfg.RequestTimeout != 10*time.Second {
		t.Fatalf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.MaxResponseBytes != 1<<20 {
		t.Fatalf("MaxResponseBytes = %d", cfg.MaxResponseBytes)
	}
	if cfg.MaxTimerDelay != 30*time.Second {
		t.Fatalf("MaxTimerDelay = %v", cfg.MaxTimerDelay)
	}
	if cfg.AllowPrivateIPs {
		t.Fatal("private IPs must be blocked by default")
	}
}
