package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/kestrelid/kestrel/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testContext() *domain.ActionContext {
	return &domain.ActionContext{
		User:   domain.ActionUser{ID: "user123", Email: "test@example.com", DisplayName: "Test User"},
		Tenant: domain.ActionTenant{ID: "tenant123", Slug: "acme", Name: "Acme Corp"},
		Request: domain.ActionRequest{
			IP:        "1.2.3.4",
			UserAgent: "Mozilla/5.0",
			Timestamp: time.Now().UTC(),
		},
	}
}

func newTestSandbox(t *testing.T, mutate func(*domain.SandboxConfig)) *Sandbox {
	t.Helper()
	cfg := domain.DefaultSandboxConfig()
	cfg.MaxHeapMB = 0 // heap guard off for unit tests
	if mutate != nil {
		mutate(&cfg)
	}
	return NewSandbox(cfg, testLogger())
}

func run(t *testing.T, s *Sandbox, script string, timeout time.Duration) *domain.ExecutionResult {
	t.Helper()
	return s.ExecuteScript(context.Background(), script, testContext(), timeout)
}

func TestExecuteSimpleScript(t *testing.T) {
	s := newTestSandbox(t, nil)
	res := run(t, s, "context;", 5*time.Second)
	if !res.Success {
		t.Fatalf("expected success, got error %q", res.ErrorMessage)
	}
	if res.ModifiedContext.User.Email != "test@example.com" {
		t.Fatalf("context round-trip lost user email: %+v", res.ModifiedContext.User)
	}
}

func TestExecuteModifiesClaims(t *testing.T) {
	s := newTestSandbox(t, nil)
	res := run(t, s, `
		context.claims.department = "engineering";
		context.claims.tier = "premium";
		context;
	`, 5*time.Second)
	if !res.Success {
		t.Fatalf("expected success, got %q", res.ErrorMessage)
	}
	claims := res.ModifiedContext.Claims
	if claims["department"] != "engineering" || claims["tier"] != "premium" {
		t.Fatalf("claims not applied: %v", claims)
	}
}

func TestExecuteScriptWithoutTrailingContext(t *testing.T) {
	s := newTestSandbox(t, nil)
	res := run(t, s, `context.claims.test = "success"`, 5*time.Second)
	if !res.Success {
		t.Fatalf("expected success, got %q", res.ErrorMessage)
	}
	if res.ModifiedContext.Claims["test"] != "success" {
		t.Fatalf("claims = %v", res.ModifiedContext.Claims)
	}
}

func TestExecuteScriptThrows(t *testing.T) {
	s := newTestSandbox(t, nil)
	res := run(t, s, `throw new Error("Test error");`, 5*time.Second)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrorMessage != "Test error" {
		t.Fatalf("error message = %q", res.ErrorMessage)
	}
}

func TestExecuteTimeoutOnTightLoop(t *testing.T) {
	s := newTestSandbox(t, nil)
	start := time.Now()
	res := run(t, s, `while (true) {}`, 300*time.Millisecond)
	elapsed := time.Since(start)
	if res.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(res.ErrorMessage, "timeout") {
		t.Fatalf("error message should mention timeout, got %q", res.ErrorMessage)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("loop not terminated promptly: %v", elapsed)
	}
	if res.DurationMS < 250 {
		t.Fatalf("duration should reflect elapsed time, got %dms", res.DurationMS)
	}
}

func TestExecuteNoGlobalLeakageBetweenInvocations(t *testing.T) {
	s := newTestSandbox(t, nil)

	res1 := run(t, s, `globalThis.x = 1; context;`, 5*time.Second)
	if !res1.Success {
		t.Fatalf("first script failed: %q", res1.ErrorMessage)
	}

	res2 := run(t, s, `
		context.claims.leaked = (typeof globalThis.x !== 'undefined');
		context;
	`, 5*time.Second)
	if !res2.Success {
		t.Fatalf("second script failed: %q", res2.ErrorMessage)
	}
	if res2.ModifiedContext.Claims["leaked"] != false {
		t.Fatal("globalThis.x leaked into a later invocation")
	}
}

func TestExecuteNoPrototypeLeakage(t *testing.T) {
	s := newTestSandbox(t, nil)

	_ = run(t, s, `Object.prototype.hacked = true; context;`, 5*time.Second)
	res := run(t, s, `
		context.claims.hacked = Object.prototype.hasOwnProperty("hacked");
		context;
	`, 5*time.Second)
	if !res.Success {
		t.Fatalf("second script failed: %q", res.ErrorMessage)
	}
	if res.ModifiedContext.Claims["hacked"] != false {
		t.Fatal("prototype pollution crossed invocations")
	}
}

func TestExecuteForbiddenSymbolsUndefined(t *testing.T) {
	s := newTestSandbox(t, nil)
	for _, symbol := range []string{"require", "process", "Deno", "fs", "XMLHttpRequest", "__hostFetch", "__hostSleep", "__hostLog"} {
		res := run(t, s, symbol+"();", 5*time.Second)
		if res.Success {
			t.Errorf("%s should not resolve inside the sandbox", symbol)
			continue
		}
		if !strings.Contains(res.ErrorMessage, "not defined") {
			t.Errorf("%s: expected a not-defined error, got %q", symbol, res.ErrorMessage)
		}
	}
}

func TestExecuteCapabilitiesPresent(t *testing.T) {
	s := newTestSandbox(t, nil)
	res := run(t, s, `
		context.claims.fetch_available = (typeof fetch === 'function');
		context.claims.console_available = (typeof console === 'object');
		context.claims.setTimeout_available = (typeof setTimeout === 'function');
		context;
	`, 5*time.Second)
	if !res.Success {
		t.Fatalf("script failed: %q", res.ErrorMessage)
	}
	for _, key := range []string{"fetch_available", "console_available", "setTimeout_available"} {
		if res.ModifiedContext.Claims[key] != true {
			t.Errorf("%s = %v", key, res.ModifiedContext.Claims[key])
		}
	}
}

func TestExecuteConsoleCaptured(t *testing.T) {
	s := newTestSandbox(t, nil)
	res := run(t, s, `
		console.log("hello", 42);
		console.warn({k: "v"});
		context;
	`, 5*time.Second)
	if !res.Success {
		t.Fatalf("script failed: %q", res.ErrorMessage)
	}
	if len(res.ConsoleLogs) != 2 {
		t.Fatalf("console logs = %v", res.ConsoleLogs)
	}
	if res.ConsoleLogs[0] != "hello 42" {
		t.Fatalf("first line = %q", res.ConsoleLogs[0])
	}
	if res.ConsoleLogs[1] != `{"k":"v"}` {
		t.Fatalf("second line = %q", res.ConsoleLogs[1])
	}
}

func TestExecuteAsyncAwaitWithTimer(t *testing.T) {
	s := newTestSandbox(t, nil)
	res := run(t, s, `
		await new Promise(function(resolve) { setTimeout(resolve, 10); });
		context.claims.waited = true;
		context;
	`, 5*time.Second)
	if !res.Success {
		t.Fatalf("async script failed: %q", res.ErrorMessage)
	}
	if res.ModifiedContext.Claims["waited"] != true {
		t.Fatalf("claims = %v", res.ModifiedContext.Claims)
	}
}

func TestExecuteFetchBlockedPrivateAddress(t *testing.T) {
	s := newTestSandbox(t, func(cfg *domain.SandboxConfig) {
		cfg.AllowedDomains = []string{"127.0.0.1"}
	})
	res := run(t, s, `
		try {
			await fetch("http://127.0.0.1/x");
			context.claims.blocked = false;
		} catch (e) {
			context.claims.blocked = true;
			context.claims.reason = String(e.message || e);
		}
		return context;
	`, 5*time.Second)
	if !res.Success {
		t.Fatalf("script should recover via try/catch: %q", res.ErrorMessage)
	}
	if res.ModifiedContext.Claims["blocked"] != true {
		t.Fatal("private address fetch was not blocked")
	}
	reason, _ := res.ModifiedContext.Claims["reason"].(string)
	if !strings.Contains(reason, "private") {
		t.Fatalf("rejection should mention private address, got %q", reason)
	}
}

func TestExecuteFetchUncaughtRejectionFails(t *testing.T) {
	s := newTestSandbox(t, nil)
	res := run(t, s, `await fetch("https://example.com/x"); context;`, 5*time.Second)
	if res.Success {
		t.Fatal("expected failure from blocked fetch")
	}
	if !strings.Contains(res.ErrorMessage, "allowlist") {
		t.Fatalf("error should mention allowlist, got %q", res.ErrorMessage)
	}
}

func TestExecuteFetchRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"method":%q,"echo":%q}`, r.Method, r.Header.Get("X-Probe"))
	}))
	defer srv.Close()
	host := hostPortOf(t, srv.URL)

	s := newTestSandbox(t, func(cfg *domain.SandboxConfig) {
		cfg.AllowedDomains = []string{host}
		cfg.AllowPrivateIPs = true
	})
	res := run(t, s, `
		const resp = await fetch("`+srv.URL+`/v1", {method: "POST", headers: {"X-Probe": "yes"}, body: "ping"});
		const data = await resp.json();
		context.claims.status = resp.status;
		context.claims.ok = resp.ok;
		context.claims.method = data.method;
		context.claims.echo = data.echo;
		return context;
	`, 10*time.Second)
	if !res.Success {
		t.Fatalf("fetch script failed: %q", res.ErrorMessage)
	}
	claims := res.ModifiedContext.Claims
	if claims["status"] != float64(200) || claims["ok"] != true {
		t.Fatalf("status claims = %v", claims)
	}
	if claims["method"] != "POST" || claims["echo"] != "yes" {
		t.Fatalf("request not forwarded: %v", claims)
	}
}

func TestExecuteFetchRequestLimit(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()
	host := hostPortOf(t, srv.URL)

	s := newTestSandbox(t, func(cfg *domain.SandboxConfig) {
		cfg.AllowedDomains = []string{host}
		cfg.AllowPrivateIPs = true
		cfg.MaxRequestsPerExecution = 5
	})
	res := run(t, s, `
		let done = 0;
		let limitError = "";
		for (let i = 0; i < 6; i++) {
			try {
				await fetch("`+srv.URL+`/");
				done++;
			} catch (e) {
				limitError = String(e.message || e);
			}
		}
		context.claims.done = done;
		context.claims.limitError = limitError;
		return context;
	`, 10*time.Second)
	if !res.Success {
		t.Fatalf("script failed: %q", res.ErrorMessage)
	}
	if res.ModifiedContext.Claims["done"] != float64(5) {
		t.Fatalf("expected 5 completed fetches, got %v", res.ModifiedContext.Claims["done"])
	}
	if hits != 5 {
		t.Fatalf("server saw %d requests, want 5", hits)
	}
	limitError, _ := res.ModifiedContext.Claims["limitError"].(string)
	if !strings.Contains(limitError, "limit exceeded") {
		t.Fatalf("6th call should hit the request limit, got %q", limitError)
	}
}

func TestExecuteFetchResponseTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("a", 4096))
	}))
	defer srv.Close()
	host := hostPortOf(t, srv.URL)

	s := newTestSandbox(t, func(cfg *domain.SandboxConfig) {
		cfg.AllowedDomains = []string{host}
		cfg.AllowPrivateIPs = true
		cfg.MaxResponseBytes = 100
	})
	res := run(t, s, `
		const resp = await fetch("`+srv.URL+`/");
		const body = await resp.text();
		context.claims.len = body.length;
		return context;
	`, 10*time.Second)
	if !res.Success {
		t.Fatalf("script failed: %q", res.ErrorMessage)
	}
	if res.ModifiedContext.Claims["len"] != float64(100) {
		t.Fatalf("body should be truncated to 100 bytes, got %v", res.ModifiedContext.Claims["len"])
	}
}

func TestExecuteIdempotentAcrossRuns(t *testing.T) {
	s := newTestSandbox(t, nil)
	script := `context.claims.counter = (context.claims.counter || 0) + 1; context;`
	res1 := run(t, s, script, 5*time.Second)
	res2 := run(t, s, script, 5*time.Second)
	if !res1.Success || !res2.Success {
		t.Fatalf("scripts failed: %q / %q", res1.ErrorMessage, res2.ErrorMessage)
	}
	if res1.ModifiedContext.Claims["counter"] != res2.ModifiedContext.Claims["counter"] {
		t.Fatal("identical input must yield identical output across runs")
	}
}

func TestPrepareScript(t *testing.T) {
	cases := []struct {
		name   string
		in     string
		expect string
	}{
		{"sync with trailing context", "context.claims.a = 1;\ncontext;", "context.claims.a = 1;\ncontext;"},
		{"sync without trailing context", "context.claims.a = 1;", "context.claims.a = 1;\ncontext;"},
		{"async wrapped", `await fetch("https://x.test/")`, "(async () => {\nawait fetch(\"https://x.test/\")\nreturn context;\n})()"},
	}
	for _, tc := range cases {
		if got := PrepareScript(tc.in); got != tc.expect {
			t.Errorf("%s: got %q", tc.name, got)
		}
	}
}

func hostPortOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Host
}
