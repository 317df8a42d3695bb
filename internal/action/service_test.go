package action

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelid/kestrel/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	actions map[uuid.UUID]domain.Action
	stats   map[uuid.UUID]int
}

func newMemStore() *memStore {
	return &memStore{actions: make(map[uuid.UUID]domain.Action), stats: make(map[uuid.UUID]int)}
}

func (m *memStore) Create(_ context.Context, a *domain.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.actions[a.ID] = *a
	return nil
}

func (m *memStore) Get(_ context.Context, serviceID, id uuid.UUID) (*domain.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok || a.ServiceID != serviceID {
		return nil, ErrNotFound
	}
	out := a
	return &out, nil
}

func (m *memStore) GetByName(_ context.Context, serviceID uuid.UUID, name string) (*domain.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.actions {
		if a.ServiceID == serviceID && a.Name == name {
			out := a
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) List(_ context.Context, serviceID uuid.UUID, f ListFilter) ([]domain.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Action
	for _, a := range m.actions {
		if a.ServiceID != serviceID {
			continue
		}
		if f.Trigger != "" && a.TriggerID != f.Trigger {
			continue
		}
		if f.Enabled != nil && a.Enabled != *f.Enabled {
			continue
		}
		if f.NameContains != "" && !strings.Contains(a.Name, f.NameContains) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionOrder < out[j].ExecutionOrder })
	return out, nil
}

func (m *memStore) ListEnabledByTrigger(ctx context.Context, serviceID uuid.UUID, trigger domain.ActionTrigger) ([]domain.Action, error) {
	enabled := true
	return m.List(ctx, serviceID, ListFilter{Trigger: trigger, Enabled: &enabled})
}

func (m *memStore) Update(_ context.Context, a *domain.Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[a.ID]; !ok {
		return ErrNotFound
	}
	m.actions[a.ID] = *a
	return nil
}

func (m *memStore) Delete(_ context.Context, serviceID, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok || a.ServiceID != serviceID {
		return ErrNotFound
	}
	delete(m.actions, id)
	return nil
}

func (m *memStore) UpdateExecutionStats(_ context.Context, actionID uuid.UUID, _ bool, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[actionID]++
	return nil
}

type memExecStore struct {
	mu   sync.Mutex
	rows []domain.ActionExecution
}

func (m *memExecStore) Record(_ context.Context, exec *domain.ActionExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *exec)
	return nil
}

func (m *memExecStore) List(_ context.Context, serviceID uuid.UUID, f domain.ExecutionFilter) ([]domain.ActionExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.ActionExecution
	for _, r := range m.rows {
		if r.ServiceID != serviceID {
			continue
		}
		if f.ActionID != nil && r.ActionID != *f.ActionID {
			continue
		}
		if f.Success != nil && r.Success != *f.Success {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (m *memExecStore) Stats(_ context.Context, _, actionID uuid.UUID) (*domain.ActionStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &domain.ActionStats{}
	var total int64
	for _, r := range m.rows {
		if r.ActionID != actionID {
			continue
		}
		stats.ExecutionCount++
		total += r.DurationMS
		if !r.Success {
			stats.ErrorCount++
		}
	}
	if stats.ExecutionCount > 0 {
		stats.AvgDurationMS = float64(total) / float64(stats.ExecutionCount)
	}
	return stats, nil
}

func (m *memExecStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kept []domain.ActionExecution
	var removed int64
	for _, r := range m.rows {
		if r.ExecutedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return removed, nil
}

type fakeRunner struct{ calls int }

func (f *fakeRunner) TestAction(_ context.Context, _ *domain.Action, actx *domain.ActionContext) *domain.ExecutionResult {
	f.calls++
	out := actx.Clone()
	if out.Claims == nil {
		out.Claims = map[string]any{}
	}
	out.Claims["tested"] = true
	return &domain.ExecutionResult{Success: true, DurationMS: 1, ModifiedContext: out}
}

func newTestService() (*Service, *memStore, *memExecStore, *fakeRunner) {
	store := newMemStore()
	execs := &memExecStore{}
	runner := &fakeRunner{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, execs, runner, logger), store, execs, runner
}

func validCreate() CreateInput {
	return CreateInput{
		Name:      "add-claims",
		TriggerID: "post-login",
		Script:    `context.claims.x = 1; context;`,
	}
}

func TestCreateDefaults(t *testing.T) {
	svc, _, _, _ := newTestService()
	serviceID := domain.NewID()

	a, err := svc.Create(context.Background(), serviceID, validCreate())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !a.Enabled {
		t.Fatal("enabled should default to true")
	}
	if a.StrictMode {
		t.Fatal("strict_mode should default to false")
	}
	if a.TimeoutMS != domain.DefaultTimeoutMS {
		t.Fatalf("timeout_ms = %d", a.TimeoutMS)
	}
	if a.ServiceID != serviceID {
		t.Fatal("service scoping lost")
	}
}

func TestCreateRoundTrip(t *testing.T) {
	svc, _, _, _ := newTestService()
	serviceID := domain.NewID()
	in := validCreate()
	in.ExecutionOrder = 7

	created, err := svc.Create(context.Background(), serviceID, in)
	if err != nil {
		t.Fatal(err)
	}
	got, err := svc.Get(context.Background(), serviceID, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Script != in.Script || got.TriggerID != "post-login" || got.ExecutionOrder != 7 || !got.Enabled {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestCreateValidation(t *testing.T) {
	svc, _, _, _ := newTestService()
	serviceID := domain.NewID()
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateInput)
	}{
		{"empty name", func(in *CreateInput) { in.Name = "" }},
		{"long name", func(in *CreateInput) { in.Name = strings.Repeat("a", 256) }},
		{"unknown trigger", func(in *CreateInput) { in.TriggerID = "on-coffee" }},
		{"empty script", func(in *CreateInput) { in.Script = "" }},
		{"oversized script", func(in *CreateInput) { in.Script = strings.Repeat("x", domain.MaxScriptBytes+1) }},
		{"timeout too small", func(in *CreateInput) { in.TimeoutMS = -5 }},
		{"timeout too large", func(in *CreateInput) { in.TimeoutMS = domain.MaxTimeoutMS + 1 }},
		{"long description", func(in *CreateInput) { in.Description = strings.Repeat("d", domain.MaxDescLen+1) }},
	}
	for _, tc := range cases {
		in := validCreate()
		tc.mutate(&in)
		if _, err := svc.Create(ctx, serviceID, in); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected ErrValidation, got %v", tc.name, err)
		}
	}
}

func TestCreateDuplicateName(t *testing.T) {
	svc, _, _, _ := newTestService()
	serviceID := domain.NewID()
	ctx := context.Background()

	if _, err := svc.Create(ctx, serviceID, validCreate()); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Create(ctx, serviceID, validCreate()); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// Same name in another service is fine.
	if _, err := svc.Create(ctx, domain.NewID(), validCreate()); err != nil {
		t.Fatalf("same name in other service: %v", err)
	}
}

func TestUpdatePartial(t *testing.T) {
	svc, _, _, _ := newTestService()
	serviceID := domain.NewID()
	ctx := context.Background()

	a, err := svc.Create(ctx, serviceID, validCreate())
	if err != nil {
		t.Fatal(err)
	}

	script := `context.claims.y = 2; context;`
	strict := true
	updated, err := svc.Update(ctx, serviceID, a.ID, UpdateInput{Script: &script, StrictMode: &strict})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Script != script || !updated.StrictMode {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.Name != a.Name || updated.TriggerID != a.TriggerID {
		t.Fatal("untouched fields changed")
	}

	tooBig := domain.MaxTimeoutMS + 1
	if _, err := svc.Update(ctx, serviceID, a.ID, UpdateInput{TimeoutMS: &tooBig}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}

func TestCrossServiceAccessIsNotFound(t *testing.T) {
	svc, _, _, _ := newTestService()
	owner := domain.NewID()
	intruder := domain.NewID()
	ctx := context.Background()

	a, err := svc.Create(ctx, owner, validCreate())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := svc.Get(ctx, intruder, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-service get: expected ErrNotFound, got %v", err)
	}
	enabled := false
	if _, err := svc.Update(ctx, intruder, a.ID, UpdateInput{Enabled: &enabled}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-service update: expected ErrNotFound, got %v", err)
	}
	if err := svc.Delete(ctx, intruder, a.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-service delete: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Test(ctx, intruder, a.ID, &domain.ActionContext{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-service test: expected ErrNotFound, got %v", err)
	}
}

func TestSetEnabledToggle(t *testing.T) {
	svc, _, _, _ := newTestService()
	serviceID := domain.NewID()
	ctx := context.Background()

	a, err := svc.Create(ctx, serviceID, validCreate())
	if err != nil {
		t.Fatal(err)
	}
	off, err := svc.SetEnabled(ctx, serviceID, a.ID, false)
	if err != nil || off.Enabled {
		t.Fatalf("disable failed: %v %+v", err, off)
	}
	on, err := svc.SetEnabled(ctx, serviceID, a.ID, true)
	if err != nil || !on.Enabled {
		t.Fatalf("enable failed: %v %+v", err, on)
	}
}

func TestBatchUpsert(t *testing.T) {
	svc, _, _, _ := newTestService()
	serviceID := domain.NewID()
	ctx := context.Background()

	if _, err := svc.Create(ctx, serviceID, validCreate()); err != nil {
		t.Fatal(err)
	}

	res, err := svc.BatchUpsert(ctx, serviceID, []UpsertInput{
		{Name: "add-claims", TriggerID: "post-login", Script: "context.claims.v = 2; context;"},
		{Name: "fresh", TriggerID: "pre-token-refresh", Script: "context;"},
		{Name: "broken", TriggerID: "no-such-trigger", Script: "context;"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Updated) != 1 || res.Updated[0].Name != "add-claims" {
		t.Fatalf("updated = %+v", res.Updated)
	}
	if len(res.Created) != 1 || res.Created[0].Name != "fresh" {
		t.Fatalf("created = %+v", res.Created)
	}
	if len(res.Errors) != 1 || res.Errors[0].InputIndex != 2 || res.Errors[0].Name != "broken" {
		t.Fatalf("errors = %+v", res.Errors)
	}

	// One bad item never blocks unrelated items.
	got, err := svc.Get(ctx, serviceID, res.Created[0].ID)
	if err != nil || got.TriggerID != domain.TriggerPreTokenRefresh {
		t.Fatalf("fresh item not stored: %v %+v", err, got)
	}
}

func TestBatchUpsertTriggerImmutable(t *testing.T) {
	svc, _, _, _ := newTestService()
	serviceID := domain.NewID()
	ctx := context.Background()

	if _, err := svc.Create(ctx, serviceID, validCreate()); err != nil {
		t.Fatal(err)
	}
	res, err := svc.BatchUpsert(ctx, serviceID, []UpsertInput{
		{Name: "add-claims", TriggerID: "pre-token-refresh", Script: "context;"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0].Error, "immutable") {
		t.Fatalf("expected immutable-trigger error, got %+v", res.Errors)
	}
}

func TestTestEndpointDelegatesToRunner(t *testing.T) {
	svc, _, _, runner := newTestService()
	serviceID := domain.NewID()
	ctx := context.Background()

	a, err := svc.Create(ctx, serviceID, validCreate())
	if err != nil {
		t.Fatal(err)
	}
	res, err := svc.Test(ctx, serviceID, a.ID, &domain.ActionContext{
		User: domain.ActionUser{ID: "u1", Email: "u@x"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.ModifiedContext.Claims["tested"] != true {
		t.Fatalf("result = %+v", res)
	}
	if runner.calls != 1 {
		t.Fatalf("runner calls = %d", runner.calls)
	}
}

func TestLogsOwnershipCheck(t *testing.T) {
	svc, _, execs, _ := newTestService()
	owner := domain.NewID()
	intruder := domain.NewID()
	ctx := context.Background()

	a, err := svc.Create(ctx, owner, validCreate())
	if err != nil {
		t.Fatal(err)
	}
	_ = execs.Record(ctx, &domain.ActionExecution{
		ID: domain.NewID(), ActionID: a.ID, ServiceID: owner,
		TriggerID: a.TriggerID, Success: true, ExecutedAt: time.Now().UTC(),
	})

	rows, err := svc.Logs(ctx, owner, domain.ExecutionFilter{ActionID: &a.ID})
	if err != nil || len(rows) != 1 {
		t.Fatalf("owner logs: %v rows=%d", err, len(rows))
	}
	if _, err := svc.Logs(ctx, intruder, domain.ExecutionFilter{ActionID: &a.ID}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("intruder logs: expected ErrNotFound, got %v", err)
	}
}

func TestEngineStoreAdapter(t *testing.T) {
	store := newMemStore()
	execs := &memExecStore{}
	es := NewEngineStore(store, execs)
	serviceID := domain.NewID()

	a := domain.Action{
		ID: domain.NewID(), ServiceID: serviceID, Name: "a",
		TriggerID: domain.TriggerPostLogin, Script: "context;", Enabled: true,
	}
	if err := store.Create(context.Background(), &a); err != nil {
		t.Fatal(err)
	}

	got, err := es.ListEnabledByTrigger(context.Background(), serviceID, domain.TriggerPostLogin)
	if err != nil || len(got) != 1 {
		t.Fatalf("list: %v n=%d", err, len(got))
	}
	if err := es.RecordExecution(context.Background(), &domain.ActionExecution{
		ID: domain.NewID(), ActionID: a.ID, ServiceID: serviceID,
		TriggerID: a.TriggerID, ExecutedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatal(err)
	}
	if err := es.UpdateExecutionStats(context.Background(), a.ID, true, ""); err != nil {
		t.Fatal(err)
	}
	if store.stats[a.ID] != 1 {
		t.Fatal("stats not forwarded")
	}
	if len(execs.rows) != 1 {
		t.Fatal("execution not forwarded")
	}
}
