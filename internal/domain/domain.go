// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionTrigger names an authentication lifecycle point that fires actions.
type ActionTrigger string

const (
	TriggerPostLogin             ActionTrigger = "post-login"
	TriggerPreUserRegistration   ActionTrigger = "pre-user-registration"
	TriggerPostUserRegistration  ActionTrigger = "post-user-registration"
	TriggerPostChangePassword    ActionTrigger = "post-change-password"
	TriggerPostEmailVerification ActionTrigger = "post-email-verification"
	TriggerPreTokenRefresh       ActionTrigger = "pre-token-refresh"
)

// AllTriggers returns every known trigger in declaration order.
func AllTriggers() []ActionTrigger {
	return []ActionTrigger{
		TriggerPostLogin,
		TriggerPreUserRegistration,
		TriggerPostUserRegistration,
		TriggerPostChangePassword,
		TriggerPostEmailVerification,
		TriggerPreTokenRefresh,
	}
}

// ParseTrigger validates a trigger identifier.
func ParseTrigger(s string) (ActionTrigger, error) {
	switch ActionTrigger(s) {
	case TriggerPostLogin, TriggerPreUserRegistration, TriggerPostUserRegistration,
		TriggerPostChangePassword, TriggerPostEmailVerification, TriggerPreTokenRefresh:
		return ActionTrigger(s), nil
	}
	return "", fmt.Errorf("invalid trigger: %q", s)
}

func (t ActionTrigger) String() string { return string(t) }

// Action limits enforced at create/update time.
const (
	DefaultTimeoutMS = 3000
	MinTimeoutMS     = 1
	MaxTimeoutMS     = 30000
	MaxScriptBytes   = 100 * 1024
	MaxNameLen       = 255
	MaxDescLen       = 1000
)

// Action is a stored script bound to one trigger for one service.
// Rolling counters (ExecutionCount, ErrorCount, LastExecutedAt, LastError)
// are updated after every invocation, never by CRUD.
type Action struct {
	ID             uuid.UUID
	ServiceID      uuid.UUID // Owning service. Immutable after create.
	Name           string
	Description    string
	TriggerID      ActionTrigger
	Script         string
	Enabled        bool
	StrictMode     bool // Failure aborts the surrounding auth flow.
	ExecutionOrder int
	TimeoutMS      int // Wall-clock budget per invocation, 1..30000.
	LastExecutedAt *time.Time
	ExecutionCount int64
	ErrorCount     int64
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ActionExecution is an append-only record of one invocation.
// Never updated or deleted (audit trail); deleting the action keeps its rows.
type ActionExecution struct {
	ID           uuid.UUID
	ActionID     uuid.UUID
	ServiceID    uuid.UUID
	TriggerID    ActionTrigger
	UserID       *uuid.UUID
	Success      bool
	DurationMS   int64
	ErrorMessage string
	ExecutedAt   time.Time
}

// ExecutionFilter narrows execution log queries. Zero values mean "no filter".
type ExecutionFilter struct {
	ActionID  *uuid.UUID
	TriggerID ActionTrigger
	UserID    *uuid.UUID
	Success   *bool
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

// ActionStats are rolling counters plus derived figures for one action.
type ActionStats struct {
	ExecutionCount int64   `json:"execution_count"`
	ErrorCount     int64   `json:"error_count"`
	AvgDurationMS  float64 `json:"avg_duration_ms"`
	Last24hCount   int64   `json:"last_24h_count"`
}

// ActionContext is the per-firing structure threaded through a chain of
// actions. Only Claims is meant to be mutated by scripts; User, Tenant,
// Service and Request are host-supplied facts, and routing decisions are
// bound to the host's copies regardless of what a script writes.
type ActionContext struct {
	User    ActionUser     `json:"user"`
	Tenant  ActionTenant   `json:"tenant"`
	Service *ActionService `json:"service,omitempty"`
	Request ActionRequest  `json:"request"`
	Claims  map[string]any `json:"claims,omitempty"`
}

// ActionUser carries read-only facts about the principal.
type ActionUser struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name,omitempty"`
	MFAEnabled  bool   `json:"mfa_enabled"`
}

// ActionTenant identifies the owning tenant.
type ActionTenant struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// ActionService identifies the service whose trigger fired.
type ActionService struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ClientID string `json:"client_id,omitempty"`
}

// ActionRequest carries request metadata captured at the API boundary.
type ActionRequest struct {
	IP        string    `json:"ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Clone deep-copies the context so one invocation's claims map is never
// shared by reference with the next.
func (c *ActionContext) Clone() *ActionContext {
	if c == nil {
		return nil
	}
	out := *c
	if c.Service != nil {
		svc := *c.Service
		out.Service = &svc
	}
	if c.Claims != nil {
		out.Claims = cloneValue(c.Claims).(map[string]any)
	}
	return &out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// ExecutionResult is the outcome of one sandbox invocation.
type ExecutionResult struct {
	Success         bool           `json:"success"`
	DurationMS      int64          `json:"duration_ms"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ModifiedContext *ActionContext `json:"modified_context,omitempty"`
	ConsoleLogs     []string       `json:"console_logs,omitempty"`
}

// SandboxConfig is the process-wide policy for sandboxed execution.
type SandboxConfig struct {
	// Domains fetch may reach. Entries match the URL host, optionally with
	// port ("api.example.com" or "api.example.com:8443"). Empty = deny all.
	AllowedDomains []string
	// Max fetch calls within a single invocation.
	MaxRequestsPerExecution int
	// Per-request timeout for a single fetch.
	RequestTimeout time.Duration
	// Response bodies larger than this are truncated.
	MaxResponseBytes int64
	// Hard ceiling on any setTimeout delay, independent of the action budget.
	MaxTimerDelay time.Duration
	// Best-effort heap ceiling per invocation, in MiB.
	MaxHeapMB int
	// Test-only escape hatch for the private-IP block.
	AllowPrivateIPs bool
}

// DefaultSandboxConfig returns the deny-by-default policy.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{
		AllowedDomains:          nil,
		MaxRequestsPerExecution: 5,
		RequestTimeout:          10 * time.Second,
		MaxResponseBytes:        1 << 20,
		MaxTimerDelay:           30 * time.Second,
		MaxHeapMB:               100,
		AllowPrivateIPs:         false,
	}
}

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}
