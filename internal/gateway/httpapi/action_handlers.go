package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/kestrelid/kestrel/internal/action"
	"github.com/kestrelid/kestrel/internal/domain"
	"github.com/kestrelid/kestrel/internal/security"
)

// TriggersResponse lists the supported trigger identifiers.
type TriggersResponse struct {
	Triggers []string `json:"triggers"`
}

// ActionResponse is the JSON shape of an action definition.
type ActionResponse struct {
	ID             string     `json:"id"`
	ServiceID      string     `json:"service_id"`
	Name           string     `json:"name"`
	Description    string     `json:"description,omitempty"`
	TriggerID      string     `json:"trigger_id"`
	Script         string     `json:"script"`
	Enabled        bool       `json:"enabled"`
	StrictMode     bool       `json:"strict_mode"`
	ExecutionOrder int        `json:"execution_order"`
	TimeoutMS      int        `json:"timeout_ms"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
	ExecutionCount int64      `json:"execution_count"`
	ErrorCount     int64      `json:"error_count"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func toActionResponse(a *domain.Action) ActionResponse {
	return ActionResponse{
		ID:             a.ID.String(),
		ServiceID:      a.ServiceID.String(),
		Name:           a.Name,
		Description:    a.Description,
		TriggerID:      a.TriggerID.String(),
		Script:         a.Script,
		Enabled:        a.Enabled,
		StrictMode:     a.StrictMode,
		ExecutionOrder: a.ExecutionOrder,
		TimeoutMS:      a.TimeoutMS,
		LastExecutedAt: a.LastExecutedAt,
		ExecutionCount: a.ExecutionCount,
		ErrorCount:     a.ErrorCount,
		LastError:      a.LastError,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func toActionResponses(actions []domain.Action) []ActionResponse {
	out := make([]ActionResponse, len(actions))
	for i := range actions {
		out[i] = toActionResponse(&actions[i])
	}
	return out
}

func (g *Gateway) handleTriggers(c *okapi.Context) error {
	if _, ok := g.principal(c); !ok {
		return c.AbortUnauthorized("Unauthorized")
	}
	triggers := g.actions.Triggers()
	names := make([]string, len(triggers))
	for i, t := range triggers {
		names[i] = t.String()
	}
	return c.OK(TriggersResponse{Triggers: names})
}

func (g *Gateway) handleActionCreate(c *okapi.Context) error {
	_, serviceID, resp, ok := g.authorize(c, security.RightActionsManage)
	if !ok {
		return resp
	}

	var in action.CreateInput
	if err := c.Bind(&in); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	a, err := g.actions.Create(c.Context(), serviceID, in)
	if err != nil {
		return actionError(c, err)
	}
	return c.JSON(http.StatusCreated, toActionResponse(a))
}

func (g *Gateway) handleActionList(c *okapi.Context) error {
	_, serviceID, resp, ok := g.authorize(c, security.RightActionsRead)
	if !ok {
		return resp
	}

	q := c.Request().URL.Query()
	f := action.ListFilter{
		Trigger:      domain.ActionTrigger(q.Get("trigger")),
		NameContains: q.Get("name"),
		Limit:        atoiOrZero(q.Get("limit")),
		Offset:       atoiOrZero(q.Get("offset")),
	}
	if v := q.Get("enabled"); v != "" {
		enabled := v == "true"
		f.Enabled = &enabled
	}

	actions, err := g.actions.List(c.Context(), serviceID, f)
	if err != nil {
		return actionError(c, err)
	}
	return c.OK(toActionResponses(actions))
}

func (g *Gateway) handleActionGet(c *okapi.Context) error {
	_, serviceID, resp, ok := g.authorize(c, security.RightActionsRead)
	if !ok {
		return resp
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid action ID")
	}

	a, err := g.actions.Get(c.Context(), serviceID, id)
	if err != nil {
		return actionError(c, err)
	}
	return c.OK(toActionResponse(a))
}

func (g *Gateway) handleActionUpdate(c *okapi.Context) error {
	_, serviceID, resp, ok := g.authorize(c, security.RightActionsManage)
	if !ok {
		return resp
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid action ID")
	}

	var in action.UpdateInput
	if err := c.Bind(&in); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	a, err := g.actions.Update(c.Context(), serviceID, id, in)
	if err != nil {
		return actionError(c, err)
	}
	return c.OK(toActionResponse(a))
}

func (g *Gateway) handleActionDelete(c *okapi.Context) error {
	_, serviceID, resp, ok := g.authorize(c, security.RightActionsManage)
	if !ok {
		return resp
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid action ID")
	}

	if err := g.actions.Delete(c.Context(), serviceID, id); err != nil {
		return actionError(c, err)
	}
	return c.OK(map[string]string{"status": "deleted"})
}

func (g *Gateway) handleActionEnable(c *okapi.Context) error {
	return g.setEnabled(c, true)
}

func (g *Gateway) handleActionDisable(c *okapi.Context) error {
	return g.setEnabled(c, false)
}

func (g *Gateway) setEnabled(c *okapi.Context, enabled bool) error {
	_, serviceID, resp, ok := g.authorize(c, security.RightActionsManage)
	if !ok {
		return resp
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid action ID")
	}

	a, err := g.actions.SetEnabled(c.Context(), serviceID, id, enabled)
	if err != nil {
		return actionError(c, err)
	}
	return c.OK(toActionResponse(a))
}

// BatchUpsertRequest is the JSON body for POST .../actions/batch-upsert.
type BatchUpsertRequest struct {
	Actions []action.UpsertInput `json:"actions"`
}

func (g *Gateway) handleActionBatchUpsert(c *okapi.Context) error {
	_, serviceID, resp, ok := g.authorize(c, security.RightActionsManage)
	if !ok {
		return resp
	}

	var req BatchUpsertRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Actions) == 0 {
		return c.AbortBadRequest("actions is required")
	}

	result, err := g.actions.BatchUpsert(c.Context(), serviceID, req.Actions)
	if err != nil {
		return actionError(c, err)
	}
	return c.OK(result)
}

// TestRequest is the JSON body for POST .../actions/{id}/test.
// The context is caller-built; missing fields stay zero.
type TestRequest struct {
	Context domain.ActionContext `json:"context"`
}

// TestResponse reports a synchronous test run.
type TestResponse struct {
	Success         bool                  `json:"success"`
	DurationMS      int64                 `json:"duration_ms"`
	ErrorMessage    string                `json:"error_message,omitempty"`
	ModifiedContext *domain.ActionContext `json:"modified_context,omitempty"`
	ConsoleLogs     []string              `json:"console_logs,omitempty"`
}

func (g *Gateway) handleActionTest(c *okapi.Context) error {
	p, serviceID, resp, ok := g.authorize(c, security.RightActionsTest)
	if !ok {
		return resp
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid action ID")
	}

	var req TestRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	correlationID := newCorrelationID()
	g.logger.Info("action test run",
		"key", p.KeyID,
		"action_id", id,
		"correlation_id", correlationID,
	)

	result, err := g.actions.Test(c.Context(), serviceID, id, &req.Context)
	if err != nil {
		return actionError(c, err)
	}
	return c.OK(TestResponse{
		Success:         result.Success,
		DurationMS:      result.DurationMS,
		ErrorMessage:    result.ErrorMessage,
		ModifiedContext: result.ModifiedContext,
		ConsoleLogs:     result.ConsoleLogs,
	})
}

// StatsResponse reports rolling counters for one action.
type StatsResponse struct {
	ExecutionCount int64   `json:"execution_count"`
	ErrorCount     int64   `json:"error_count"`
	AvgDurationMS  float64 `json:"avg_duration_ms"`
	Last24hCount   int64   `json:"last_24h_count"`
}

func (g *Gateway) handleActionStats(c *okapi.Context) error {
	_, serviceID, resp, ok := g.authorize(c, security.RightActionsRead)
	if !ok {
		return resp
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid action ID")
	}

	stats, err := g.actions.Stats(c.Context(), serviceID, id)
	if err != nil {
		return actionError(c, err)
	}
	return c.OK(StatsResponse{
		ExecutionCount: stats.ExecutionCount,
		ErrorCount:     stats.ErrorCount,
		AvgDurationMS:  stats.AvgDurationMS,
		Last24hCount:   stats.Last24hCount,
	})
}

// ExecutionResponse is one execution log row.
type ExecutionResponse struct {
	ID           string    `json:"id"`
	ActionID     string    `json:"action_id"`
	ServiceID    string    `json:"service_id"`
	TriggerID    string    `json:"trigger_id"`
	UserID       string    `json:"user_id,omitempty"`
	Success      bool      `json:"success"`
	DurationMS   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ExecutedAt   time.Time `json:"executed_at"`
}

func toExecutionResponse(e *domain.ActionExecution) ExecutionResponse {
	out := ExecutionResponse{
		ID:           e.ID.String(),
		ActionID:     e.ActionID.String(),
		ServiceID:    e.ServiceID.String(),
		TriggerID:    e.TriggerID.String(),
		Success:      e.Success,
		DurationMS:   e.DurationMS,
		ErrorMessage: e.ErrorMessage,
		ExecutedAt:   e.ExecutedAt,
	}
	if e.UserID != nil {
		out.UserID = e.UserID.String()
	}
	return out
}

func toExecutionResponses(execs []domain.ActionExecution) []ExecutionResponse {
	out := make([]ExecutionResponse, len(execs))
	for i := range execs {
		out[i] = toExecutionResponse(&execs[i])
	}
	return out
}

func (g *Gateway) handleActionLogs(c *okapi.Context) error {
	_, serviceID, resp, ok := g.authorize(c, security.RightLogsRead)
	if !ok {
		return resp
	}

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.AbortBadRequest("invalid action ID")
	}

	f, err := executionFilterFromQuery(c.Request().URL.Query())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}
	f.ActionID = &id

	execs, err := g.actions.Logs(c.Context(), serviceID, f)
	if err != nil {
		return actionError(c, err)
	}
	return c.OK(toExecutionResponses(execs))
}

func (g *Gateway) handleServiceLogs(c *okapi.Context) error {
	_, serviceID, resp, ok := g.authorize(c, security.RightLogsRead)
	if !ok {
		return resp
	}

	f, err := executionFilterFromQuery(c.Request().URL.Query())
	if err != nil {
		return c.AbortBadRequest(err.Error())
	}

	execs, err := g.actions.Logs(c.Context(), serviceID, f)
	if err != nil {
		return actionError(c, err)
	}
	return c.OK(toExecutionResponses(execs))
}

// executionFilterFromQuery reads log query parameters.
// Supported: trigger_id (alias: trigger), user_id, success, from, to
// (RFC 3339), limit, offset.
func executionFilterFromQuery(q url.Values) (domain.ExecutionFilter, error) {
	trigger := q.Get("trigger_id")
	if trigger == "" {
		trigger = q.Get("trigger")
	}
	f := domain.ExecutionFilter{
		TriggerID: domain.ActionTrigger(trigger),
		Limit:     atoiOrZero(q.Get("limit")),
		Offset:    atoiOrZero(q.Get("offset")),
	}
	if v := q.Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return f, errInvalidParam("user_id")
		}
		f.UserID = &id
	}
	if v := q.Get("success"); v != "" {
		success := v == "true"
		f.Success = &success
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errInvalidParam("from")
		}
		f.From = &ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errInvalidParam("to")
		}
		f.To = &ts
	}
	return f, nil
}

func errInvalidParam(name string) error {
	return fmt.Errorf("invalid query parameter: %s", name)
}

func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
