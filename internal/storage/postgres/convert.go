package postgres

import (
	"github.com/kestrelid/kestrel/internal/domain"
)

func toActionModel(a *domain.Action) ActionModel {
	return ActionModel{
		ID:             a.ID,
		ServiceID:      a.ServiceID,
		Name:           a.Name,
		Description:    a.Description,
		TriggerID:      string(a.TriggerID),
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

func toActionDomain(m *ActionModel) *domain.Action {
	return &domain.Action{
		ID:             m.ID,
		ServiceID:      m.ServiceID,
		Name:           m.Name,
		Description:    m.Description,
		TriggerID:      domain.ActionTrigger(m.TriggerID),
		Script:         m.Script,
		Enabled:        m.Enabled,
		StrictMode:     m.StrictMode,
		ExecutionOrder: m.ExecutionOrder,
		TimeoutMS:      m.TimeoutMS,
		LastExecutedAt: m.LastExecutedAt,
		ExecutionCount: m.ExecutionCount,
		ErrorCount:     m.ErrorCount,
		LastError:      m.LastError,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func toExecutionModel(e *domain.ActionExecution) ActionExecutionModel {
	return ActionExecutionModel{
		ID:           e.ID,
		ActionID:     e.ActionID,
		ServiceID:    e.ServiceID,
		TriggerID:    string(e.TriggerID),
		UserID:       e.UserID,
		Success:      e.Success,
		DurationMS:   e.DurationMS,
		ErrorMessage: e.ErrorMessage,
		ExecutedAt:   e.ExecutedAt,
	}
}

func toExecutionDomain(m *ActionExecutionModel) *domain.ActionExecution {
	return &domain.ActionExecution{
		ID:           m.ID,
		ActionID:     m.ActionID,
		ServiceID:    m.ServiceID,
		TriggerID:    domain.ActionTrigger(m.TriggerID),
		UserID:       m.UserID,
		Success:      m.Success,
		DurationMS:   m.DurationMS,
		ErrorMessage: m.ErrorMessage,
		ExecutedAt:   m.ExecutedAt,
	}
}
