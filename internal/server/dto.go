package server

import (
	"encoding/json"

	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/rules"
)

// Request payloads

type CreateProjectRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	OrgID string `json:"org_id,omitempty"`
}

type CreateTaskRequest struct {
	ID          *string `json:"id,omitempty"`
	CardID      *string `json:"card_id,omitempty"`
	Type        string  `json:"type,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
}

type TaskStateRequest struct {
	State string `json:"state" enum:"pending,claimed,completed,canceled"`
	Force bool   `json:"force,omitempty"`
}

type CreateCardRequest struct {
	ID    *string `json:"id,omitempty"`
	Title string  `json:"title"`
	State string  `json:"state,omitempty"`
}

type CardStateRequest struct {
	State string `json:"state"`
}

type CreateWorkflowRequest struct {
	ID   *string `json:"id,omitempty"`
	Name string  `json:"name"`
}

type CreateRuleRequest struct {
	ID           *string `json:"id,omitempty"`
	Name         string  `json:"name"`
	Goal         string  `json:"goal,omitempty"`
	ResourceType string  `json:"resource_type" enum:"task,card"`
	TaskType     string  `json:"task_type,omitempty"`
	ToState      string  `json:"to_state"`
}

type CreateTemplateRequest struct {
	ID          *string `json:"id,omitempty"`
	Type        string  `json:"type,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
}

type AttachTemplateRequest struct {
	TemplateID     string `json:"template_id"`
	ExecutionOrder int    `json:"execution_order"`
}

type ActiveRequest struct {
	Active bool `json:"active"`
}

type DevLoginRequest struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type ProjectResponse struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TaskResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	CardID      *string `json:"card_id,omitempty"`
	TypeID      *string `json:"type_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	State       string  `json:"state" enum:"pending,claimed,completed,canceled"`
	Priority    *int    `json:"priority,omitempty"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	CreatedBy   string  `json:"created_by"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type CardResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type WorkflowResponse struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"project_id"`
	Name      string         `json:"name"`
	Active    bool           `json:"active"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	Rules     []RuleResponse `json:"rules,omitempty"`
}

type RuleResponse struct {
	ID           string  `json:"id"`
	WorkflowID   string  `json:"workflow_id"`
	Name         string  `json:"name"`
	Goal         string  `json:"goal,omitempty"`
	ResourceType string  `json:"resource_type" enum:"task,card"`
	TaskTypeID   *string `json:"task_type_id,omitempty"`
	ToState      string  `json:"to_state"`
	Active       bool    `json:"active"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
}

type TemplateResponse struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	TypeID      *string `json:"type_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type ExecutionResponse struct {
	ID                int64   `json:"id"`
	RuleID            string  `json:"rule_id"`
	OriginType        string  `json:"origin_type" enum:"task,card"`
	OriginID          string  `json:"origin_id"`
	Outcome           string  `json:"outcome" enum:"applied,suppressed"`
	SuppressionReason *string `json:"suppression_reason,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// AutomationResultResponse reports what one rule did for a transition.
type AutomationResultResponse struct {
	RuleID            string `json:"rule_id"`
	Outcome           string `json:"outcome" enum:"applied,suppressed"`
	CreatedTasks      int    `json:"created_tasks,omitempty"`
	SuppressionReason string `json:"suppression_reason,omitempty"`
}

// TaskMutationResponse bundles the committed task with the automation that
// ran after it. AutomationError is set when rule evaluation failed; the
// task change itself is always durable at that point.
type TaskMutationResponse struct {
	Task            TaskResponse               `json:"task"`
	Automation      []AutomationResultResponse `json:"automation"`
	AutomationError string                     `json:"automation_error,omitempty"`
}

type CardMutationResponse struct {
	Card            CardResponse               `json:"card"`
	Automation      []AutomationResultResponse `json:"automation"`
	AutomationError string                     `json:"automation_error,omitempty"`
}

type MetricsResponse struct {
	Evaluated  int            `json:"evaluated"`
	Applied    int            `json:"applied"`
	Suppressed int            `json:"suppressed"`
	Reasons    map[string]int `json:"reasons"`
}

type WhoAmIResponse struct {
	UserID string `json:"user_id"`
	OrgID  string `json:"org_id,omitempty"`
	Role   string `json:"role,omitempty"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedExecutions struct {
	Items      []ExecutionResponse `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse(t)
}

func cardResponse(c domain.Card) CardResponse {
	return CardResponse(c)
}

func workflowResponse(w domain.Workflow) WorkflowResponse {
	resp := WorkflowResponse{
		ID:        w.ID,
		ProjectID: w.ProjectID,
		Name:      w.Name,
		Active:    w.Active,
		CreatedAt: w.CreatedAt,
	}
	for _, rule := range w.Rules {
		resp.Rules = append(resp.Rules, ruleResponse(rule))
	}
	return resp
}

func ruleResponse(r domain.Rule) RuleResponse {
	return RuleResponse(r)
}

func templateResponse(t domain.TaskTemplate) TemplateResponse {
	return TemplateResponse(t)
}

func executionResponse(e domain.RuleExecution) ExecutionResponse {
	return ExecutionResponse(e)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func automationResponses(results []rules.Result) []AutomationResultResponse {
	resp := make([]AutomationResultResponse, 0, len(results))
	for _, res := range results {
		resp = append(resp, AutomationResultResponse{
			RuleID:            res.RuleID,
			Outcome:           string(res.Outcome),
			CreatedTasks:      res.CreatedTasks,
			SuppressionReason: res.SuppressionReason,
		})
	}
	return resp
}

func mapProjects(items []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		res = append(res, projectResponse(p))
	}
	return res
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapCards(items []domain.Card) []CardResponse {
	res := make([]CardResponse, 0, len(items))
	for _, c := range items {
		res = append(res, cardResponse(c))
	}
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
