package domain

// Resource types rules can react to.
const (
	ResourceTask = "task"
	ResourceCard = "card"
)

// Membership roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

type Org struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type User struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Email     string `json:"email"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Membership struct {
	OrgID     string `json:"org_id"`
	UserID    string `json:"user_id"`
	Role      string `json:"role" enum:"admin,member"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Project struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	Status    string `json:"status" enum:"active,archived"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type TaskType struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Card struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type Task struct {
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

// TaskTemplate is a parameterized task pattern materialized when a rule
// fires. Title and description may carry {{token}} placeholders.
type TaskTemplate struct {
	ID          string  `json:"id"`
	ProjectID   string  `json:"project_id"`
	TypeID      *string `json:"type_id,omitempty"`
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Priority    *int    `json:"priority,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// Workflow is a project-scoped container of automation rules.
type Workflow struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Name      string `json:"name"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Rules     []Rule `json:"rules,omitempty"`
}

// Rule is a single trigger condition bound to zero or more templates.
// TaskTypeID nil means the rule matches any task type.
type Rule struct {
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

// RuleTemplate links a rule to a template and orders materialization.
type RuleTemplate struct {
	RuleID         string `json:"rule_id"`
	TemplateID     string `json:"template_id"`
	ExecutionOrder int    `json:"execution_order"`
}

// RuleExecution is one row of the append-only execution ledger.
type RuleExecution struct {
	ID                int64   `json:"id"`
	RuleID            string  `json:"rule_id"`
	OriginType        string  `json:"origin_type" enum:"task,card"`
	OriginID          string  `json:"origin_id"`
	Outcome           string  `json:"outcome" enum:"applied,suppressed"`
	SuppressionReason *string `json:"suppression_reason,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
