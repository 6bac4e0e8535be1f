package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelodev/scrumbringer/internal/config"
	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/events"
	"github.com/modelodev/scrumbringer/internal/repo"
	"github.com/modelodev/scrumbringer/internal/rules"
)

// Engine implements task and card lifecycle operations. Every mutation
// commits its own transaction together with an activity-log event; rule
// automation runs strictly after that commit, so a failing rule never
// rolls back the transition that triggered it.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Rules  rules.Engine
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Rules:  rules.New(db),
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// AutomationError distinguishes a rule-evaluation failure from a failure
// of the transition itself: when a caller sees one, the state change is
// already durable.
type AutomationError struct {
	Err error
}

func (e *AutomationError) Error() string { return "automation: " + e.Err.Error() }
func (e *AutomationError) Unwrap() error { return e.Err }

// InitProjectOptions bootstraps a project with its org and first admin.
type InitProjectOptions struct {
	ProjectID string
	Name      string
	OrgID     string
	UserID    string
	UserEmail string
}

func (e Engine) InitProject(ctx context.Context, opts InitProjectOptions) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	if opts.ProjectID == "" {
		return domain.Project{}, errors.New("project id is required")
	}
	if opts.OrgID == "" {
		opts.OrgID = "default-org"
	}
	if opts.Name == "" {
		opts.Name = opts.ProjectID
	}
	if opts.UserID == "" {
		opts.UserID = "local-user"
	}
	if opts.UserEmail == "" {
		opts.UserEmail = opts.UserID + "@local"
	}
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:        opts.ProjectID,
		OrgID:     opts.OrgID,
		Name:      opts.Name,
		Status:    "active",
		CreatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.EnsureOrg(ctx, tx, opts.OrgID, opts.OrgID, now); err != nil {
		return domain.Project{}, fmt.Errorf("ensure org: %w", err)
	}
	if err := e.Repo.EnsureUser(ctx, tx, domain.User{ID: opts.UserID, OrgID: opts.OrgID, Email: opts.UserEmail, CreatedAt: now}); err != nil {
		return domain.Project{}, fmt.Errorf("ensure user: %w", err)
	}
	if err := e.Repo.AssignMembership(ctx, tx, opts.OrgID, opts.UserID, domain.RoleAdmin, now); err != nil {
		return domain.Project{}, fmt.Errorf("assign membership: %w", err)
	}
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	for _, tt := range e.Config.TaskTypes {
		typeRow := domain.TaskType{ID: uuid.New().String(), ProjectID: p.ID, Name: tt.Name, CreatedAt: now}
		if err := e.Repo.InsertTaskTypeTx(ctx, tx, typeRow); err != nil {
			return domain.Project{}, fmt.Errorf("seed task type %s: %w", tt.Name, err)
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, "project", p.ID, opts.UserID, events.EventPayload{"name": p.Name}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ID          string
	ProjectID   string
	CardID      string
	TypeName    string
	Title       string
	Description string
	Priority    *int
	AssigneeID  string
	UserID      string
	System      bool
}

// CreateTask inserts the task and then evaluates automation rules against
// its creation (from-state absent, to-state pending).
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, []rules.Result, error) {
	if opts.Title == "" {
		return domain.Task{}, nil, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Task{}, nil, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, nil, err
	}
	var typeID *string
	if opts.TypeName != "" {
		tt, err := e.Repo.TaskTypeByName(ctx, opts.ProjectID, opts.TypeName)
		if err != nil {
			return domain.Task{}, nil, fmt.Errorf("task type %s: %w", opts.TypeName, err)
		}
		typeID = &tt.ID
	}
	if opts.CardID != "" {
		card, err := e.Repo.GetCard(ctx, opts.CardID)
		if err != nil {
			return domain.Task{}, nil, err
		}
		if card.ProjectID != opts.ProjectID {
			return domain.Task{}, nil, errors.New("card in different project")
		}
	}
	priority := opts.Priority
	if priority == nil && opts.TypeName != "" && e.Config != nil {
		if p, ok := e.Config.Defaults.Priority[opts.TypeName]; ok {
			priority = &p
		}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:          id,
		ProjectID:   opts.ProjectID,
		CardID:      optionalString(opts.CardID),
		TypeID:      typeID,
		Title:       opts.Title,
		Description: opts.Description,
		State:       "pending",
		Priority:    priority,
		AssigneeID:  optionalString(opts.AssigneeID),
		CreatedBy:   opts.UserID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTaskTx(ctx, tx, t); err != nil {
		return domain.Task{}, nil, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskCreated, t.ProjectID, "task", t.ID, opts.UserID, events.EventPayload{"title": t.Title, "state": t.State}); err != nil {
		return domain.Task{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, nil, err
	}
	results, autoErr := e.evaluateAutomation(ctx, taskChangeEvent(t, nil, opts.UserID, !opts.System))
	return t, results, autoErr
}

// TaskStateOptions change a task's state.
type TaskStateOptions struct {
	ID     string
	State  string
	UserID string
	Force  bool
	System bool
}

func (e Engine) SetTaskState(ctx context.Context, opts TaskStateOptions) (domain.Task, []rules.Result, error) {
	t, err := e.Repo.GetTask(ctx, opts.ID)
	if err != nil {
		return t, nil, err
	}
	if opts.State == t.State {
		return t, nil, fmt.Errorf("task already in state %s", t.State)
	}
	if err := ensureTaskTransition(t.State, opts.State, opts.Force); err != nil {
		return t, nil, err
	}
	fromState := t.State
	t.State = opts.State
	t.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskTx(ctx, tx, t); err != nil {
		return t, nil, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTaskStateChanged, t.ProjectID, "task", t.ID, opts.UserID, events.EventPayload{
		"from_state": fromState,
		"to_state":   t.State,
	}); err != nil {
		return t, nil, err
	}
	if err := tx.Commit(); err != nil {
		return t, nil, err
	}
	results, autoErr := e.evaluateAutomation(ctx, taskChangeEvent(t, &fromState, opts.UserID, !opts.System))
	return t, results, autoErr
}

func ensureTaskTransition(oldState, newState string, force bool) error {
	if force {
		return nil
	}
	switch oldState {
	case "pending":
		if newState == "claimed" || newState == "canceled" {
			return nil
		}
	case "claimed":
		if newState == "completed" || newState == "pending" || newState == "canceled" {
			return nil
		}
	}
	return fmt.Errorf("invalid task state transition %s -> %s", oldState, newState)
}

// CardCreateOptions are parameters for creating a card.
type CardCreateOptions struct {
	ID        string
	ProjectID string
	Title     string
	State     string
	UserID    string
	System    bool
}

func (e Engine) CreateCard(ctx context.Context, opts CardCreateOptions) (domain.Card, []rules.Result, error) {
	if opts.Title == "" {
		return domain.Card{}, nil, errors.New("title is required")
	}
	if opts.ProjectID == "" {
		return domain.Card{}, nil, errors.New("project is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Card{}, nil, err
	}
	if opts.State == "" {
		opts.State = "backlog"
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := e.now().UTC().Format(time.RFC3339)
	c := domain.Card{
		ID:        id,
		ProjectID: opts.ProjectID,
		Title:     opts.Title,
		State:     opts.State,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Card{}, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertCardTx(ctx, tx, c); err != nil {
		return domain.Card{}, nil, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeCardCreated, c.ProjectID, "card", c.ID, opts.UserID, events.EventPayload{"title": c.Title, "state": c.State}); err != nil {
		return domain.Card{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Card{}, nil, err
	}
	results, autoErr := e.evaluateAutomation(ctx, cardChangeEvent(c, nil, opts.UserID, !opts.System))
	return c, results, autoErr
}

// CardStateOptions move a card between board columns.
type CardStateOptions struct {
	ID     string
	State  string
	UserID string
	System bool
}

func (e Engine) SetCardState(ctx context.Context, opts CardStateOptions) (domain.Card, []rules.Result, error) {
	if opts.State == "" {
		return domain.Card{}, nil, errors.New("state is required")
	}
	c, err := e.Repo.GetCard(ctx, opts.ID)
	if err != nil {
		return c, nil, err
	}
	if c.State == opts.State {
		return c, nil, fmt.Errorf("card already in state %s", c.State)
	}
	fromState := c.State
	c.State = opts.State
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCardTx(ctx, tx, c); err != nil {
		return c, nil, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeCardStateChanged, c.ProjectID, "card", c.ID, opts.UserID, events.EventPayload{
		"from_state": fromState,
		"to_state":   c.State,
	}); err != nil {
		return c, nil, err
	}
	if err := tx.Commit(); err != nil {
		return c, nil, err
	}
	results, autoErr := e.evaluateAutomation(ctx, cardChangeEvent(c, &fromState, opts.UserID, !opts.System))
	return c, results, autoErr
}

func taskChangeEvent(t domain.Task, fromState *string, userID string, userTriggered bool) rules.StateChangeEvent {
	return rules.StateChangeEvent{
		ResourceType:  domain.ResourceTask,
		ResourceID:    t.ID,
		FromState:     fromState,
		ToState:       t.State,
		ProjectID:     t.ProjectID,
		UserID:        userID,
		UserTriggered: userTriggered,
		TaskTypeID:    t.TypeID,
	}
}

func cardChangeEvent(c domain.Card, fromState *string, userID string, userTriggered bool) rules.StateChangeEvent {
	return rules.StateChangeEvent{
		ResourceType:  domain.ResourceCard,
		ResourceID:    c.ID,
		FromState:     fromState,
		ToState:       c.State,
		ProjectID:     c.ProjectID,
		UserID:        userID,
		UserTriggered: userTriggered,
	}
}

// evaluateAutomation runs the rules engine after a committed transition
// and logs the outcomes. Evaluation errors come back as AutomationError
// so callers can tell them apart from transition failures.
func (e Engine) evaluateAutomation(ctx context.Context, ev rules.StateChangeEvent) ([]rules.Result, error) {
	results, err := e.Rules.Evaluate(ctx, ev)
	if len(results) > 0 {
		applied := 0
		for _, res := range results {
			if res.Outcome == rules.OutcomeApplied {
				applied++
			}
		}
		tx, txErr := e.DB.BeginTx(ctx, nil)
		if txErr == nil {
			if appendErr := e.Events.Append(ctx, tx, events.TypeAutomationRun, ev.ProjectID, ev.ResourceType, ev.ResourceID, ev.UserID, events.EventPayload{
				"matched": len(results),
				"applied": applied,
			}); appendErr == nil {
				_ = tx.Commit()
			} else {
				_ = tx.Rollback()
			}
		}
	}
	if err != nil {
		return results, &AutomationError{Err: err}
	}
	return results, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
