package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/modelodev/scrumbringer/internal/domain"
	"github.com/modelodev/scrumbringer/internal/events"
)

// WorkflowCreateOptions are parameters for creating a workflow.
type WorkflowCreateOptions struct {
	ID        string
	ProjectID string
	Name      string
	UserID    string
}

func (e Engine) CreateWorkflow(ctx context.Context, opts WorkflowCreateOptions) (domain.Workflow, error) {
	if opts.Name == "" {
		return domain.Workflow{}, errors.New("name is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Workflow{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	w := domain.Workflow{
		ID:        id,
		ProjectID: opts.ProjectID,
		Name:      opts.Name,
		Active:    true,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkflowTx(ctx, tx, w); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeWorkflowCreated, w.ProjectID, "workflow", w.ID, opts.UserID, events.EventPayload{"name": w.Name}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	return w, nil
}

func (e Engine) SetWorkflowActive(ctx context.Context, id string, active bool, userID string) (domain.Workflow, error) {
	w, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return w, err
	}
	w.Active = active
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return w, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetWorkflowActiveTx(ctx, tx, id, active); err != nil {
		return w, err
	}
	evtType := events.TypeWorkflowDisabled
	if active {
		evtType = events.TypeWorkflowEnabled
	}
	if err := e.Events.Append(ctx, tx, evtType, w.ProjectID, "workflow", w.ID, userID, nil); err != nil {
		return w, err
	}
	if err := tx.Commit(); err != nil {
		return w, err
	}
	return w, nil
}

// RuleCreateOptions are parameters for creating an automation rule.
// TaskTypeName empty means the rule fires for any task type.
type RuleCreateOptions struct {
	ID           string
	WorkflowID   string
	Name         string
	Goal         string
	ResourceType string
	TaskTypeName string
	ToState      string
	UserID       string
}

func (e Engine) CreateRule(ctx context.Context, opts RuleCreateOptions) (domain.Rule, error) {
	if opts.Name == "" {
		return domain.Rule{}, errors.New("name is required")
	}
	if opts.ToState == "" {
		return domain.Rule{}, errors.New("to_state is required")
	}
	if opts.ResourceType != domain.ResourceTask && opts.ResourceType != domain.ResourceCard {
		return domain.Rule{}, fmt.Errorf("unknown resource type %q", opts.ResourceType)
	}
	w, err := e.Repo.GetWorkflow(ctx, opts.WorkflowID)
	if err != nil {
		return domain.Rule{}, fmt.Errorf("workflow %s: %w", opts.WorkflowID, err)
	}
	var taskTypeID *string
	if opts.TaskTypeName != "" {
		if opts.ResourceType != domain.ResourceTask {
			return domain.Rule{}, errors.New("task type filter only applies to task rules")
		}
		tt, err := e.Repo.TaskTypeByName(ctx, w.ProjectID, opts.TaskTypeName)
		if err != nil {
			return domain.Rule{}, fmt.Errorf("task type %s: %w", opts.TaskTypeName, err)
		}
		taskTypeID = &tt.ID
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	rule := domain.Rule{
		ID:           id,
		WorkflowID:   opts.WorkflowID,
		Name:         opts.Name,
		Goal:         opts.Goal,
		ResourceType: opts.ResourceType,
		TaskTypeID:   taskTypeID,
		ToState:      opts.ToState,
		Active:       true,
		CreatedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Rule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRuleTx(ctx, tx, rule); err != nil {
		return domain.Rule{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRuleCreated, w.ProjectID, "rule", rule.ID, opts.UserID, events.EventPayload{
		"name":          rule.Name,
		"resource_type": rule.ResourceType,
		"to_state":      rule.ToState,
	}); err != nil {
		return domain.Rule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Rule{}, err
	}
	return rule, nil
}

func (e Engine) SetRuleActive(ctx context.Context, id string, active bool, userID string) (domain.Rule, error) {
	rule, err := e.Repo.GetRule(ctx, id)
	if err != nil {
		return rule, err
	}
	w, err := e.Repo.GetWorkflow(ctx, rule.WorkflowID)
	if err != nil {
		return rule, err
	}
	rule.Active = active
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return rule, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetRuleActiveTx(ctx, tx, id, active); err != nil {
		return rule, err
	}
	evtType := events.TypeRuleDisabled
	if active {
		evtType = events.TypeRuleEnabled
	}
	if err := e.Events.Append(ctx, tx, evtType, w.ProjectID, "rule", rule.ID, userID, nil); err != nil {
		return rule, err
	}
	if err := tx.Commit(); err != nil {
		return rule, err
	}
	return rule, nil
}

// TemplateCreateOptions are parameters for creating a task template.
type TemplateCreateOptions struct {
	ID          string
	ProjectID   string
	TypeName    string
	Title       string
	Description string
	Priority    *int
	UserID      string
}

func (e Engine) CreateTemplate(ctx context.Context, opts TemplateCreateOptions) (domain.TaskTemplate, error) {
	if opts.Title == "" {
		return domain.TaskTemplate{}, errors.New("title is required")
	}
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.TaskTemplate{}, err
	}
	var typeID *string
	if opts.TypeName != "" {
		tt, err := e.Repo.TaskTypeByName(ctx, opts.ProjectID, opts.TypeName)
		if err != nil {
			return domain.TaskTemplate{}, fmt.Errorf("task type %s: %w", opts.TypeName, err)
		}
		typeID = &tt.ID
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
	tpl := domain.TaskTemplate{
		ID:          id,
		ProjectID:   opts.ProjectID,
		TypeID:      typeID,
		Title:       opts.Title,
		Description: opts.Description,
		Priority:    priority,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.TaskTemplate{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTemplateTx(ctx, tx, tpl); err != nil {
		return domain.TaskTemplate{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTemplateCreated, tpl.ProjectID, "template", tpl.ID, opts.UserID, events.EventPayload{"title": tpl.Title}); err != nil {
		return domain.TaskTemplate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.TaskTemplate{}, err
	}
	return tpl, nil
}

// AttachTemplate binds a template to a rule at the given execution order.
// Attaching the same pair again moves it to the new order.
func (e Engine) AttachTemplate(ctx context.Context, ruleID, templateID string, order int, userID string) error {
	rule, err := e.Repo.GetRule(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("rule %s: %w", ruleID, err)
	}
	w, err := e.Repo.GetWorkflow(ctx, rule.WorkflowID)
	if err != nil {
		return err
	}
	tpl, err := e.Repo.GetTemplate(ctx, templateID)
	if err != nil {
		return fmt.Errorf("template %s: %w", templateID, err)
	}
	if tpl.ProjectID != w.ProjectID {
		return errors.New("template in different project")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	link := domain.RuleTemplate{RuleID: ruleID, TemplateID: templateID, ExecutionOrder: order}
	if err := e.Repo.AttachTemplateTx(ctx, tx, link); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTemplateAttached, w.ProjectID, "rule", ruleID, userID, events.EventPayload{
		"template_id":     templateID,
		"execution_order": order,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) DetachTemplate(ctx context.Context, ruleID, templateID string, userID string) error {
	rule, err := e.Repo.GetRule(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("rule %s: %w", ruleID, err)
	}
	w, err := e.Repo.GetWorkflow(ctx, rule.WorkflowID)
	if err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DetachTemplateTx(ctx, tx, ruleID, templateID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeTemplateDetached, w.ProjectID, "rule", ruleID, userID, events.EventPayload{"template_id": templateID}); err != nil {
		return err
	}
	return tx.Commit()
}
