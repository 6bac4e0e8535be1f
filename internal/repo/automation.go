package repo

import (
	"context"
	"database/sql"

	"github.com/modelodev/scrumbringer/internal/domain"
)

// --- workflows ---

func (r Repo) InsertWorkflowTx(ctx context.Context, tx *sql.Tx, w domain.Workflow) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflows(id,project_id,name,active,created_at) VALUES (?,?,?,?,?)`,
		w.ID, w.ProjectID, w.Name, w.Active, w.CreatedAt)
	return err
}

func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	var w domain.Workflow
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,active,created_at FROM workflows WHERE id=?`, id).
		Scan(&w.ID, &w.ProjectID, &w.Name, &w.Active, &w.CreatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	return w, err
}

func (r Repo) SetWorkflowActiveTx(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListWorkflows returns a project's workflows with their rules populated.
// Rules come back in ascending id order, which fixes evaluation order.
func (r Repo) ListWorkflows(ctx context.Context, projectID string) ([]domain.Workflow, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,active,created_at FROM workflows WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var workflows []domain.Workflow
	index := map[string]int{}
	for rows.Next() {
		var w domain.Workflow
		if err := rows.Scan(&w.ID, &w.ProjectID, &w.Name, &w.Active, &w.CreatedAt); err != nil {
			return nil, err
		}
		index[w.ID] = len(workflows)
		workflows = append(workflows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(workflows) == 0 {
		return nil, nil
	}
	ruleRows, err := r.DB.QueryContext(ctx, `
SELECT r.id,r.workflow_id,r.name,COALESCE(r.goal,''),r.resource_type,r.task_type_id,r.to_state,r.active,r.created_at
FROM workflow_rules r
JOIN workflows w ON w.id=r.workflow_id
WHERE w.project_id=?
ORDER BY r.id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer ruleRows.Close()
	for ruleRows.Next() {
		rule, err := scanRule(ruleRows.Scan)
		if err != nil {
			return nil, err
		}
		if i, ok := index[rule.WorkflowID]; ok {
			workflows[i].Rules = append(workflows[i].Rules, rule)
		}
	}
	return workflows, ruleRows.Err()
}

// --- rules ---

func scanRule(scan func(dest ...any) error) (domain.Rule, error) {
	var rule domain.Rule
	var taskTypeID sql.NullString
	err := scan(&rule.ID, &rule.WorkflowID, &rule.Name, &rule.Goal, &rule.ResourceType, &taskTypeID, &rule.ToState, &rule.Active, &rule.CreatedAt)
	if err != nil {
		return rule, err
	}
	if taskTypeID.Valid {
		rule.TaskTypeID = &taskTypeID.String
	}
	return rule, nil
}

func (r Repo) InsertRuleTx(ctx context.Context, tx *sql.Tx, rule domain.Rule) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO workflow_rules(id,workflow_id,name,goal,resource_type,task_type_id,to_state,active,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.WorkflowID, rule.Name, nullable(rule.Goal), rule.ResourceType, nullableStringPtr(rule.TaskTypeID), rule.ToState, rule.Active, rule.CreatedAt)
	return err
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.Rule, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,workflow_id,name,COALESCE(goal,''),resource_type,task_type_id,to_state,active,created_at FROM workflow_rules WHERE id=?`, id)
	rule, err := scanRule(row.Scan)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	return rule, err
}

func (r Repo) SetRuleActiveTx(ctx context.Context, tx *sql.Tx, id string, active bool) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflow_rules SET active=? WHERE id=?`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ListRules(ctx context.Context, workflowID string) ([]domain.Rule, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,workflow_id,name,COALESCE(goal,''),resource_type,task_type_id,to_state,active,created_at FROM workflow_rules WHERE workflow_id=? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// --- task templates ---

func (r Repo) InsertTemplateTx(ctx context.Context, tx *sql.Tx, t domain.TaskTemplate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_templates(id,project_id,type_id,title,description,priority,created_at) VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.TypeID), t.Title, nullable(t.Description), nullableIntPtr(t.Priority), t.CreatedAt)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.TaskTemplate, error) {
	var t domain.TaskTemplate
	var typeID, description sql.NullString
	var priority sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,type_id,title,description,priority,created_at FROM task_templates WHERE id=?`, id).
		Scan(&t.ID, &t.ProjectID, &typeID, &t.Title, &description, &priority, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if typeID.Valid {
		t.TypeID = &typeID.String
	}
	if description.Valid {
		t.Description = description.String
	}
	if priority.Valid {
		p := int(priority.Int64)
		t.Priority = &p
	}
	return t, nil
}

func (r Repo) ListTemplates(ctx context.Context, projectID string) ([]domain.TaskTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,type_id,title,description,priority,created_at FROM task_templates WHERE project_id=? ORDER BY created_at DESC, id DESC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTemplate
	for rows.Next() {
		var t domain.TaskTemplate
		var typeID, description sql.NullString
		var priority sql.NullInt64
		if err := rows.Scan(&t.ID, &t.ProjectID, &typeID, &t.Title, &description, &priority, &t.CreatedAt); err != nil {
			return nil, err
		}
		if typeID.Valid {
			t.TypeID = &typeID.String
		}
		if description.Valid {
			t.Description = description.String
		}
		if priority.Valid {
			p := int(priority.Int64)
			t.Priority = &p
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) AttachTemplateTx(ctx context.Context, tx *sql.Tx, link domain.RuleTemplate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO rule_templates(rule_id,template_id,execution_order) VALUES (?,?,?)
ON CONFLICT(rule_id,template_id) DO UPDATE SET execution_order=excluded.execution_order`,
		link.RuleID, link.TemplateID, link.ExecutionOrder)
	return err
}

func (r Repo) DetachTemplateTx(ctx context.Context, tx *sql.Tx, ruleID, templateID string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM rule_templates WHERE rule_id=? AND template_id=?`, ruleID, templateID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RuleTemplatesTx returns a rule's templates in materialization order,
// inside the caller's transaction.
func (r Repo) RuleTemplatesTx(ctx context.Context, tx *sql.Tx, ruleID string) ([]domain.TaskTemplate, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT t.id,t.project_id,t.type_id,t.title,t.description,t.priority,t.created_at
FROM rule_templates rt
JOIN task_templates t ON t.id=rt.template_id
WHERE rt.rule_id=?
ORDER BY rt.execution_order ASC, t.id ASC`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskTemplate
	for rows.Next() {
		var t domain.TaskTemplate
		var typeID, description sql.NullString
		var priority sql.NullInt64
		if err := rows.Scan(&t.ID, &t.ProjectID, &typeID, &t.Title, &description, &priority, &t.CreatedAt); err != nil {
			return nil, err
		}
		if typeID.Valid {
			t.TypeID = &typeID.String
		}
		if description.Valid {
			t.Description = description.String
		}
		if priority.Valid {
			p := int(priority.Int64)
			t.Priority = &p
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
