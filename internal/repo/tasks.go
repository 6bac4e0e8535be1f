package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/modelodev/scrumbringer/internal/domain"
)

const taskColumns = `id,project_id,card_id,type_id,title,description,state,priority,assignee_id,created_by,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var cardID, typeID, description, assigneeID sql.NullString
	var priority sql.NullInt64
	err := scan(&t.ID, &t.ProjectID, &cardID, &typeID, &t.Title, &description, &t.State, &priority, &assigneeID, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	if cardID.Valid {
		t.CardID = &cardID.String
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
	if assigneeID.Valid {
		t.AssigneeID = &assigneeID.String
	}
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.CardID), nullableStringPtr(t.TypeID), t.Title, nullable(t.Description),
		t.State, nullableIntPtr(t.Priority), nullableStringPtr(t.AssigneeID), t.CreatedBy, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) UpdateTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET card_id=?, type_id=?, title=?, description=?, state=?, priority=?, assignee_id=?, updated_at=? WHERE id=?`,
		nullableStringPtr(t.CardID), nullableStringPtr(t.TypeID), t.Title, nullable(t.Description), t.State,
		nullableIntPtr(t.Priority), nullableStringPtr(t.AssigneeID), t.UpdatedAt, t.ID)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

type TaskFilters struct {
	ProjectID       string
	State           string
	TypeID          string
	CardID          string
	AssigneeID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.State != "" {
		clauses = append(clauses, "state=?")
		args = append(args, f.State)
	}
	if f.TypeID != "" {
		clauses = append(clauses, "type_id=?")
		args = append(args, f.TypeID)
	}
	if f.CardID != "" {
		clauses = append(clauses, "card_id=?")
		args = append(args, f.CardID)
	}
	if f.AssigneeID != "" {
		clauses = append(clauses, "assignee_id=?")
		args = append(args, f.AssigneeID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountTasksByState(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT state, count(*) FROM tasks WHERE project_id=? GROUP BY state`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		res[state] = count
	}
	return res, rows.Err()
}

// --- cards ---

func (r Repo) InsertCardTx(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cards(id,project_id,title,state,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		c.ID, c.ProjectID, c.Title, c.State, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) UpdateCardTx(ctx context.Context, tx *sql.Tx, c domain.Card) error {
	_, err := tx.ExecContext(ctx, `UPDATE cards SET title=?, state=?, updated_at=? WHERE id=?`,
		c.Title, c.State, c.UpdatedAt, c.ID)
	return err
}

func (r Repo) GetCard(ctx context.Context, id string) (domain.Card, error) {
	var c domain.Card
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,title,state,created_at,updated_at FROM cards WHERE id=?`, id).
		Scan(&c.ID, &c.ProjectID, &c.Title, &c.State, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListCards(ctx context.Context, projectID, state string) ([]domain.Card, error) {
	clauses := []string{"project_id=?"}
	args := []any{projectID}
	if state != "" {
		clauses = append(clauses, "state=?")
		args = append(args, state)
	}
	query := `SELECT id,project_id,title,state,created_at,updated_at FROM cards WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Card
	for rows.Next() {
		var c domain.Card
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Title, &c.State, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
