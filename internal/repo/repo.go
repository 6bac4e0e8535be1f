package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/modelodev/scrumbringer/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// --- organizations / users / memberships ---

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name, now string) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO organizations(id, name, created_at) VALUES (?,?,?)`, orgID, name, now)
	return err
}

func (r Repo) EnsureUser(ctx context.Context, tx *sql.Tx, u domain.User) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO users(id, org_id, email, created_at) VALUES (?,?,?,?)`,
		u.ID, u.OrgID, u.Email, u.CreatedAt)
	return err
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	var u domain.User
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,email,created_at FROM users WHERE id=?`, id).
		Scan(&u.ID, &u.OrgID, &u.Email, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	return u, err
}

func (r Repo) UserEmail(ctx context.Context, id string) (string, error) {
	var email string
	err := r.DB.QueryRowContext(ctx, `SELECT email FROM users WHERE id=?`, id).Scan(&email)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return email, err
}

func (r Repo) AssignMembership(ctx context.Context, tx *sql.Tx, orgID, userID, role, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO memberships(org_id, user_id, role, created_at) VALUES (?,?,?,?)
ON CONFLICT(org_id, user_id) DO UPDATE SET role=excluded.role`, orgID, userID, role, now)
	return err
}

func (r Repo) MembershipRole(ctx context.Context, orgID, userID string) (string, error) {
	var role string
	err := r.DB.QueryRowContext(ctx, `SELECT role FROM memberships WHERE org_id=? AND user_id=?`, orgID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return role, err
}

// --- projects ---

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,org_id,name,status,created_at) VALUES (?,?,?,?,?)`,
		p.ID, p.OrgID, p.Name, p.Status, p.CreatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,org_id,name,status,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) ProjectName(ctx context.Context, id string) (string, error) {
	var name string
	err := r.DB.QueryRowContext(ctx, `SELECT name FROM projects WHERE id=?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return name, err
}

func (r Repo) ListProjects(ctx context.Context, orgID string) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if orgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, orgID)
	}
	query := `SELECT id,org_id,name,status,created_at FROM projects WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdateProjectStatus(ctx context.Context, id, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- task types ---

func (r Repo) InsertTaskTypeTx(ctx context.Context, tx *sql.Tx, tt domain.TaskType) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_types(id,project_id,name,created_at) VALUES (?,?,?,?)`,
		tt.ID, tt.ProjectID, tt.Name, tt.CreatedAt)
	return err
}

func (r Repo) GetTaskType(ctx context.Context, id string) (domain.TaskType, error) {
	var tt domain.TaskType
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,created_at FROM task_types WHERE id=?`, id).
		Scan(&tt.ID, &tt.ProjectID, &tt.Name, &tt.CreatedAt)
	if err == sql.ErrNoRows {
		return tt, ErrNotFound
	}
	return tt, err
}

func (r Repo) TaskTypeByName(ctx context.Context, projectID, name string) (domain.TaskType, error) {
	var tt domain.TaskType
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,name,created_at FROM task_types WHERE project_id=? AND name=?`, projectID, name).
		Scan(&tt.ID, &tt.ProjectID, &tt.Name, &tt.CreatedAt)
	if err == sql.ErrNoRows {
		return tt, ErrNotFound
	}
	return tt, err
}

func (r Repo) ListTaskTypes(ctx context.Context, projectID string) ([]domain.TaskType, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,name,created_at FROM task_types WHERE project_id=? ORDER BY name ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskType
	for rows.Next() {
		var tt domain.TaskType
		if err := rows.Scan(&tt.ID, &tt.ProjectID, &tt.Name, &tt.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, tt)
	}
	return res, rows.Err()
}

// SingleProject returns the only project, used by the CLI when --project is omitted.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,org_id,name,status,created_at FROM projects`)
	if err != nil {
		return domain.Project{}, err
	}
	defer rows.Close()
	var projects []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Name, &p.Status, &p.CreatedAt); err != nil {
			return domain.Project{}, err
		}
		projects = append(projects, p)
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}
