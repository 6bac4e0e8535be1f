package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/modelodev/scrumbringer/internal/config"
	"github.com/modelodev/scrumbringer/internal/engine"
	"github.com/modelodev/scrumbringer/internal/repo"
)

// ResolveProjectAndConfig picks the active project and loads the workspace
// config, seeding defaults when scrumbringer.yml is absent. It prefers the
// override, then the config file, then a single-project database. A missing
// project is created on the fly so first-run commands just work.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride, userID string, r repo.Repo) (string, *config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	projectID := projectOverride
	if projectID == "" && cfg != nil {
		projectID = cfg.Project.ID
	}
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project or create scrumbringer.yml")
		}
	}
	if cfg == nil {
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		e := engine.New(r.DB, cfg)
		if _, err := e.InitProject(ctx, engine.InitProjectOptions{
			ProjectID: projectID,
			Name:      cfg.Project.Name,
			OrgID:     cfg.Project.Org,
			UserID:    userID,
		}); err != nil {
			return "", nil, fmt.Errorf("init project: %w", err)
		}
	}
	return projectID, cfg, nil
}
