package app

import (
	"context"
	"errors"
	"fmt"

	"forgeline/internal/config"
	"forgeline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and loads its stored
// config snapshot. It prefers the override, then the single project in the
// database. The config falls back to defaults when no snapshot exists yet.
func ResolveProjectAndConfig(ctx context.Context, projectOverride string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		p, err := r.SingleProject(ctx)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", nil, fmt.Errorf("project not specified; use --project or create one with fl project create")
			}
			return "", nil, err
		}
		projectID = p.ID
	}
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return "", nil, err
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		cfg = config.Default(projectID)
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}
