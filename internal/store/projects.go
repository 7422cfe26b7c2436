package store

import (
	"context"
	"fmt"

	"backer-import/internal/models"
)

// CreateProject inserts a project
func (s *Store) CreateProject(ctx context.Context, project *models.Project) error {
	now := s.timestamp()
	project.CreatedAt = now
	project.UpdatedAt = now

	var platform interface{}
	if project.Platform != nil {
		platform = string(*project.Platform)
	}

	err := s.db.GetContext(ctx, &project.ID, s.db.Rebind(`
		INSERT INTO projects (shop, name, platform, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		project.Shop, project.Name, platform, now, now)
	if err != nil {
		return fmt.Errorf("failed to create project: %w", mapError(err))
	}
	return nil
}

// GetProject retrieves a project by ID
func (s *Store) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	var project models.Project
	err := s.db.GetContext(ctx, &project, s.db.Rebind("SELECT * FROM projects WHERE id = ?"), id)
	if err != nil {
		return nil, fmt.Errorf("project %d: %w", id, mapError(err))
	}
	return &project, nil
}

// UpdateProjectPlatform records the platform detected for a project's exports
func (s *Store) UpdateProjectPlatform(ctx context.Context, id int64, platform models.Platform) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		"UPDATE projects SET platform = ?, updated_at = ? WHERE id = ?"),
		string(platform), s.timestamp(), id)
	if err != nil {
		return fmt.Errorf("failed to update project platform: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return nil
}
