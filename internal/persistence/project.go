package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Iminance/realityflow-2/internal/domain/project"
	"github.com/Iminance/realityflow-2/internal/repository"
)

// ProjectRepository implements project.Repository
type ProjectRepository struct {
	db *DB
}

// NewProjectRepository creates a new ProjectRepository
func NewProjectRepository(db *DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// Create inserts a new project at version 0.
func (r *ProjectRepository) Create(ctx context.Context, proj *project.Project) error {
	if proj.CreatedAt.IsZero() {
		proj.CreatedAt = time.Now().UTC()
	}
	if proj.LastModified.IsZero() {
		proj.LastModified = proj.CreatedAt
	}

	query := r.db.rebind(`
		INSERT INTO projects (id, name, description, created_by, version, last_modified, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := r.db.ExecContext(ctx, query,
		proj.ID,
		proj.Name,
		proj.Description,
		proj.CreatedBy,
		proj.Version,
		proj.LastModified,
		proj.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s: %w", proj.ID, repository.ErrConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	return nil
}

// Get retrieves a project by ID
func (r *ProjectRepository) Get(ctx context.Context, id string) (*project.Project, error) {
	query := r.db.rebind(`
		SELECT id, name, description, created_by, version, last_modified, created_at
		FROM projects
		WHERE id = ?
	`)

	var proj project.Project
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&proj.ID,
		&proj.Name,
		&proj.Description,
		&proj.CreatedBy,
		&proj.Version,
		&proj.LastModified,
		&proj.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return &proj, nil
}

// List returns all projects with their live object counts, newest first.
func (r *ProjectRepository) List(ctx context.Context) ([]project.ProjectSummary, error) {
	query := `
		SELECT p.id, p.name, p.description, p.version, p.last_modified, p.created_at,
			(SELECT COUNT(*) FROM scene_objects o
				WHERE o.project_id = p.id AND o.deleted_version IS NULL)
		FROM projects p
		ORDER BY p.created_at DESC, p.id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer rows.Close()

	var out []project.ProjectSummary
	for rows.Next() {
		var s project.ProjectSummary
		if err := rows.Scan(
			&s.ID,
			&s.Name,
			&s.Description,
			&s.Version,
			&s.LastModified,
			&s.CreatedAt,
			&s.ObjectCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan project: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating project rows: %w", err)
	}

	return out, nil
}

// Delete removes a project together with its objects and activity.
func (r *ProjectRepository) Delete(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []string{
		`DELETE FROM scene_objects WHERE project_id = ?`,
		`DELETE FROM activity_log WHERE project_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, r.db.rebind(q), id); err != nil {
			return fmt.Errorf("failed to delete project rows: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, r.db.rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete project: %w", err)
	}
	if n == 0 {
		return repository.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit project delete: %w", err)
	}
	return nil
}
