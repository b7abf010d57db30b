package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Iminance/realityflow-2/internal/domain/scene"
	"github.com/Iminance/realityflow-2/internal/repository"
)

// Gateway implements scene.Gateway. Writes are idempotent: a row is only
// overwritten by a strictly newer version, so retried writes are harmless.
type Gateway struct {
	db  *DB
	now func() time.Time
}

// NewGateway creates a new Gateway
func NewGateway(db *DB) *Gateway {
	return &Gateway{db: db, now: func() time.Time { return time.Now().UTC() }}
}

const objectColumns = `id, name, pos_x, pos_y, pos_z, rot_x, rot_y, rot_z, rot_w,
	scale_x, scale_y, scale_z, color_r, color_g, color_b, color_a, mesh_ref, version`

// LoadProject reads the persisted state of a project.
func (g *Gateway) LoadProject(ctx context.Context, projectID string) (*scene.ProjectState, error) {
	state := &scene.ProjectState{ProjectID: projectID}
	err := g.db.QueryRowContext(ctx,
		g.db.rebind(`SELECT version FROM projects WHERE id = ?`), projectID,
	).Scan(&state.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load project: %w", err)
	}

	rows, err := g.db.QueryContext(ctx, g.db.rebind(`
		SELECT `+objectColumns+`, deleted_version
		FROM scene_objects
		WHERE project_id = ?
		ORDER BY id
	`), projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load objects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			obj     scene.SceneObject
			deleted sql.NullInt64
		)
		t := &obj.Transform
		if err := rows.Scan(
			&obj.ID, &obj.Name,
			&t.Position.X, &t.Position.Y, &t.Position.Z,
			&t.Rotation.X, &t.Rotation.Y, &t.Rotation.Z, &t.Rotation.W,
			&t.Scale.X, &t.Scale.Y, &t.Scale.Z,
			&obj.Color.R, &obj.Color.G, &obj.Color.B, &obj.Color.A,
			&obj.MeshRef, &obj.Version, &deleted,
		); err != nil {
			return nil, fmt.Errorf("failed to scan object: %w", err)
		}
		if deleted.Valid {
			state.Tombstones = append(state.Tombstones, obj.ID)
			if deleted.Int64 > state.Version {
				state.Version = deleted.Int64
			}
			continue
		}
		if obj.Version > state.Version {
			state.Version = obj.Version
		}
		state.Objects = append(state.Objects, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating object rows: %w", err)
	}

	return state, nil
}

// CreateObjectRecord persists a created object.
func (g *Gateway) CreateObjectRecord(ctx context.Context, projectID string, obj scene.SceneObject, version int64) error {
	obj.Version = version
	return g.inTx(ctx, projectID, version, func(tx *sql.Tx) error {
		return g.upsert(ctx, tx, projectID, obj)
	})
}

// SaveObjectMutation persists the post-state of an update or create.
func (g *Gateway) SaveObjectMutation(ctx context.Context, projectID string, m scene.Mutation) error {
	if m.Kind == scene.KindDelete {
		return g.DeleteObjectRecord(ctx, projectID, m.ObjectID, m.Version)
	}
	if m.Object == nil {
		return fmt.Errorf("mutation %d has no object: %w", m.Version, repository.ErrInvalidInput)
	}
	obj := *m.Object
	obj.Version = m.Version
	return g.inTx(ctx, projectID, m.Version, func(tx *sql.Tx) error {
		return g.upsert(ctx, tx, projectID, obj)
	})
}

// DeleteObjectRecord turns an object row into a tombstone.
func (g *Gateway) DeleteObjectRecord(ctx context.Context, projectID, objectID string, version int64) error {
	return g.inTx(ctx, projectID, version, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, g.db.rebind(`
			UPDATE scene_objects
			SET deleted_version = ?, version = ?
			WHERE project_id = ? AND id = ? AND version < ?
		`), version, version, projectID, objectID, version)
		if err != nil {
			return fmt.Errorf("failed to delete object: %w", err)
		}
		return nil
	})
}

func (g *Gateway) upsert(ctx context.Context, tx *sql.Tx, projectID string, obj scene.SceneObject) error {
	t := obj.Transform
	_, err := tx.ExecContext(ctx, g.db.rebind(`
		INSERT INTO scene_objects (project_id, `+objectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id, id) DO UPDATE SET
			name = excluded.name,
			pos_x = excluded.pos_x, pos_y = excluded.pos_y, pos_z = excluded.pos_z,
			rot_x = excluded.rot_x, rot_y = excluded.rot_y, rot_z = excluded.rot_z, rot_w = excluded.rot_w,
			scale_x = excluded.scale_x, scale_y = excluded.scale_y, scale_z = excluded.scale_z,
			color_r = excluded.color_r, color_g = excluded.color_g, color_b = excluded.color_b, color_a = excluded.color_a,
			mesh_ref = excluded.mesh_ref,
			version = excluded.version
		WHERE scene_objects.version < excluded.version AND scene_objects.deleted_version IS NULL
	`),
		projectID, obj.ID, obj.Name,
		t.Position.X, t.Position.Y, t.Position.Z,
		t.Rotation.X, t.Rotation.Y, t.Rotation.Z, t.Rotation.W,
		t.Scale.X, t.Scale.Y, t.Scale.Z,
		obj.Color.R, obj.Color.G, obj.Color.B, obj.Color.A,
		obj.MeshRef, obj.Version,
	)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("project %s: %w", projectID, repository.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to save object: %w", err)
	}
	return nil
}

// inTx runs fn and advances the project version in one transaction.
func (g *Gateway) inTx(ctx context.Context, projectID string, version int64, fn func(*sql.Tx) error) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, g.db.rebind(`
		UPDATE projects SET version = ?, last_modified = ?
		WHERE id = ? AND version < ?
	`), version, g.now(), projectID, version)
	if err != nil {
		return fmt.Errorf("failed to bump project version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
