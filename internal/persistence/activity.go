package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Iminance/realityflow-2/internal/domain/activity"
)

// ActivityRepository implements activity.Repository
type ActivityRepository struct {
	db *DB
}

// NewActivityRepository creates a new ActivityRepository
func NewActivityRepository(db *DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// Log inserts a new activity entry
func (r *ActivityRepository) Log(ctx context.Context, entry *activity.Entry) error {
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	query := r.db.rebind(`
		INSERT INTO activity_log (
			project_id, client_id, object_id,
			activity_type, summary, details, version, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		entry.ProjectID,
		entry.ClientID,
		entry.ObjectID,
		entry.Type,
		entry.Summary,
		entry.Details,
		entry.Version,
		createdAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("failed to log activity: %w", err)
	}

	entry.ID = id
	entry.CreatedAt = createdAt
	return nil
}

// List returns activity entries matching the given filters
func (r *ActivityRepository) List(ctx context.Context, opts activity.ListOptions) ([]activity.Entry, error) {
	query := `
		SELECT
			id, project_id, client_id, object_id,
			activity_type, summary, details, version, created_at
		FROM activity_log
	`

	var (
		args       []any
		conditions []string
	)
	if opts.ProjectID != "" {
		conditions = append(conditions, "project_id = ?")
		args = append(args, opts.ProjectID)
	}
	if opts.ObjectID != nil {
		conditions = append(conditions, "object_id = ?")
		args = append(args, *opts.ObjectID)
	}
	if opts.ClientID != nil {
		conditions = append(conditions, "client_id = ?")
		args = append(args, *opts.ClientID)
	}
	if opts.Type != nil {
		conditions = append(conditions, "activity_type = ?")
		args = append(args, string(*opts.Type))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY created_at DESC, id DESC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, opts.Offset)
	}

	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	defer rows.Close()

	var entries []activity.Entry
	for rows.Next() {
		var (
			entry    activity.Entry
			clientID sql.NullString
			objectID sql.NullString
		)
		if err := rows.Scan(
			&entry.ID,
			&entry.ProjectID,
			&clientID,
			&objectID,
			&entry.Type,
			&entry.Summary,
			&entry.Details,
			&entry.Version,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan activity entry: %w", err)
		}
		if clientID.Valid {
			entry.ClientID = &clientID.String
		}
		if objectID.Valid {
			entry.ObjectID = &objectID.String
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating activity rows: %w", err)
	}

	return entries, nil
}
