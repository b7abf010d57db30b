package project

import "context"

// Repository provides persistence for project metadata.
type Repository interface {
	Create(ctx context.Context, proj *Project) error
	Get(ctx context.Context, id string) (*Project, error)
	List(ctx context.Context) ([]ProjectSummary, error)
	Delete(ctx context.Context, id string) error
}
