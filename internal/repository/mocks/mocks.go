package mocks

import (
	"context"

	"github.com/Iminance/realityflow-2/internal/domain/activity"
	"github.com/Iminance/realityflow-2/internal/domain/project"
	"github.com/Iminance/realityflow-2/internal/domain/scene"
	"github.com/stretchr/testify/mock"
)

// ProjectRepository is a mock for project.Repository.
type ProjectRepository struct {
	mock.Mock
}

func (m *ProjectRepository) Create(ctx context.Context, proj *project.Project) error {
	args := m.Called(ctx, proj)
	return args.Error(0)
}

func (m *ProjectRepository) Get(ctx context.Context, id string) (*project.Project, error) {
	args := m.Called(ctx, id)
	if proj, ok := args.Get(0).(*project.Project); ok {
		return proj, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProjectRepository) List(ctx context.Context) ([]project.ProjectSummary, error) {
	args := m.Called(ctx)
	if list, ok := args.Get(0).([]project.ProjectSummary); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *ProjectRepository) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// ActivityRepository is a mock for activity.Repository.
type ActivityRepository struct {
	mock.Mock
}

func (m *ActivityRepository) Log(ctx context.Context, entry *activity.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *ActivityRepository) List(ctx context.Context, opts activity.ListOptions) ([]activity.Entry, error) {
	args := m.Called(ctx, opts)
	if list, ok := args.Get(0).([]activity.Entry); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// Gateway is a mock for scene.Gateway.
type Gateway struct {
	mock.Mock
}

func (m *Gateway) LoadProject(ctx context.Context, projectID string) (*scene.ProjectState, error) {
	args := m.Called(ctx, projectID)
	if state, ok := args.Get(0).(*scene.ProjectState); ok {
		return state, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *Gateway) SaveObjectMutation(ctx context.Context, projectID string, mut scene.Mutation) error {
	args := m.Called(ctx, projectID, mut)
	return args.Error(0)
}

func (m *Gateway) CreateObjectRecord(ctx context.Context, projectID string, obj scene.SceneObject, version int64) error {
	args := m.Called(ctx, projectID, obj, version)
	return args.Error(0)
}

func (m *Gateway) DeleteObjectRecord(ctx context.Context, projectID, objectID string, version int64) error {
	args := m.Called(ctx, projectID, objectID, version)
	return args.Error(0)
}
