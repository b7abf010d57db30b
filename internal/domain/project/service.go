package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Iminance/realityflow-2/internal/repository"
	"github.com/google/uuid"
)

const maxNameLength = 200

// Service handles project operations.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

// NewService creates a new project service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, logger: logger}
}

// CreateRequest defines project creation inputs.
type CreateRequest struct {
	ID          string
	Name        string
	Description string
}

// Create creates a new project owned by userID.
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*Project, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" || len(name) > maxNameLength {
		return nil, ErrInvalidInput
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	proj := &Project{
		ID:           id,
		Name:         name,
		Description:  req.Description,
		CreatedBy:    userID,
		Version:      0,
		LastModified: now,
		CreatedAt:    now,
	}

	if err := s.repo.Create(ctx, proj); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrProjectExists
		}
		return nil, fmt.Errorf("creating project: %w: %w", ErrStorageUnavailable, err)
	}

	s.logger.Info("project created", "project_id", proj.ID, "user_id", userID)
	return proj, nil
}

// Get fetches a project by ID.
func (s *Service) Get(ctx context.Context, id string) (*Project, error) {
	proj, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("getting project: %w: %w", ErrStorageUnavailable, err)
	}
	return proj, nil
}

// List returns project summaries.
func (s *Service) List(ctx context.Context) ([]ProjectSummary, error) {
	list, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing projects: %w: %w", ErrStorageUnavailable, err)
	}
	return list, nil
}

// Delete removes a project and everything stored under it.
func (s *Service) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrInvalidInput
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrProjectNotFound
		}
		return fmt.Errorf("deleting project: %w: %w", ErrStorageUnavailable, err)
	}
	s.logger.Info("project deleted", "project_id", id)
	return nil
}
