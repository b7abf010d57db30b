package activity

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const defaultListLimit = 50

// Service handles activity log operations.
type Service struct {
	repo   Repository
	logger *slog.Logger
}

// NewService creates a new activity service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{repo: repo, logger: logger}
}

// LogActivity logs an activity entry with the current timestamp if missing.
func (s *Service) LogActivity(ctx context.Context, entry *Entry) error {
	if entry == nil || entry.ProjectID == "" || entry.Type == "" {
		return ErrInvalidInput
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := s.repo.Log(ctx, entry); err != nil {
		return fmt.Errorf("logging activity: %w", err)
	}
	return nil
}

// Record logs entry and only reports failures to the logger. The audit
// trail never fails the operation it describes.
func (s *Service) Record(ctx context.Context, entry Entry) {
	if err := s.LogActivity(ctx, &entry); err != nil {
		s.logger.Warn("activity not recorded",
			"type", string(entry.Type),
			"project_id", entry.ProjectID,
			"error", err,
		)
	}
}

// GetRecentActivity lists activity entries with filtering.
func (s *Service) GetRecentActivity(ctx context.Context, opts ListOptions) ([]Entry, error) {
	if opts.Limit <= 0 {
		opts.Limit = defaultListLimit
	}
	return s.repo.List(ctx, opts)
}
