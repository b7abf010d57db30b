package activity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/Iminance/realityflow-2/internal/domain/activity"
	"github.com/Iminance/realityflow-2/internal/repository/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestActivityService_LogAndList(t *testing.T) {
	ctx := context.Background()

	repo := &mocks.ActivityRepository{}
	objectID := "obj1"
	entry := &activity.Entry{
		ProjectID: "proj1",
		ObjectID:  &objectID,
		Type:      activity.TypeObjectCreated,
		Summary:   "created",
		Version:   1,
	}

	repo.On("Log", ctx, entry).Return(nil)
	repo.On("List", ctx, activity.ListOptions{ProjectID: "proj1", Limit: 50}).Return([]activity.Entry{*entry}, nil)

	svc := activity.NewService(repo, nil)
	require.NoError(t, svc.LogActivity(ctx, entry))
	require.False(t, entry.CreatedAt.IsZero())

	list, err := svc.GetRecentActivity(ctx, activity.ListOptions{ProjectID: "proj1"})
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestActivityService_RecordSwallowsErrors(t *testing.T) {
	ctx := context.Background()

	repo := &mocks.ActivityRepository{}
	repo.On("Log", ctx, mock.Anything).Return(errors.New("disk full"))

	svc := activity.NewService(repo, nil)
	svc.Record(ctx, activity.Entry{ProjectID: "proj1", Type: activity.TypeCheckoutExpired})
	repo.AssertNumberOfCalls(t, "Log", 1)
}

func TestActivityService_RejectsIncompleteEntry(t *testing.T) {
	svc := activity.NewService(&mocks.ActivityRepository{}, nil)
	require.ErrorIs(t, svc.LogActivity(context.Background(), nil), activity.ErrInvalidInput)
	require.ErrorIs(t, svc.LogActivity(context.Background(), &activity.Entry{ProjectID: "p"}), activity.ErrInvalidInput)
}
