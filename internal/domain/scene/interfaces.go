package scene

import (
	"context"

	"github.com/Iminance/realityflow-2/internal/domain/checkout"
)

// Gateway persists project state. Calls are made after the in-memory commit;
// failures are retried in version order.
type Gateway interface {
	LoadProject(ctx context.Context, projectID string) (*ProjectState, error)
	SaveObjectMutation(ctx context.Context, projectID string, m Mutation) error
	CreateObjectRecord(ctx context.Context, projectID string, obj SceneObject, version int64) error
	DeleteObjectRecord(ctx context.Context, projectID, objectID string, version int64) error
}

// CheckoutGuard decides whether an issuer may mutate an object.
type CheckoutGuard interface {
	Verify(key checkout.Key, holder string) error
	Revoke(key checkout.Key) bool
	Forget(key checkout.Key)
}
