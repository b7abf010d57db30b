package session

import (
	"context"

	"github.com/Iminance/realityflow-2/internal/domain/activity"
	"github.com/Iminance/realityflow-2/internal/protocol"
)

// Conn is the outbound half of a client connection. Send must not block:
// a connection that cannot queue a frame closes itself and returns an
// error.
type Conn interface {
	Send(code protocol.Code, correlationID string, payload any) error
	Close(reason string)
}

// ActivityRecorder receives best-effort audit entries.
type ActivityRecorder interface {
	Record(ctx context.Context, entry activity.Entry)
}
