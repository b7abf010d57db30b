package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Iminance/realityflow-2/internal/metrics"
	"github.com/Iminance/realityflow-2/internal/repository"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds the background retry of failed gateway writes.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(b, ctx)
}

// journal writes committed mutations through the gateway in version order.
// Mutations are enqueued inside the store's commit section and stay queued
// until the gateway accepts them.
type journal struct {
	projectID string
	gateway   Gateway
	policy    RetryPolicy
	logger    *slog.Logger

	// rejected is told about a mutation the gateway refused for good.
	rejected func(m Mutation, err error)

	mu      sync.Mutex
	pending []Mutation

	flushMu sync.Mutex
	kick    chan struct{}
}

func newJournal(projectID string, gateway Gateway, policy RetryPolicy, logger *slog.Logger) *journal {
	return &journal{
		projectID: projectID,
		gateway:   gateway,
		policy:    policy,
		logger:    logger,
		kick:      make(chan struct{}, 1),
	}
}

func (j *journal) enqueue(m Mutation) {
	j.mu.Lock()
	j.pending = append(j.pending, m)
	n := len(j.pending)
	j.mu.Unlock()
	metrics.PersistenceBacklog.WithLabelValues(j.projectID).Set(float64(n))
}

// backlog returns the number of mutations not yet written.
func (j *journal) backlog() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

func (j *journal) head() (Mutation, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.pending) == 0 {
		return Mutation{}, false
	}
	return j.pending[0], true
}

func (j *journal) pop() {
	j.mu.Lock()
	j.pending = j.pending[1:]
	n := len(j.pending)
	if n == 0 {
		j.pending = nil
	}
	j.mu.Unlock()
	metrics.PersistenceBacklog.WithLabelValues(j.projectID).Set(float64(n))
}

// rejectedWrite reports whether err will fail the same way on every retry.
func rejectedWrite(err error) bool {
	return errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrInvalidInput)
}

// flush writes pending mutations oldest first and stops at the first
// transient failure, leaving it at the head of the queue. A rejected
// mutation is dropped and reported so it cannot block later versions.
func (j *journal) flush(ctx context.Context) error {
	j.flushMu.Lock()
	defer j.flushMu.Unlock()

	for {
		m, ok := j.head()
		if !ok {
			return nil
		}
		if err := j.write(ctx, m); err != nil {
			if !rejectedWrite(err) {
				return fmt.Errorf("persisting version %d: %w", m.Version, err)
			}
			metrics.PersistenceFailures.Inc()
			j.logger.Error("gateway rejected mutation, dropped",
				"project_id", j.projectID,
				"version", m.Version,
				"object_id", m.ObjectID,
				"error", err,
			)
			if j.rejected != nil {
				j.rejected(m, err)
			}
		}
		j.pop()
	}
}

func (j *journal) write(ctx context.Context, m Mutation) error {
	switch m.Kind {
	case KindCreate:
		return j.gateway.CreateObjectRecord(ctx, j.projectID, *m.Object, m.Version)
	case KindDelete:
		return j.gateway.DeleteObjectRecord(ctx, j.projectID, m.ObjectID, m.Version)
	default:
		return j.gateway.SaveObjectMutation(ctx, j.projectID, m)
	}
}

// flushOrSchedule is called after each commit. A failed write is handed to
// the retry loop; the in-memory commit stands either way.
func (j *journal) flushOrSchedule(ctx context.Context) {
	if err := j.flush(ctx); err != nil {
		metrics.PersistenceFailures.Inc()
		j.logger.Warn("gateway write failed, queued for retry",
			"project_id", j.projectID,
			"backlog", j.backlog(),
			"error", err,
		)
		j.schedule()
	}
}

func (j *journal) schedule() {
	select {
	case j.kick <- struct{}{}:
	default:
	}
}

// run retries queued writes with exponential backoff until ctx is done.
func (j *journal) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.kick:
		}

		err := backoff.RetryNotify(func() error {
			err := j.flush(ctx)
			if err != nil && ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}, j.policy.backOff(ctx), func(err error, wait time.Duration) {
			j.logger.Warn("gateway retry failed",
				"project_id", j.projectID,
				"retry_in", wait,
				"error", err,
			)
		})
		if err != nil {
			if ctx.Err() == nil {
				j.logger.Error("gateway retry abandoned", "project_id", j.projectID, "error", err)
			}
			continue
		}
		j.logger.Info("gateway backlog drained", "project_id", j.projectID)
	}
}
