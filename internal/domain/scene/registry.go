package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Iminance/realityflow-2/internal/metrics"
	"github.com/Iminance/realityflow-2/internal/repository"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"
)

const loadAttempts = 3

// Registry opens project stores lazily and owns their background writers.
type Registry struct {
	gateway Gateway
	guard   CheckoutGuard
	opts    StoreOptions
	logger  *slog.Logger

	group  singleflight.Group
	stores sync.Map // projectID -> *Store

	hookMu sync.RWMutex
	hooks  []func(*Store)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a store registry.
func NewRegistry(gateway Gateway, guard CheckoutGuard, opts StoreOptions, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		gateway: gateway,
		guard:   guard,
		opts:    opts,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnOpen registers a hook run once for every newly opened store.
func (r *Registry) OnOpen(fn func(*Store)) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.hooks = append(r.hooks, fn)
}

// Get returns an already open store.
func (r *Registry) Get(projectID string) (*Store, bool) {
	v, ok := r.stores.Load(projectID)
	if !ok {
		return nil, false
	}
	return v.(*Store), true
}

// Open returns the store for projectID, loading it through the gateway on
// first use. Concurrent opens of the same project share one load.
func (r *Registry) Open(ctx context.Context, projectID string) (*Store, error) {
	if s, ok := r.Get(projectID); ok {
		return s, nil
	}
	if projectID == "" {
		return nil, ErrInvalidInput
	}

	v, err, _ := r.group.Do(projectID, func() (any, error) {
		if s, ok := r.Get(projectID); ok {
			return s, nil
		}
		state, err := r.load(ctx, projectID)
		if err != nil {
			return nil, err
		}
		state.ProjectID = projectID

		s := newStore(state, r.guard, r.gateway, r.opts, r.logger)
		r.stores.Store(projectID, s)
		metrics.OpenProjects.Inc()

		runCtx, stop := context.WithCancel(r.ctx)
		s.stop = stop
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			s.journal.run(runCtx)
		}()

		r.hookMu.RLock()
		hooks := r.hooks
		r.hookMu.RUnlock()
		for _, fn := range hooks {
			fn(s)
		}

		r.logger.Info("project opened",
			"project_id", projectID,
			"version", state.Version,
			"objects", len(state.Objects),
		)
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Store), nil
}

func (r *Registry) load(ctx context.Context, projectID string) (*ProjectState, error) {
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), loadAttempts-1),
		ctx,
	)
	var state *ProjectState
	err := backoff.Retry(func() error {
		var err error
		state, err = r.gateway.LoadProject(ctx, projectID)
		if errors.Is(err, repository.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return nil, ErrProjectNotFound
	case err != nil:
		return nil, fmt.Errorf("%w: loading project %s: %v", ErrPersistenceUnavailable, projectID, err)
	case state == nil:
		return &ProjectState{}, nil
	}
	return state, nil
}

// Drop closes the open store of projectID without flushing it, so a
// deleted project is not written back. Later opens load the project again.
// It reports whether a store was open.
func (r *Registry) Drop(projectID string) bool {
	v, ok := r.stores.LoadAndDelete(projectID)
	if !ok {
		return false
	}
	s := v.(*Store)
	s.retire("project closed")
	metrics.OpenProjects.Dec()
	r.logger.Info("project dropped", "project_id", projectID, "discarded_writes", s.Backlog())
	return true
}

// List returns open stores ordered by project id.
func (r *Registry) List() []*Store {
	var out []*Store
	r.stores.Range(func(_, v any) bool {
		out = append(out, v.(*Store))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].projectID < out[j].projectID })
	return out
}

// Close stops the retry loops and makes a last attempt to drain every
// store's backlog.
func (r *Registry) Close(ctx context.Context) error {
	r.cancel()
	r.wg.Wait()

	var errs []error
	for _, s := range r.List() {
		if err := s.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("project %s: %w", s.projectID, err))
		}
	}
	return errors.Join(errs...)
}
