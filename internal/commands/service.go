package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Iminance/realityflow-2/internal/domain/activity"
	"github.com/Iminance/realityflow-2/internal/domain/checkout"
	"github.com/Iminance/realityflow-2/internal/domain/project"
	"github.com/Iminance/realityflow-2/internal/domain/scene"
	"github.com/Iminance/realityflow-2/internal/domain/session"
	"github.com/Iminance/realityflow-2/internal/metrics"
	"github.com/Iminance/realityflow-2/internal/protocol"
	"github.com/google/uuid"
)

// ProjectService defines project operations needed by the handlers.
type ProjectService interface {
	Create(ctx context.Context, userID string, req project.CreateRequest) (*project.Project, error)
	List(ctx context.Context) ([]project.ProjectSummary, error)
}

// ActivityRecorder stores audit entries on a best-effort basis.
type ActivityRecorder interface {
	Record(ctx context.Context, entry activity.Entry)
}

// Deps contains everything the handlers dispatch to.
type Deps struct {
	Projects  ProjectService
	Stores    *scene.Registry
	Checkouts *checkout.Manager
	Sessions  *session.Registry
	Activity  ActivityRecorder
	Logger    *slog.Logger
}

// Service binds command codes to domain services.
type Service struct {
	projects  ProjectService
	stores    *scene.Registry
	checkouts *checkout.Manager
	sessions  *session.Registry
	activity  ActivityRecorder
	logger    *slog.Logger
}

// NewService creates the command handlers.
func NewService(deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		projects:  deps.Projects,
		stores:    deps.Stores,
		checkouts: deps.Checkouts,
		sessions:  deps.Sessions,
		activity:  deps.Activity,
		logger:    deps.Logger,
	}
}

// Register adds every client command to reg.
func (s *Service) Register(reg *protocol.Registry) error {
	handlers := map[protocol.Code]protocol.HandlerFunc{
		protocol.ProjectCreate:         s.projectCreate,
		protocol.ProjectFetch:          s.projectFetch,
		protocol.ProjectList:           s.projectList,
		protocol.ProjectSync:           s.projectSync,
		protocol.ObjectCreate:          s.objectCreate,
		protocol.ObjectUpdate:          s.objectUpdate,
		protocol.ObjectDelete:          s.objectDelete,
		protocol.ObjectCheckoutAcquire: s.checkoutAcquire,
		protocol.ObjectCheckoutRelease: s.checkoutRelease,
	}
	for code, h := range handlers {
		if err := reg.Register(code, instrument(code, h)); err != nil {
			return fmt.Errorf("register %s: %w", code, err)
		}
	}
	return nil
}

func instrument(code protocol.Code, h protocol.HandlerFunc) protocol.HandlerFunc {
	name := code.String()
	return func(ctx context.Context, req protocol.Request) (any, error) {
		start := time.Now()
		result, err := h(ctx, req)
		metrics.CommandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		outcome := "ok"
		if err != nil {
			outcome = MapError(err).Code
		}
		metrics.CommandsTotal.WithLabelValues(name, outcome).Inc()
		return result, err
	}
}

func (s *Service) client(req protocol.Request) (*session.Client, error) {
	c, ok := s.sessions.Get(req.ClientID)
	if !ok {
		return nil, session.ErrClientNotFound
	}
	return c, nil
}

// boundStore returns the store of the client's project. A command naming
// a different project than the bound one is rejected.
func (s *Service) boundStore(c *session.Client, projectID string) (*scene.Store, error) {
	bound := c.ProjectID()
	if bound == "" {
		return nil, session.ErrProjectNotOpen
	}
	if projectID = strings.TrimSpace(projectID); projectID != "" && projectID != bound {
		return nil, fmt.Errorf("%w: bound to %s", session.ErrProjectNotOpen, bound)
	}
	store, ok := s.stores.Get(bound)
	if !ok {
		return nil, session.ErrProjectNotOpen
	}
	return store, nil
}

func (s *Service) record(ctx context.Context, entry activity.Entry) {
	if s.activity != nil {
		s.activity.Record(ctx, entry)
	}
}

func projectRecord(p project.Project) protocol.ProjectRecord {
	return protocol.ProjectRecord{
		ID:           p.ID,
		Name:         p.Name,
		Description:  p.Description,
		Version:      p.Version,
		LastModified: p.LastModified,
		CreatedAt:    p.CreatedAt,
	}
}

func (s *Service) projectCreate(ctx context.Context, req protocol.Request) (any, error) {
	var p protocol.ProjectCreatePayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	c, err := s.client(req)
	if err != nil {
		return nil, err
	}
	proj, err := s.projects.Create(ctx, c.UserID, project.CreateRequest{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
	})
	if err != nil {
		return nil, err
	}
	return projectRecord(*proj), nil
}

func (s *Service) projectList(ctx context.Context, req protocol.Request) (any, error) {
	summaries, err := s.projects.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.ProjectRecord, 0, len(summaries))
	for _, sum := range summaries {
		rec := protocol.ProjectRecord{
			ID:           sum.ID,
			Name:         sum.Name,
			Description:  sum.Description,
			Version:      sum.Version,
			LastModified: sum.LastModified,
			CreatedAt:    sum.CreatedAt,
		}
		// the open store is ahead of persistence while writes are pending
		if store, ok := s.stores.Get(sum.ID); ok && store.Version() > rec.Version {
			rec.Version = store.Version()
		}
		out = append(out, rec)
	}
	return protocol.ProjectListReply{Projects: out}, nil
}

func (s *Service) projectFetch(ctx context.Context, req protocol.Request) (any, error) {
	var p protocol.ProjectFetchPayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	c, err := s.client(req)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Bind(ctx, c, strings.TrimSpace(p.ProjectID), p.DeviceID, protocol.ProjectFetch, req.Envelope.CorrelationID); err != nil {
		return nil, err
	}
	return protocol.Delivered, nil
}

func (s *Service) projectSync(_ context.Context, req protocol.Request) (any, error) {
	var p protocol.ProjectSyncPayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	c, err := s.client(req)
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Resync(c, *p.LastSyncedVersion, req.Envelope.CorrelationID); err != nil {
		return nil, err
	}
	return protocol.Delivered, nil
}

func (s *Service) objectCreate(ctx context.Context, req protocol.Request) (any, error) {
	var p protocol.ObjectCreatePayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	c, err := s.client(req)
	if err != nil {
		return nil, err
	}
	store, err := s.boundStore(c, p.ProjectID)
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(p.Object.ID)
	var lease *checkout.Record
	if p.Checkout {
		// the lease must exist before the object becomes visible
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := store.GetObject(id); err == nil {
			return nil, fmt.Errorf("%w: %s", scene.ErrObjectExists, id)
		}
		rec, err := s.checkouts.Acquire(checkout.Key{ProjectID: store.ProjectID(), ObjectID: id}, c.ID)
		if errors.Is(err, checkout.ErrAlreadyCheckedOut) {
			return nil, withDetails(err, protocol.CheckoutFromRecord(rec))
		}
		if err != nil {
			return nil, err
		}
		lease = &rec
	}

	m, err := store.CreateObject(ctx, scene.NewObject{ID: id, Patch: p.Object.ObjectFields.Patch()}, c.ID)
	if err != nil {
		if lease != nil {
			_ = s.checkouts.Release(lease.Key, c.ID)
		}
		return nil, err
	}

	s.record(ctx, activity.Entry{
		ProjectID: m.ProjectID,
		ClientID:  &c.ID,
		ObjectID:  &m.ObjectID,
		Type:      activity.TypeObjectCreated,
		Summary:   fmt.Sprintf("object %s created", m.ObjectID),
		Version:   m.Version,
	})

	reply := protocol.ObjectReply{Version: m.Version}
	holder := ""
	if lease != nil {
		holder = lease.Holder
		rec := protocol.CheckoutFromRecord(*lease)
		reply.Lease = &rec
	}
	reply.Object = protocol.ObjectFromScene(*m.Object, holder)
	return reply, nil
}

func (s *Service) objectUpdate(ctx context.Context, req protocol.Request) (any, error) {
	var p protocol.ObjectUpdatePayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	c, err := s.client(req)
	if err != nil {
		return nil, err
	}
	store, err := s.boundStore(c, p.ProjectID)
	if err != nil {
		return nil, err
	}
	m, err := store.ApplyMutation(ctx, strings.TrimSpace(p.ObjectID), p.ObjectFields.Patch(), c.ID)
	if err != nil {
		return nil, err
	}
	return protocol.VersionReply{ObjectID: m.ObjectID, Version: m.Version}, nil
}

func (s *Service) objectDelete(ctx context.Context, req protocol.Request) (any, error) {
	var p protocol.ObjectDeletePayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	c, err := s.client(req)
	if err != nil {
		return nil, err
	}
	store, err := s.boundStore(c, p.ProjectID)
	if err != nil {
		return nil, err
	}
	m, err := store.DeleteObject(ctx, strings.TrimSpace(p.ObjectID), c.ID, p.Force)
	if err != nil {
		return nil, err
	}

	summary := fmt.Sprintf("object %s deleted", m.ObjectID)
	if p.Force {
		summary += " (forced)"
	}
	s.record(ctx, activity.Entry{
		ProjectID: m.ProjectID,
		ClientID:  &c.ID,
		ObjectID:  &m.ObjectID,
		Type:      activity.TypeObjectDeleted,
		Summary:   summary,
		Version:   m.Version,
	})
	return protocol.VersionReply{ObjectID: m.ObjectID, Version: m.Version}, nil
}

func (s *Service) checkoutAcquire(_ context.Context, req protocol.Request) (any, error) {
	var p protocol.CheckoutPayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	c, err := s.client(req)
	if err != nil {
		return nil, err
	}
	store, err := s.boundStore(c, p.ProjectID)
	if err != nil {
		return nil, err
	}
	objectID := strings.TrimSpace(p.ObjectID)
	if _, err := store.GetObject(objectID); err != nil {
		return nil, err
	}

	key := checkout.Key{ProjectID: store.ProjectID(), ObjectID: objectID}
	rec, err := s.checkouts.Acquire(key, c.ID)
	if errors.Is(err, checkout.ErrAlreadyCheckedOut) {
		return nil, withDetails(err, protocol.CheckoutFromRecord(rec))
	}
	if err != nil {
		return nil, err
	}
	// A delete may have committed between the lookup and the grant.
	if _, err := store.GetObject(objectID); err != nil {
		_ = s.checkouts.Release(key, c.ID)
		return nil, err
	}
	return protocol.CheckoutFromRecord(rec), nil
}

func (s *Service) checkoutRelease(_ context.Context, req protocol.Request) (any, error) {
	var p protocol.CheckoutPayload
	if err := req.Decode(&p); err != nil {
		return nil, err
	}
	c, err := s.client(req)
	if err != nil {
		return nil, err
	}
	store, err := s.boundStore(c, p.ProjectID)
	if err != nil {
		return nil, err
	}
	objectID := strings.TrimSpace(p.ObjectID)
	if err := s.checkouts.Release(checkout.Key{ProjectID: store.ProjectID(), ObjectID: objectID}, c.ID); err != nil {
		return nil, err
	}
	return protocol.ReleaseReply{ObjectID: objectID}, nil
}
