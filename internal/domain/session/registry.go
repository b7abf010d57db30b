package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Iminance/realityflow-2/internal/domain/activity"
	"github.com/Iminance/realityflow-2/internal/domain/checkout"
	"github.com/Iminance/realityflow-2/internal/domain/reconcile"
	"github.com/Iminance/realityflow-2/internal/domain/scene"
	"github.com/Iminance/realityflow-2/internal/metrics"
	"github.com/Iminance/realityflow-2/internal/protocol"
	"github.com/oklog/ulid/v2"
)

// DefaultGracePeriod is used when Options.GracePeriod is zero.
const DefaultGracePeriod = 2 * time.Minute

// activityBuffer bounds audit entries waiting for the recorder.
const activityBuffer = 1024

// Options configures a Registry.
type Options struct {
	GracePeriod time.Duration
	Activity    ActivityRecorder
	Clock       func() time.Time
	Logger      *slog.Logger
}

// Registry tracks connected clients, binds them to projects and fans
// committed mutations out to them in version order.
type Registry struct {
	checkouts *checkout.Manager
	stores    *scene.Registry
	engine    *reconcile.Engine
	grace     time.Duration
	activity  ActivityRecorder
	clock     func() time.Time
	logger    *slog.Logger

	clients sync.Map // id -> *Client

	retainMu sync.Mutex
	retained map[retainKey]retained

	entries chan activity.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a session registry and subscribes it to store opens
// and checkout transitions.
func NewRegistry(checkouts *checkout.Manager, stores *scene.Registry, engine *reconcile.Engine, opts Options) *Registry {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		checkouts: checkouts,
		stores:    stores,
		engine:    engine,
		grace:     opts.GracePeriod,
		activity:  opts.Activity,
		clock:     opts.Clock,
		logger:    opts.Logger,
		retained:  make(map[retainKey]retained),
		ctx:       ctx,
		cancel:    cancel,
	}
	if r.activity != nil {
		r.entries = make(chan activity.Entry, activityBuffer)
		r.wg.Add(1)
		go r.recordLoop()
	}
	stores.OnOpen(r.follow)
	checkouts.OnChange(r.broadcastCheckout)
	return r
}

// Connect registers a new client on conn.
func (r *Registry) Connect(conn Conn, deviceID, userID string) *Client {
	c := &Client{
		ID:          ulid.Make().String(),
		UserID:      userID,
		ConnectedAt: r.clock(),
		conn:        conn,
		deviceID:    strings.TrimSpace(deviceID),
	}
	r.clients.Store(c.ID, c)
	metrics.ConnectedClients.Inc()
	r.logger.Info("client connected", "client_id", c.ID, "device_id", c.deviceID, "user_id", userID)
	return c
}

// Get returns a connected client.
func (r *Registry) Get(clientID string) (*Client, bool) {
	v, ok := r.clients.Load(clientID)
	if !ok {
		return nil, false
	}
	return v.(*Client), true
}

// Disconnect removes the client, releases every checkout it holds and
// retains its snapshot for the grace period. Calling it twice is harmless.
func (r *Registry) Disconnect(clientID string) {
	v, ok := r.clients.LoadAndDelete(clientID)
	if !ok {
		return
	}
	c := v.(*Client)
	metrics.ConnectedClients.Dec()

	released := r.checkouts.ReleaseAll(c.ID)

	c.mu.Lock()
	projectID, deviceID := c.projectID, c.deviceID
	if c.snapshot.Synced() && deviceID != "" {
		r.retain(retainKey{deviceID: deviceID, projectID: projectID}, c.snapshot.Clone())
	}
	c.mu.Unlock()

	c.conn.Close("disconnected")
	r.logger.Info("client disconnected",
		"client_id", c.ID,
		"project_id", projectID,
		"released_checkouts", len(released),
	)
	if projectID != "" {
		r.record(activity.Entry{
			ProjectID: projectID,
			ClientID:  &c.ID,
			Type:      activity.TypeClientDisconnected,
			Summary:   fmt.Sprintf("client %s left, %d checkouts released", c.ID, len(released)),
		})
	}
}

func (r *Registry) retain(key retainKey, snap *reconcile.ClientSnapshot) {
	r.retainMu.Lock()
	defer r.retainMu.Unlock()
	r.retained[key] = retained{snapshot: snap, expires: r.clock().Add(r.grace)}
}

func (r *Registry) takeRetained(key retainKey) *reconcile.ClientSnapshot {
	r.retainMu.Lock()
	defer r.retainMu.Unlock()
	ret, ok := r.retained[key]
	if !ok {
		return nil
	}
	delete(r.retained, key)
	if r.clock().After(ret.expires) {
		return nil
	}
	return ret.snapshot
}

// RetainedCount returns the number of snapshots awaiting a reconnect.
func (r *Registry) RetainedCount() int {
	r.retainMu.Lock()
	defer r.retainMu.Unlock()
	return len(r.retained)
}

// SweepRetained drops snapshots whose grace period ended before now.
func (r *Registry) SweepRetained(now time.Time) int {
	r.retainMu.Lock()
	defer r.retainMu.Unlock()
	n := 0
	for key, ret := range r.retained {
		if now.After(ret.expires) {
			delete(r.retained, key)
			n++
		}
	}
	return n
}

// RunRetentionSweeper calls SweepRetained every interval until ctx is done.
func (r *Registry) RunRetentionSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.SweepRetained(r.clock()); n > 0 {
				r.logger.Debug("retained snapshots expired", "count", n)
			}
		}
	}
}

// Bind attaches c to projectID and sends the reconciliation reply for
// code/correlationID. A client reconnecting from a device with a retained
// snapshot receives a delta; everyone else, including a client fetching
// again on the same connection, receives a full snapshot. The
// reply is sent while c is locked so no fan-out frame can overtake it.
func (r *Registry) Bind(ctx context.Context, c *Client, projectID, deviceID string, code protocol.Code, correlationID string) error {
	store, err := r.stores.Open(ctx, projectID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if deviceID = strings.TrimSpace(deviceID); deviceID != "" {
		c.deviceID = deviceID
	}
	switched := c.projectID != "" && c.projectID != projectID
	c.projectID = projectID
	c.snapshot = r.takeRetained(retainKey{deviceID: c.deviceID, projectID: projectID})
	if c.snapshot == nil {
		c.snapshot = reconcile.NewClientSnapshot(projectID)
	}
	resumed := c.snapshot.Synced()
	err = r.deliver(c, store, code, correlationID)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if switched {
		r.checkouts.ReleaseAll(c.ID)
	}
	r.logger.Info("client bound to project",
		"client_id", c.ID,
		"project_id", projectID,
		"resumed", resumed,
	)
	r.record(activity.Entry{
		ProjectID: projectID,
		ClientID:  &c.ID,
		Type:      activity.TypeClientConnected,
		Summary:   fmt.Sprintf("client %s joined from device %s", c.ID, c.DeviceID()),
		Version:   store.Version(),
	})
	return nil
}

// Resync answers PROJECT_SYNC: the client states the version it holds and
// receives everything after it.
func (r *Registry) Resync(c *Client, lastSyncedVersion int64, correlationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.projectID == "" {
		return ErrProjectNotOpen
	}
	if lastSyncedVersion < 0 {
		return ErrInvalidInput
	}
	store, ok := r.stores.Get(c.projectID)
	if !ok {
		return ErrProjectNotOpen
	}
	snap := reconcile.NewClientSnapshot(c.projectID)
	snap.LastSyncedVersion = lastSyncedVersion
	c.snapshot = snap
	return r.deliver(c, store, protocol.ProjectSync, correlationID)
}

// deliver computes the client's reconciliation result and sends it as the
// reply to code. c.mu must be held.
func (r *Registry) deliver(c *Client, store *scene.Store, code protocol.Code, correlationID string) error {
	res, err := r.engine.Delta(store, c.snapshot)
	if err != nil {
		return err
	}
	var checkouts []checkout.Record
	if res.Mode == reconcile.ModeFull {
		checkouts = r.checkouts.List(store.ProjectID())
	}
	c.snapshot.ApplyResult(res)
	return c.conn.Send(code, correlationID, protocol.SyncReplyFrom(res, checkouts))
}

// List returns connected clients, optionally only those bound to projectID.
func (r *Registry) List(projectID string) []ClientInfo {
	var out []ClientInfo
	r.clients.Range(func(_, v any) bool {
		info := v.(*Client).Info()
		if projectID == "" || info.ProjectID == projectID {
			out = append(out, info)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) bound(projectID string) []*Client {
	var out []*Client
	r.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		if c.ProjectID() == projectID {
			out = append(out, c)
		}
		return true
	})
	return out
}

// follow runs for the lifetime of a store and pushes each commit to the
// project's clients.
func (r *Registry) follow(store *scene.Store) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			changed := store.Changed()
			for _, c := range r.bound(store.ProjectID()) {
				r.catchUp(c, store)
			}
			select {
			case <-r.ctx.Done():
				return
			case <-store.Done():
				return
			case <-changed:
			}
		}
	}()
}

// catchUp brings one client up to the store's version. Each client is
// advanced from its own snapshot, so frames arrive in version order no
// matter how commits and fetches interleave.
func (r *Registry) catchUp(c *Client, store *scene.Store) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.projectID != store.ProjectID() || !c.snapshot.Synced() {
		return
	}
	res, err := r.engine.Delta(store, c.snapshot)
	if err != nil {
		r.logger.Error("fan-out delta failed", "client_id", c.ID, "project_id", c.projectID, "error", err)
		return
	}

	if res.Mode == reconcile.ModeFull {
		c.snapshot.ApplyResult(res)
		reply := protocol.SyncReplyFrom(res, r.checkouts.List(store.ProjectID()))
		if err := c.conn.Send(protocol.ProjectSnapshot, "", reply); err != nil {
			r.logger.Warn("snapshot push failed", "client_id", c.ID, "error", err)
		}
		return
	}
	for _, m := range c.snapshot.ApplyResult(res) {
		if err := c.conn.Send(protocol.ObjectMutated, "", protocol.MutationFromScene(m)); err != nil {
			r.logger.Warn("mutation push failed", "client_id", c.ID, "version", m.Version, "error", err)
			return
		}
	}
}

func (r *Registry) broadcastCheckout(ev checkout.Event) {
	metrics.CheckoutEvents.WithLabelValues(string(ev.Kind)).Inc()

	payload := protocol.CheckoutEventFrom(ev)
	for _, c := range r.bound(ev.Record.ProjectID) {
		if err := c.conn.Send(protocol.CheckoutChanged, "", payload); err != nil {
			r.logger.Warn("checkout push failed", "client_id", c.ID, "error", err)
		}
	}

	switch ev.Kind {
	case checkout.EventAcquired, checkout.EventReleased, checkout.EventExpired, checkout.EventRevoked:
		objectID, holder := ev.Record.ObjectID, ev.Record.Holder
		r.record(activity.Entry{
			ProjectID: ev.Record.ProjectID,
			ClientID:  &holder,
			ObjectID:  &objectID,
			Type:      activity.Type("checkout_" + string(ev.Kind)),
			Summary:   fmt.Sprintf("checkout %s on %s", ev.Kind, objectID),
		})
	}
}

// record queues entry for the recorder without waiting on the database.
// Entries are written in the order they were queued.
func (r *Registry) record(entry activity.Entry) {
	if r.entries == nil {
		return
	}
	select {
	case r.entries <- entry:
	default:
		r.logger.Warn("activity queue full, entry dropped", "project_id", entry.ProjectID, "type", string(entry.Type))
	}
}

func (r *Registry) recordLoop() {
	defer r.wg.Done()
	for {
		select {
		case entry := <-r.entries:
			r.activity.Record(r.ctx, entry)
		case <-r.ctx.Done():
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case entry := <-r.entries:
					r.activity.Record(ctx, entry)
				default:
					return
				}
			}
		}
	}
}

// Close disconnects every client and stops the fan-out followers.
func (r *Registry) Close() {
	r.clients.Range(func(k, _ any) bool {
		r.Disconnect(k.(string))
		return true
	})
	r.cancel()
	r.wg.Wait()
}
