package reconcile

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/Iminance/realityflow-2/internal/domain/scene"
	"github.com/Iminance/realityflow-2/internal/metrics"
)

// DefaultMaxDeltaGap is used when Options.MaxDeltaGap is zero.
const DefaultMaxDeltaGap = 512

// Options configures an Engine.
type Options struct {
	// MaxDeltaGap is the largest version gap answered with a delta.
	MaxDeltaGap int64
	Logger      *slog.Logger
}

// Engine produces full snapshots and deltas for clients.
type Engine struct {
	maxGap int64
	logger *slog.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(opts Options) *Engine {
	if opts.MaxDeltaGap <= 0 {
		opts.MaxDeltaGap = DefaultMaxDeltaGap
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{maxGap: opts.MaxDeltaGap, logger: opts.Logger}
}

// FullSnapshot returns the whole current state of src.
func (e *Engine) FullSnapshot(src Source) Result {
	state := src.Snapshot()
	return Result{
		ProjectID: state.ProjectID,
		Mode:      ModeFull,
		Version:   state.Version,
		Objects:   state.Objects,
	}
}

func (e *Engine) fallback(src Source, reason string) Result {
	metrics.SnapshotFallbacks.WithLabelValues(reason).Inc()
	r := e.FullSnapshot(src)
	r.Reason = reason
	return r
}

// Delta returns the mutations committed after snap's last synced version,
// or a full snapshot when the client is new, on another project, further
// behind than the retained log or MaxDeltaGap, or ahead of the store.
//
// A mutation at or below the client's version, or out of order, means the
// log is corrupt: the store is halted and ErrVersionCorrupt returned.
func (e *Engine) Delta(src Source, snap *ClientSnapshot) (Result, error) {
	if !snap.Synced() || snap.ProjectID != src.ProjectID() {
		return e.FullSnapshot(src), nil
	}

	after := snap.LastSyncedVersion
	muts, version, err := src.Since(after)
	switch {
	case errors.Is(err, scene.ErrLogTruncated):
		return e.fallback(src, "truncated"), nil
	case errors.Is(err, scene.ErrVersionAhead):
		e.logger.Warn("client ahead of project", "project_id", src.ProjectID(), "client_version", after, "version", version)
		return e.fallback(src, "ahead"), nil
	case err != nil:
		return Result{}, fmt.Errorf("reading mutation log: %w", err)
	}
	if version-after > e.maxGap {
		return e.fallback(src, "gap"), nil
	}

	prev := after
	for _, m := range muts {
		if m.Version <= prev {
			reason := fmt.Sprintf("mutation version %d after %d for client at %d", m.Version, prev, after)
			src.Halt(reason)
			return Result{}, fmt.Errorf("%w: %s", scene.ErrVersionCorrupt, reason)
		}
		prev = m.Version
	}

	return Result{
		ProjectID: src.ProjectID(),
		Mode:      ModeDelta,
		Version:   version,
		Mutations: muts,
	}, nil
}
