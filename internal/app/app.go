// Package app wires the coordinator's services, HTTP surface and
// background workers together.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Iminance/realityflow-2/internal/commands"
	"github.com/Iminance/realityflow-2/internal/config"
	"github.com/Iminance/realityflow-2/internal/domain/activity"
	"github.com/Iminance/realityflow-2/internal/domain/checkout"
	"github.com/Iminance/realityflow-2/internal/domain/project"
	"github.com/Iminance/realityflow-2/internal/domain/reconcile"
	"github.com/Iminance/realityflow-2/internal/domain/scene"
	"github.com/Iminance/realityflow-2/internal/domain/session"
	"github.com/Iminance/realityflow-2/internal/mcp"
	"github.com/Iminance/realityflow-2/internal/persistence"
	"github.com/Iminance/realityflow-2/internal/protocol"
	"github.com/Iminance/realityflow-2/internal/transport"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

// App holds the wired coordinator.
type App struct {
	Projects  *project.Service
	Activity  *activity.Service
	APIKeys   *persistence.APIKeyRepository
	Checkouts *checkout.Manager
	Stores    *scene.Registry
	Sessions  *session.Registry
	Commands  *protocol.Registry
	Admin     *sdkmcp.Server
	Handler   http.Handler

	cfg    config.Config
	logger *slog.Logger
}

// Options carries build-time values that are not part of the config file.
type Options struct {
	Version string
	Logger  *slog.Logger
}

// New builds every service on top of db. db must already be migrated.
func New(cfg config.Config, db *persistence.DB, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	projects := project.NewService(persistence.NewProjectRepository(db), logger)
	activitySvc := activity.NewService(persistence.NewActivityRepository(db), logger)
	apiKeys := persistence.NewAPIKeyRepository(db)

	checkouts := checkout.NewManager(checkout.Options{
		LeaseDuration: cfg.Checkout.LeaseDuration,
		Logger:        logger.With("component", "checkout"),
	})
	stores := scene.NewRegistry(persistence.NewGateway(db), checkouts, scene.StoreOptions{
		LogRetention: cfg.Sync.LogRetention,
		Retry: scene.RetryPolicy{
			InitialInterval: cfg.Persistence.RetryInitial,
			MaxInterval:     cfg.Persistence.RetryMax,
		},
		OnHalt: func(projectID, reason string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			activitySvc.Record(ctx, activity.Entry{
				ProjectID: projectID,
				Type:      activity.TypeProjectHalted,
				Summary:   "Project halted: " + reason,
			})
		},
	}, logger.With("component", "scene"))
	engine := reconcile.NewEngine(reconcile.Options{
		MaxDeltaGap: cfg.Sync.MaxDeltaGap,
		Logger:      logger.With("component", "reconcile"),
	})
	sessions := session.NewRegistry(checkouts, stores, engine, session.Options{
		GracePeriod: cfg.Session.GracePeriod,
		Activity:    activitySvc,
		Logger:      logger.With("component", "session"),
	})

	registry := protocol.NewRegistry(logger.With("component", "dispatch"))
	handlers := commands.NewService(commands.Deps{
		Projects:  projects,
		Stores:    stores,
		Checkouts: checkouts,
		Sessions:  sessions,
		Activity:  activitySvc,
		Logger:    logger.With("component", "commands"),
	})
	if err := handlers.Register(registry); err != nil {
		return nil, fmt.Errorf("register commands: %w", err)
	}
	registry.Seal()

	ws := transport.NewWebSocketHandler(sessions, registry, transport.WebSocketOptions{
		SendBuffer: cfg.Session.SendBuffer,
		MapError:   commands.MapError,
		Logger:     logger.With("component", "transport"),
	})

	a := &App{
		Projects:  projects,
		Activity:  activitySvc,
		APIKeys:   apiKeys,
		Checkouts: checkouts,
		Stores:    stores,
		Sessions:  sessions,
		Commands:  registry,
		cfg:       cfg,
		logger:    logger,
	}

	if cfg.Admin.Mode != "off" {
		a.Admin = mcp.NewServer(mcp.Config{
			Services: mcp.Services{
				Projects:  projects,
				Stores:    stores,
				Checkouts: checkouts,
				Sessions:  sessions,
				Activity:  activitySvc,
				Keys:      apiKeys,
			},
			Resolver:      apiKeys,
			AuthEnabled:   cfg.Auth.Enabled,
			TransportMode: cfg.Admin.Mode,
			Version:       opts.Version,
			Logger:        logger.With("component", "mcp"),
		})
	}

	serverCfg := transport.ServerConfig{WebSocket: ws}
	if cfg.Auth.Enabled {
		serverCfg.Auth = transport.AuthMiddleware(apiKeys)
	}
	if a.Admin != nil && cfg.Admin.Mode == "http" {
		admin := a.Admin
		serverCfg.MCP = sdkmcp.NewStreamableHTTPHandler(
			func(*http.Request) *sdkmcp.Server { return admin },
			&sdkmcp.StreamableHTTPOptions{SessionTimeout: 30 * time.Minute},
		)
	}
	a.Handler = transport.NewServer(serverCfg)

	return a, nil
}

// RunWorkers runs the checkout and session sweepers until ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Checkouts.RunSweeper(ctx, a.cfg.Checkout.SweepInterval)
		return nil
	})
	g.Go(func() error {
		a.Sessions.RunRetentionSweeper(ctx, a.cfg.Session.SweepInterval)
		return nil
	})
	return g.Wait()
}

// Serve runs the HTTP server and the background workers until ctx is
// canceled, then shuts everything down.
func (a *App) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.RunWorkers(ctx)
	})
	if a.Admin != nil && a.cfg.Admin.Mode == "stdio" {
		g.Go(func() error {
			a.logger.Info("starting stdio admin transport")
			if err := a.Admin.Run(ctx, &sdkmcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				return fmt.Errorf("stdio admin: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		a.logger.Info("server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.Info("shutting down")
		return server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := a.Close(closeCtx); cerr != nil {
		a.logger.Error("flush on shutdown failed", "error", cerr)
	}
	return err
}

// Close disconnects every client and flushes pending project writes.
func (a *App) Close(ctx context.Context) error {
	a.Sessions.Close()
	return a.Stores.Close(ctx)
}
