package mcp

import (
	"context"
	"log/slog"

	"github.com/Iminance/realityflow-2/internal/domain/activity"
	"github.com/Iminance/realityflow-2/internal/domain/checkout"
	"github.com/Iminance/realityflow-2/internal/domain/project"
	"github.com/Iminance/realityflow-2/internal/domain/scene"
	"github.com/Iminance/realityflow-2/internal/domain/session"
	"github.com/Iminance/realityflow-2/internal/persistence"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ProjectService defines project operations needed by MCP.
type ProjectService interface {
	List(ctx context.Context) ([]project.ProjectSummary, error)
	Get(ctx context.Context, id string) (*project.Project, error)
	Delete(ctx context.Context, id string) error
}

// KeyStore provisions API keys.
type KeyStore interface {
	CreateKey(ctx context.Context, userID, description string) (string, persistence.APIKey, error)
	ListKeys(ctx context.Context, userID string) ([]persistence.APIKey, error)
	RevokeKey(ctx context.Context, keyID string) error
}

// ActivityService defines activity operations needed by MCP.
type ActivityService interface {
	GetRecentActivity(ctx context.Context, opts activity.ListOptions) ([]activity.Entry, error)
}

// Services contains everything the admin tools inspect.
type Services struct {
	Projects  ProjectService
	Stores    *scene.Registry
	Checkouts *checkout.Manager
	Sessions  *session.Registry
	Activity  ActivityService
	// Keys enables the API key tools when set.
	Keys KeyStore
}

// Config contains server configuration.
type Config struct {
	Services      Services
	Resolver      UserResolver
	AuthEnabled   bool
	TransportMode string // "stdio" or "http"
	Version       string
	Logger        *slog.Logger
}

// NewServer creates and configures an MCP server with all tools and middleware.
func NewServer(cfg Config) *sdkmcp.Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	server := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "realityflow-admin",
		Version: cfg.Version,
	}, &sdkmcp.ServerOptions{
		Instructions: serverInstructions,
		Logger:       cfg.Logger,
	})

	registerDocResources(server)

	// stdio is local operator access only
	if cfg.TransportMode != "stdio" && cfg.AuthEnabled {
		server.AddReceivingMiddleware(authMiddleware(cfg.Resolver))
	} else {
		server.AddReceivingMiddleware(noAuthMiddleware("operator"))
	}
	server.AddReceivingMiddleware(trafficLoggingMiddleware(cfg.Logger, "inbound"))
	server.AddSendingMiddleware(trafficLoggingMiddleware(cfg.Logger, "outbound"))

	registerTools(server, cfg.Services, cfg.Logger)

	return server
}
