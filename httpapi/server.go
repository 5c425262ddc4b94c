// Package httpapi is the REST façade of leadscout: batch searches, the
// automation session, rate-limit status and the registry and web-search
// lookups, plus a websocket progress stream and an MCP endpoint.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/leadscout/audit"
	"github.com/hazyhaar/leadscout/batch"
	"github.com/hazyhaar/leadscout/contact"
	"github.com/hazyhaar/leadscout/linkedin"
	"github.com/hazyhaar/leadscout/ratelimit"
	"github.com/hazyhaar/leadscout/registry"
	"github.com/hazyhaar/leadscout/shield"
)

// Auth is the automation session (linkedin.Machine).
type Auth interface {
	Status() linkedin.Session
	ConnectWithCookie(ctx context.Context, cookie string) (linkedin.Session, error)
	ConnectWithCredentials(ctx context.Context, email, password string) (linkedin.Session, error)
	SubmitVerificationCode(ctx context.Context, code string) (linkedin.Session, error)
	OpenInteractiveLoginSurface(ctx context.Context) (linkedin.Session, error)
	ValidateSession(ctx context.Context) (linkedin.Session, error)
	Disconnect(ctx context.Context) (linkedin.Session, error)
	Search(ctx context.Context, query string, limit int) ([]contact.Contact, error)
}

// Batches is the batch orchestrator (batch.Orchestrator).
type Batches interface {
	StartBatch(ctx context.Context, req batch.Request) (batch.Started, error)
	Status(ctx context.Context, id string) (batch.Session, error)
	Results(ctx context.Context, id string, page, pageSize int) (batch.ResultsPage, error)
	List(ctx context.Context, page, pageSize int) (batch.History, error)
	Subscribe(ctx context.Context, id string) (<-chan batch.Session, func(), error)
}

// Limits is the shared rate limiter (ratelimit.Limiter).
type Limits interface {
	Status() []ratelimit.ServiceStatus
	Exceeded(service string) error
	RecordRequest(service string)
	EndSession(service string)
}

// Companies looks companies up in the registry (registry.Client).
type Companies interface {
	LookupCompany(ctx context.Context, name string) (*registry.Company, error)
}

// Profiles finds public profiles (websearch.Client).
type Profiles interface {
	FindProfiles(ctx context.Context, function, company string, max int) ([]contact.Contact, error)
}

// Config configures a Server.
type Config struct {
	Auth    Auth    // required
	Batches Batches // required
	Limits  Limits  // required

	Companies Companies // nil: /api/companies answers 503
	Profiles  Profiles  // nil: /api/profiles and simple-search answer 503

	// Audit, when set, records session operations and live searches and
	// serves them on /api/audit.
	Audit *audit.SQLiteLogger

	// AllowedOrigins may open the progress websocket in addition to pages
	// served from the API's own host. Requests without an Origin header
	// (non-browser clients) are always accepted.
	AllowedOrigins []string

	MaxBody int64 // Default: 1 MiB.
	Version string
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxBody <= 0 {
		c.MaxBody = 1 << 20
	}
	if c.Version == "" {
		c.Version = "dev"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Server serves the API.
type Server struct {
	cfg Config
	mcp *mcp.Server
	ws  websocket.Upgrader
}

// New builds the Server and registers its MCP tools.
func New(cfg Config) *Server {
	cfg.defaults()
	s := &Server{cfg: cfg}
	s.ws = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "leadscout", Version: cfg.Version}, nil)
	s.RegisterMCP(s.mcp)
	return s
}

// Handler returns the router with the shield stack applied.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.APIStack(s.cfg.MaxBody) {
		r.Use(mw)
	}

	r.Get("/health", s.health)

	r.Route("/api/searches", func(r chi.Router) {
		r.Post("/", s.startSearch)
		r.Get("/", s.listSearches)
		r.Get("/{id}", s.searchStatus)
		r.Get("/{id}/results", s.searchResults)
		r.Get("/{id}/events", s.searchEvents)
	})

	r.Route("/api/linkedin", func(r chi.Router) {
		r.Get("/status", s.authStatus)
		r.Post("/connect-cookie", s.connectCookie)
		r.Post("/connect", s.connectCredentials)
		r.Post("/verify-code", s.verifyCode)
		r.Post("/open-browser", s.openBrowser)
		r.Post("/validate-session", s.validateSession)
		r.Post("/disconnect", s.disconnect)
		r.Post("/search", s.adhocSearch)
	})

	r.Get("/api/rate-limits", s.rateLimits)
	r.Get("/api/companies", s.lookupCompany)
	r.Get("/api/profiles", s.findProfiles)
	r.Post("/api/prospects/simple-search", s.simpleSearch)
	r.Get("/api/audit", s.auditLog)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
	r.Handle("/mcp", mcpHandler)
	r.Handle("/mcp/*", mcpHandler)
	return r
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.cfg.Version,
		"linkedin": s.cfg.Auth.Status().Status,
	})
}
