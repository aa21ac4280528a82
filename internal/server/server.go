package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dativo-io/refguard/internal/chain"
	"github.com/dativo-io/refguard/internal/mailbox"
	"github.com/dativo-io/refguard/internal/otel"
	"github.com/dativo-io/refguard/internal/policy"
	"github.com/dativo-io/refguard/internal/untrusted"
)

const defaultTimeout = 30 * time.Second

// Server holds all dependencies for the HTTP API and MCP endpoints.
type Server struct {
	router       *chi.Mux
	orchestrator *chain.Orchestrator
	engine       *policy.Engine
	scanner      *untrusted.Scanner
	mcpServer    http.Handler // native MCP at POST /mcp
	mailbox      *mailbox.Store
	apiKeys      map[string]string
	corsOrigins  []string
	version      string
	startTime    time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithMCPServer sets the native MCP handler.
func WithMCPServer(h http.Handler) Option {
	return func(s *Server) { s.mcpServer = h }
}

// WithMailbox exposes the mailbox store under /v1/mailbox (optional).
func WithMailbox(m *mailbox.Store) Option {
	return func(s *Server) { s.mailbox = m }
}

// WithAPIKeys requires one of keys (key -> caller name) on API routes.
// Without keys the API is open and callers are reported as "anonymous".
func WithAPIKeys(keys map[string]string) Option {
	return func(s *Server) { s.apiKeys = keys }
}

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithVersion sets the version reported by / and MCP initialize.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithScanner replaces the injection scanner used by /v1/scan.
func WithScanner(sc *untrusted.Scanner) Option {
	return func(s *Server) { s.scanner = sc }
}

// NewServer builds a Server around the orchestrator and the policy engine it uses.
func NewServer(orchestrator *chain.Orchestrator, engine *policy.Engine, opts ...Option) *Server {
	s := &Server{
		router:       chi.NewRouter(),
		orchestrator: orchestrator,
		engine:       engine,
		scanner:      untrusted.NewScanner(),
		corsOrigins:  []string{"*"},
		version:      "dev",
		startTime:    time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.engine == nil {
		s.engine = policy.NewEngine(nil)
	}
	return s
}

// Routes returns the configured http.Handler (chi router with all middleware and routes).
// POST /v1/chain is registered without the request timeout middleware; the
// orchestrator enforces its own deadline and reports pending dispatches.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.Middleware())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.apiKeys))

		r.Post("/v1/chain", s.handleChain)
		if s.mcpServer != nil {
			r.Post("/mcp", s.mcpServer.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))
			r.Post("/v1/check", s.handleCheck)
			r.Post("/v1/scan", s.handleScan)
			r.Get("/v1/policy", s.handlePolicy)

			if s.mailbox != nil {
				r.Get("/v1/mailbox/messages", s.handleMailboxList)
				r.Post("/v1/mailbox/messages", s.handleMailboxAdd)
			}
		})
	})

	return r
}
