// Package server is the wire layer: REST task lifecycle, the JSON-RPC
// envelope, the WebSocket push surface, the discovery/trust proxy, the
// sandbox, and the well-known discoverability paths. All task semantics
// live in the bridge engine; this package only translates.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/ocx/bridge/internal/auth"
	"github.com/ocx/bridge/internal/bridge"
	"github.com/ocx/bridge/internal/card"
	"github.com/ocx/bridge/internal/config"
	"github.com/ocx/bridge/internal/metrics"
	"github.com/ocx/bridge/internal/node"
	"github.com/ocx/bridge/internal/task"
	"github.com/ocx/bridge/internal/trust"
)

// sandboxInterval spaces the 3-per-hour sandbox quota.
const sandboxInterval = 20 * time.Minute

// Options wires the server's collaborators.
type Options struct {
	Config   *config.Config
	Auth     *auth.Authenticator
	Engine   *bridge.Engine
	Registry *task.Registry
	Trust    *trust.Store
	Card     *card.Descriptor
	Node     *node.Client // nil without an upstream
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// Server owns the HTTP listener and everything mounted on it.
type Server struct {
	cfg      *config.Config
	auth     *auth.Authenticator
	engine   *bridge.Engine
	registry *task.Registry
	trust    *trust.Store
	card     *card.Descriptor
	node     *node.Client
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	global  *ipLimiters
	sandbox *ipLimiters
	ws      *wsHub

	http *http.Server
}

// New assembles the router and the listener. Call Start to serve.
func New(opts Options) *Server {
	s := &Server{
		cfg:      opts.Config,
		auth:     opts.Auth,
		engine:   opts.Engine,
		registry: opts.Registry,
		trust:    opts.Trust,
		card:     opts.Card,
		node:     opts.Node,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		logger:   opts.Logger,
		sandbox:  newIPLimiters(rate.Every(sandboxInterval), 3),
	}
	if rl := opts.Config.RateLimit; rl.Enabled && rl.Max > 0 {
		window := rl.WindowMS
		if window <= 0 {
			window = time.Minute
		}
		s.global = newIPLimiters(rate.Limit(float64(rl.Max)/window.Seconds()), rl.Max)
	}
	s.ws = newWSHub(s)

	// No WriteTimeout: long-poll waits and WebSocket sessions outlive any
	// fixed write deadline.
	s.http = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", opts.Config.Host, opts.Config.Port),
		Handler:     s.router(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

func (s *Server) router() http.Handler {
	r := mux.NewRouter()

	r.Use(s.recoverMiddleware)
	r.Use(securityHeadersMiddleware)
	r.Use(bodyLimitMiddleware(s.cfg.Limits.BodyLimit))
	r.Use(s.rateLimitMiddleware)
	r.Use(s.loggingMiddleware)

	// Discoverability, unauthenticated.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/llms.txt", s.handleLLMS).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/agent.json", s.handleCard).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/agent-card.json", s.handleCard).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/a2a.json", s.handleCard).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	// Task lifecycle, authenticated.
	tasks := r.PathPrefix("/task").Subrouter()
	tasks.Use(s.authMiddleware)
	tasks.HandleFunc("", s.handleSubmit).Methods(http.MethodPost)
	tasks.HandleFunc("/{id}", s.handleGetTask).Methods(http.MethodGet)
	tasks.HandleFunc("/{id}", s.handleCancelTask).Methods(http.MethodDelete)

	// JSON-RPC envelope, authenticated like the REST task routes.
	r.Handle("/", s.authMiddleware(http.HandlerFunc(s.handleRPC))).Methods(http.MethodPost)
	r.Handle("/a2a", s.authMiddleware(http.HandlerFunc(s.handleRPC))).Methods(http.MethodPost)

	// Push surface; auth happens at the handshake.
	r.HandleFunc("/ws", s.ws.handleUpgrade).Methods(http.MethodGet)

	// Upstream node proxy and the trust view.
	r.HandleFunc("/discovery/agents", s.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc("/discovery/agents/{did}", s.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc("/discovery/search", s.handleDiscovery).Methods(http.MethodPost)
	r.HandleFunc("/trust/{did}", s.handleTrust).Methods(http.MethodGet)

	// Unauthenticated trial path.
	r.HandleFunc("/sandbox", s.handleSandbox).Methods(http.MethodPost)

	r.NotFoundHandler = s.loggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
	}))
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed for this endpoint")
	})

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.CORS.Origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "x-api-key", "x-payment", "x-client-did"},
		MaxAge:         300,
	})
	return c.Handler(r)
}

// Start serves until the listener closes. It returns nil after a clean
// Shutdown.
func (s *Server) Start() error {
	s.logger.Info("listening", "addr", s.http.Addr, "mock", s.engine.Mock())
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and waits for in-flight requests,
// bounded by ctx. Open WebSockets are closed first so their read loops
// unblock.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ws.closeAll()
	return s.http.Shutdown(ctx)
}

// Addr is the configured listen address.
func (s *Server) Addr() string { return s.http.Addr }
