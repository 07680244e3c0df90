// Package web serves the query pipeline over HTTP and websockets.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cloudbro-kube-ai/querypilot/pkg/ai"
	"github.com/cloudbro-kube-ai/querypilot/pkg/config"
	"github.com/cloudbro-kube-ai/querypilot/pkg/datasource"
	"github.com/cloudbro-kube-ai/querypilot/pkg/db"
	"github.com/cloudbro-kube-ai/querypilot/pkg/log"
	"github.com/cloudbro-kube-ai/querypilot/pkg/query"
)

// Options wires a Server. History and LLM may be nil.
type Options struct {
	Config      *config.Config
	Service     *query.Service
	Connections *datasource.Manager
	History     *db.Store
	LLM         *ai.Client
	Version     string
}

type Server struct {
	cfg     *config.Config
	svc     *query.Service
	conns   *datasource.Manager
	history *db.Store
	llm     *ai.Client
	version string

	origins originSet
	limiter *RateLimiter
	handler http.Handler

	mu     sync.Mutex
	server *http.Server
}

func NewServer(opts Options) (*Server, error) {
	if opts.Config == nil || opts.Service == nil || opts.Connections == nil {
		return nil, errors.New("web: config, service and connections are required")
	}
	s := &Server{
		cfg:     opts.Config,
		svc:     opts.Service,
		conns:   opts.Connections,
		history: opts.History,
		llm:     opts.LLM,
		version: opts.Version,
		origins: parseOrigins(opts.Config.Server.ClientURL),
	}
	if opts.Config.Server.RateLimit > 0 {
		s.limiter = NewRateLimiter(opts.Config.Server.RateLimit, time.Minute)
	}
	s.handler = s.buildHandler()
	return s, nil
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) buildHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/chat/execute", s.handleExecute)
	mux.HandleFunc("POST /api/chat/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/chat/ws", s.handleWebSocket)

	mux.HandleFunc("GET /api/databases", s.handleListDatabases)
	mux.HandleFunc("POST /api/databases", s.handleConnect)
	mux.HandleFunc("POST /api/databases/disconnect", s.handleDisconnect)
	mux.HandleFunc("GET /api/databases/{name}/schema", s.handleSchema)

	mux.HandleFunc("POST /api/validate", s.handleValidate)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/llm/status", s.handleLLMStatus)

	mux.HandleFunc("/", s.handleNotFound)

	var h http.Handler = mux
	h = maxBodyMiddleware(s.cfg.Server.MaxBodyBytes, h)
	h = rateLimitMiddleware(s.limiter, h)
	h = corsMiddleware(s.origins, h)
	h = securityHeadersMiddleware(h)
	h = requestLoggingMiddleware(h)
	return recoveryMiddleware(h)
}

// Start listens on the configured address and blocks until the server stops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It returns nil after a clean Stop.
func (s *Server) Serve(ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	log.Infof("querypilot listening on http://%s (%s)", ln.Addr(), s.cfg.Server.Environment)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests, then closes every target connection.
func (s *Server) Stop(ctx context.Context) error {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()

	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := s.conns.CloseAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":      "ok",
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
		"environment": s.cfg.Server.Environment,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"version": s.version})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	e := NewAPIError(ErrCodeNotFound, msgRouteNotFound)
	e.Path = r.URL.Path
	WriteError(w, e)
}
