// Package api provides the HTTP surface of the function host: function
// execution, query dispatch, build status and runtime control.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/hugo-lorenzo-mato/fnhost/internal/build"
	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/datasource"
	"github.com/hugo-lorenzo-mato/fnhost/internal/diagnostics"
	"github.com/hugo-lorenzo-mato/fnhost/internal/events"
	"github.com/hugo-lorenzo-mato/fnhost/internal/logging"
	"github.com/hugo-lorenzo-mato/fnhost/internal/supervisor"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 4 << 20

// Runtime is the function runtime as seen by the API. *supervisor.Supervisor
// implements it.
type Runtime interface {
	core.FunctionRunner
	Restart() error
	Status(ctx context.Context) supervisor.Status
}

// BuildSource exposes the latest build state. *build.Pipeline implements it.
type BuildSource interface {
	State() *build.State
}

// DataManager dispatches queries. *datasource.Manager implements it.
type DataManager interface {
	ExecQuery(ctx context.Context, desc core.QueryDescriptor) core.ExecResult
	ExecPrivate(ctx context.Context, id string, query json.RawMessage) core.ExecResult
	ExecDataNodeQuery(ctx context.Context, name string, params map[string]any) core.ExecResult
	List() []datasource.Info
}

// Server provides the HTTP API.
type Server struct {
	router   chi.Router
	runtime  Runtime
	builds   BuildSource
	data     DataManager
	eventBus *events.EventBus
	metrics  *diagnostics.HostCollector
	logger   *logging.Logger
	timeout  time.Duration
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventBus enables the event stream endpoint.
func WithEventBus(bus *events.EventBus) ServerOption {
	return func(s *Server) {
		s.eventBus = bus
	}
}

// WithTimeout bounds the handling time of each non-streaming request.
func WithTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// NewServer creates a new API server.
func NewServer(runtime Runtime, builds BuildSource, data DataManager, opts ...ServerOption) *Server {
	s := &Server{
		runtime: runtime,
		builds:  builds,
		data:    data,
		metrics: diagnostics.NewHostCollector(0),
		logger:  logging.NewNop(),
		timeout: 90 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithComponent("api")

	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures Chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	// CORS for editor access
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	// Health check
	r.Get("/health", s.handleHealth)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.timeout))

			r.Get("/build", s.handleGetBuild)

			r.Route("/functions", func(r chi.Router) {
				r.Get("/", s.handleListFunctions)
				r.Post("/{name}", s.handleExecuteFunction)
			})

			r.Post("/queries", s.handleExecQuery)
			r.Post("/data/{queryName}", s.handleExecDataNode)

			r.Route("/datasources", func(r chi.Router) {
				r.Get("/", s.handleListDataSources)
				r.Post("/{id}/private", s.handleExecPrivate)
			})

			r.Get("/runtime", s.handleRuntimeStatus)
			r.Post("/runtime/restart", s.handleRestart)
		})

		// SSE endpoint for lifecycle events
		r.Get("/events", s.handleSSE)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			s.logger.Error("failed to encode response", "error", err)
		}
	}
}

// respondError sends an error in the serialized {error: {...}} shape.
func (s *Server) respondError(w http.ResponseWriter, err error) {
	se := core.Serialize(err)
	s.respondJSON(w, httpStatusForError(err), core.ExecResult{Error: se})
}

// respondResult sends a dispatch result, deriving the status from its error.
func (s *Server) respondResult(w http.ResponseWriter, res core.ExecResult) {
	status := http.StatusOK
	if res.Error != nil {
		status = httpStatusForCode(res.Error.Code)
	}
	s.respondJSON(w, status, res)
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return core.ErrValidation(core.CodeInvalidQuery, "invalid request body").WithCause(err)
}

// ListenAndServe starts the HTTP server and shuts it down when ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
