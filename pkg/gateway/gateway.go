package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/havocsh/havoc-sub000/pkg/apierr"
	"github.com/havocsh/havoc-sub000/pkg/auth"
	"github.com/havocsh/havoc-sub000/pkg/log"
	"github.com/havocsh/havoc-sub000/pkg/metrics"
	"github.com/havocsh/havoc-sub000/pkg/orchestrator"
	"github.com/havocsh/havoc-sub000/pkg/tasks"
	"github.com/havocsh/havoc-sub000/pkg/types"
	"github.com/havocsh/havoc-sub000/pkg/users"
)

type ctxKey int

const authCtxKey ctxKey = 0

// Server is the HTTP request gateway: it authenticates every call, then
// dispatches the request envelope to the owning manager.
type Server struct {
	verifier     *auth.Verifier
	tasks        *tasks.Manager
	orchestrator *orchestrator.Orchestrator
	users        *users.Manager

	handlers   map[string]resourceHandler
	httpServer *http.Server
}

// ServerConfig wires the gateway's collaborators
type ServerConfig struct {
	ListenAddr   string
	Verifier     *auth.Verifier
	Tasks        *tasks.Manager
	Orchestrator *orchestrator.Orchestrator
	Users        *users.Manager
}

// NewServer creates the gateway
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		verifier:     cfg.Verifier,
		tasks:        cfg.Tasks,
		orchestrator: cfg.Orchestrator,
		users:        cfg.Users,
	}
	s.handlers = map[string]resourceHandler{
		types.ResourceTask:      &taskHandler{s},
		types.ResourceListener:  &listenerHandler{s},
		types.ResourceDomain:    &domainHandler{s},
		types.ResourcePortGroup: &portGroupHandler{s},
		types.ResourceUser:      &userHandler{s},
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/api", s.handleEnvelope)
		r.Post("/register_task", s.handleRegisterTask)
		r.Post("/get_commands", s.handleGetCommands)
		r.Post("/post_results", s.handlePostResults)
	})

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start serves until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.WithComponent("gateway").Info().
			Str("address", s.httpServer.Addr).
			Msg("gateway listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// authenticate verifies the three signature headers and attaches the
// authorization context. Every failure collapses to the same denied
// response.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx, err := s.verifier.Verify(
			r.Header.Get(auth.HeaderAPIKey),
			r.Header.Get(auth.HeaderSigDate),
			r.Header.Get(auth.HeaderSignature),
		)
		if err != nil {
			metrics.AuthDeniedTotal.Inc()
			log.WithComponent("gateway").Warn().
				Str("remote", r.RemoteAddr).
				Str("path", r.URL.Path).
				Msg("request denied")
			writeJSON(w, http.StatusForbidden, map[string]any{
				"outcome": types.OutcomeFailed,
				"message": "denied",
			})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authCtxKey, authCtx)))
	})
}

func authContext(r *http.Request) *auth.Context {
	ctx, _ := r.Context().Value(authCtxKey).(*auth.Context)
	return ctx
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.WithComponent("gateway").Error().Err(err).Msg("failed to encode response")
	}
}

// writeResult renders the response envelope for a completed operation
func writeResult(w http.ResponseWriter, message string, fields map[string]any) {
	payload := map[string]any{
		"outcome": types.OutcomeSuccess,
		"message": message,
	}
	for k, v := range fields {
		payload[k] = v
	}
	writeJSON(w, http.StatusOK, payload)
}

// writeError renders the response envelope for a failed operation
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apierr.HTTPStatus(err), map[string]any{
		"outcome": types.OutcomeFailed,
		"message": err.Error(),
	})
}
