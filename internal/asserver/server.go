// Package asserver exposes the admin HTTP surface over the engine:
// policy dump, reload, and health, grounded on the teacher's
// cmd/kernel/main.go setupRoutes (gorilla/mux, JSON handlers) with
// gorilla/handlers wrapped around the router for access logging and
// panic recovery, and an optional JWT bearer check on the mutating
// routes (golang-jwt/v5), matching SPEC_FULL.md section 11's mapping of
// gorilla/mux+handlers and golang-jwt/v5 onto this component.
package asserver

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/epics-asg/accessd/internal/asdump"
	"github.com/epics-asg/accessd/internal/asloader"
	"github.com/epics-asg/accessd/internal/asmodel"
	"github.com/epics-asg/accessd/internal/asparser"
	"github.com/epics-asg/accessd/internal/asregistry"
	"github.com/epics-asg/accessd/internal/jsonx"
)

// Server is the admin HTTP surface. It holds no engine state of its
// own; every handler reads the registry's current snapshot or drives
// the loader.
type Server struct {
	reg       *asregistry.Registry
	loader    *asloader.Loader
	opts      asparser.Options
	jwtSecret []byte
	logger    *zap.Logger

	router *mux.Router
}

// New builds the admin router. jwtSecret may be empty to disable auth,
// which callers should only do for local development.
func New(reg *asregistry.Registry, loader *asloader.Loader, opts asparser.Options, jwtSecret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		reg:       reg,
		loader:    loader,
		opts:      opts,
		jwtSecret: []byte(jwtSecret),
		logger:    logger.Named("asserver"),
	}
	s.router = mux.NewRouter()
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/dump", s.handleDump).Methods(http.MethodGet)
	s.router.Handle("/reload", s.requireAuth(http.HandlerFunc(s.handleReload))).Methods(http.MethodPost)
	return s
}

// Handler returns the fully wrapped http.Handler: gorilla/handlers'
// combined access log and panic recovery around the mux router,
// matching the teacher's use of http.Server wrapping a *mux.Router.
func (s *Server) Handler() http.Handler {
	return handlers.RecoveryHandler()(
		handlers.CombinedLoggingHandler(zapWriter{s.logger}, s.router),
	)
}

// zapWriter adapts a zap.Logger to the io.Writer CombinedLoggingHandler
// wants for its access log lines.
type zapWriter struct{ logger *zap.Logger }

func (w zapWriter) Write(p []byte) (int, error) {
	w.logger.Info("access", zap.String("line", strings.TrimRight(string(p), "\n")))
	return len(p), nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	jsonx.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"active": boolString(s.reg.Active()),
	})
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	snap := s.reg.Snapshot()
	if snap == nil {
		http.Error(w, "no policy loaded", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Query().Get("format") == "json" {
		data, err := asdump.JSON(snap)
		if err != nil {
			http.Error(w, "failed to render dump", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(asdump.Text(snap)))
}

// reloadRequest carries an inline policy body; reloading from a path on
// the server's own filesystem is not supported by this route.
type reloadRequest struct {
	PolicyText string `json:"policy_text"`
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var req reloadRequest
	if err := jsonx.NewDecoder(r.Body).Decode(&req); err != nil || req.PolicyText == "" {
		http.Error(w, "request body must carry non-empty policy_text", http.StatusBadRequest)
		return
	}
	if err := s.loader.Load(req.PolicyText, s.opts); err != nil {
		s.logger.Warn("reload rejected", zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	jsonx.NewEncoder(w).Encode(map[string]string{"status": "reloaded"})
}

// requireAuth gates a handler behind a JWT bearer token when a secret
// is configured; with no secret configured it is a no-op pass-through.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	if len(s.jwtSecret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authz := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tokenStr := strings.TrimPrefix(authz, prefix)
		_, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, asmodel.NewError(asmodel.ErrBadConfig, "unexpected signing method")
			}
			return s.jwtSecret, nil
		})
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
