// Package statusapi exposes a small read-only HTTP surface for the
// lifetime of a boot run, so the out-of-scope CLI/IPC layer (spec.md §6)
// has something to scrape without shelling back into the engine. Grounded
// on the teacher's router/middleware wiring (cmd/api/main.go,
// lib/middleware/oapi_auth.go) but deliberately not OpenAPI-generated:
// three GETs with no request body have no schema worth codegen-ing
// against (see DESIGN.md).
package statusapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/riandyrn/otelchi"

	"github.com/hybridmount/mountd/internal/module"
	"github.com/hybridmount/mountd/internal/planner"
	"github.com/hybridmount/mountd/internal/runtimestate"
)

// Snapshot is the read-only data the status surface serves. It is
// assembled once, right after a boot run completes, and held for the
// remaining lifetime of the process — this daemon performs one mount pass
// and then idles serving status, it never re-scans.
type Snapshot struct {
	State       *runtimestate.State
	Modules     []module.Module
	Diagnostics *planner.AnalysisReport
}

// Server serves Snapshot over chi-routed GET endpoints, optionally
// requiring a bearer JWT when a secret is configured.
type Server struct {
	snapshot    Snapshot
	jwtSecret   string
	serviceName string
	logger      *slog.Logger
}

// New builds a Server. jwtSecret == "" disables authentication, logging a
// warning the same way the teacher's daemon does for an unset JWT secret
// (cmd/api/main.go's "JWT_SECRET not configured" check).
func New(snapshot Snapshot, jwtSecret, serviceName string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if serviceName == "" {
		serviceName = "hybridmountd"
	}
	s := &Server{snapshot: snapshot, jwtSecret: jwtSecret, serviceName: serviceName, logger: logger}
	if jwtSecret == "" {
		logger.Warn("statusapi_jwt_secret not configured - status API will serve unauthenticated")
	}
	return s
}

// Router builds the chi router serving /state, /modules, /diagnostics.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(otelchi.Middleware(s.serviceName))
	if s.jwtSecret != "" {
		r.Use(s.jwtAuth)
	}

	r.Get("/state", s.handleState)
	r.Get("/modules", s.handleModules)
	r.Get("/diagnostics", s.handleDiagnostics)
	return r
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.snapshot.State)
}

func (s *Server) handleModules(w http.ResponseWriter, _ *http.Request) {
	modules := s.snapshot.Modules
	if modules == nil {
		modules = []module.Module{}
	}
	writeJSON(w, modules)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, _ *http.Request) {
	report := s.snapshot.Diagnostics
	if report == nil {
		report = &planner.AnalysisReport{}
	}
	writeJSON(w, report)
}

// jwtAuth validates an HS256 bearer token against s.jwtSecret, mirroring
// the teacher's OapiAuthenticationFunc (lib/middleware/oapi_auth.go)
// trimmed to this surface's single signing method and no scoped claims.
func (s *Server) jwtAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get("Authorization"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return []byte(s.jwtSecret), nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(header string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", errors.New("missing bearer prefix")
	}
	token := strings.TrimPrefix(header, prefix)
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"code":"error","message":%q}`, message)
}
