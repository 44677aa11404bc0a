// Package adminapi exposes the bridge's internal operator surface:
// health, pause/resume of the polling loops, and a status snapshot,
// routed with chi and gated behind an HS256 JWT the way
// services/otc-gateway/auth verifies bearer tokens. It deliberately
// carries no Gate/Bybit business logic — that stays entirely behind
// the venue client interfaces each subsystem package already defines.
package adminapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Controls is the shared pause switch the tick loops in cmd/bridged
// consult before doing work. Pausing never cancels in-flight calls; it
// only skips starting new ones on the next tick.
type Controls struct {
	paused atomic.Bool
}

// Paused reports whether polling is currently suspended.
func (c *Controls) Paused() bool { return c.paused.Load() }

// Pause suspends polling loops.
func (c *Controls) Pause() { c.paused.Store(true) }

// Resume re-enables polling loops.
func (c *Controls) Resume() { c.paused.Store(false) }

// Claims is the minimal set of fields the admin surface requires; any
// extra claims in the token are ignored.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// ErrUnauthorized is returned by verify when the bearer token is
// missing, malformed, expired, or lacks the admin role.
var ErrUnauthorized = errors.New("adminapi: unauthorized")

// Server wires the HTTP surface atop Controls, authenticating every
// /admin/* route with an HS256 token signed by the configured secret.
type Server struct {
	router   chi.Router
	controls *Controls
	secret   []byte
}

// NewServer constructs the admin HTTP surface. secret is the HS256
// signing key shared with whatever process mints operator tokens;
// an empty secret disables the /admin/* routes (health stays open).
func NewServer(secret string, controls *Controls) *Server {
	s := &Server{controls: controls, secret: []byte(secret)}
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/admin/pause", s.handlePause)
		r.Post("/admin/resume", s.handleResume)
		r.Get("/admin/status", s.handleStatus)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.controls.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.controls.Resume()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"paused": s.controls.Paused()})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := s.verify(r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if claims.Role != "admin" {
			http.Error(w, ErrUnauthorized.Error(), http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// verify parses and validates the bearer token against HS256 with
// Server's secret, mirroring otc-gateway/auth's validated-methods
// parsing (only the configured algorithm is ever accepted).
func (s *Server) verify(header string) (*Claims, error) {
	if len(s.secret) == 0 {
		return nil, fmt.Errorf("%w: admin surface has no signing secret configured", ErrUnauthorized)
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return nil, fmt.Errorf("%w: missing bearer token", ErrUnauthorized)
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return claims, nil
}
