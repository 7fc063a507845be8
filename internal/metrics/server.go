// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package metrics

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Server exposes /metrics on a dedicated listener.
type Server struct {
	server *http.Server
}

// ParseBasicAuthUsers parses "user:bcryptHash,user2:bcryptHash".
func ParseBasicAuthUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		user, hash, ok := strings.Cut(entry, ":")
		if !ok || user == "" || hash == "" {
			return nil, fmt.Errorf("invalid metrics basic auth entry %q: expected user:bcryptHash", entry)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("metrics basic auth user %q: %w", user, err)
		}
		users[user] = hash
	}
	return users, nil
}

// NewServer builds the metrics server. Empty basicAuthUsers leaves the endpoint open.
func NewServer(collector *Collector, host string, port int, basicAuthUsers string) (*Server, error) {
	users, err := ParseBasicAuthUsers(basicAuthUsers)
	if err != nil {
		return nil, err
	}

	return &Server{
		server: &http.Server{
			Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
			Handler:           NewHandler(collector, users),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// NewHandler returns the router serving /metrics.
func NewHandler(collector *Collector, users map[string]string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	if len(users) > 0 {
		r.Use(basicAuth(users))
	}
	r.Method(http.MethodGet, "/metrics", collector.Handler())
	return r
}

func basicAuth(users map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if ok {
				if hash, exists := users[user]; exists && bcrypt.CompareHashAndPassword([]byte(hash), []byte(pass)) == nil {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		})
	}
}

func (s *Server) Addr() string {
	return s.server.Addr
}

// ListenAndServe blocks until Shutdown.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
