// Package server exposes the HTTP surface: the streaming proxy under
// /api/stream and cache administration under /api/cache.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/liusanp/NOProxy/internal/cache"
	"github.com/liusanp/NOProxy/internal/config"
	"github.com/liusanp/NOProxy/internal/log"
	"github.com/liusanp/NOProxy/internal/precache"
	"github.com/liusanp/NOProxy/internal/resolver"
	"github.com/liusanp/NOProxy/internal/upstream"
)

// Server wires the cache store, resolver and upstream client into handlers.
type Server struct {
	cfg       *config.Config
	store     *cache.Store
	resolver  resolver.Resolver
	client    *upstream.Client
	scheduler *precache.Scheduler
	logger    zerolog.Logger

	memoMu  sync.RWMutex
	urlMemo map[string]*resolver.MediaReference
}

// New builds a Server.
func New(cfg *config.Config, store *cache.Store, res resolver.Resolver, client *upstream.Client) *Server {
	return &Server{
		cfg:       cfg,
		store:     store,
		resolver:  res,
		client:    client,
		scheduler: precache.New(store, res, client, cfg.PrecacheConcurrency),
		logger:    log.WithComponent("server"),
		urlMemo:   make(map[string]*resolver.MediaReference),
	}
}

// Router assembles all routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/stream", func(r chi.Router) {
		r.Get("/segment/{token}", s.handleSegment)
		r.Get("/cached-segment/{id}/{name}", s.handleCachedSegment)
		r.Get("/direct", s.handleDirect)
		r.Delete("/cache", s.handleClearURLMemo)
		r.Get("/image/{id}", s.handleImage)
		r.Get("/{id}", s.handleStream)
	})

	r.Get("/api/list/{page}", s.handleListPage)

	r.Route("/api/cache", func(r chi.Router) {
		r.Get("/", s.handleCacheList)
		r.Post("/precache", s.handlePrecache)
		r.Get("/{id}", s.handleCacheStatus)
		r.With(s.requireAdmin).Delete("/{id}", s.handleCacheDelete)
		r.With(s.requireAdmin).Delete("/", s.handleCacheClear)
	})

	return r
}

// ListenAndServe runs the HTTP server on the configured port.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.logger.Info().Str("addr", addr).Msg("listening")
	return http.ListenAndServe(addr, s.Router())
}

// requireAdmin gates destructive cache routes behind the configured admin
// token. An empty configured token disables the check.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken != "" && r.Header.Get("X-Admin-Token") != s.cfg.AdminToken {
			writeError(w, http.StatusForbidden, "admin privilege required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// memoized returns the remembered media reference for an id, if any.
func (s *Server) memoized(id string) *resolver.MediaReference {
	s.memoMu.RLock()
	defer s.memoMu.RUnlock()
	return s.urlMemo[id]
}

func (s *Server) memoize(id string, ref *resolver.MediaReference) {
	s.memoMu.Lock()
	s.urlMemo[id] = ref
	s.memoMu.Unlock()
}

func (s *Server) handleClearURLMemo(w http.ResponseWriter, _ *http.Request) {
	s.memoMu.Lock()
	s.urlMemo = make(map[string]*resolver.MediaReference)
	s.memoMu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"message": "stream url cache cleared"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func writeManifest(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content)) //nolint:errcheck
}
