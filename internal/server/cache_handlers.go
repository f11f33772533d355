package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/liusanp/NOProxy/internal/cache"
)

type cacheListResponse struct {
	Enabled   bool              `json:"enabled"`
	CacheDir  string            `json:"cache_dir"`
	TotalSize int64             `json:"total_size"`
	Entries   []cache.EntryInfo `json:"entries"`
}

type cacheStatusResponse struct {
	ContentID   string          `json:"id"`
	Cached      bool            `json:"cached"`
	Downloading bool            `json:"downloading"`
	Progress    *cache.Progress `json:"progress,omitempty"`
}

func (s *Server) handleCacheList(w http.ResponseWriter, _ *http.Request) {
	entries := s.store.List()
	if entries == nil {
		entries = []cache.EntryInfo{}
	}
	writeJSON(w, http.StatusOK, cacheListResponse{
		Enabled:   s.cfg.CacheEnabled,
		CacheDir:  s.store.Dir(),
		TotalSize: s.store.TotalSize(),
		Entries:   entries,
	})
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, cacheStatusResponse{
		ContentID:   id,
		Cached:      s.store.IsCached(id),
		Downloading: s.store.IsDownloading(id),
		Progress:    s.store.DownloadProgress(id),
	})
}

func (s *Server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	deleted, err := s.store.Delete(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delete failed: "+err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "cache entry absent")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "cache entry deleted: " + id})
}

// handlePrecache triggers bounded background caching for a batch of ids. The
// response returns immediately; downloads continue after it.
func (s *Server) handlePrecache(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "expected a non-empty ids array")
		return
	}

	go func() {
		failures := s.scheduler.Batch(context.Background(), body.IDs)
		if len(failures) > 0 {
			s.logger.Warn().Int("failed", len(failures)).Int("batch", len(body.IDs)).Msg("precache batch finished with failures")
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]any{"message": "precache started", "count": len(body.IDs)})
}

func (s *Server) handleCacheClear(w http.ResponseWriter, _ *http.Request) {
	count, err := s.store.Clear()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "clear failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": "cache cleared", "removed": count})
}
