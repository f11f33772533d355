package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/liusanp/NOProxy/internal/resolver"
)

// handleListPage serves one page of the upstream content listing, snapshot
// first. A snapshot fresher than the configured TTL short-circuits the
// upstream; when the upstream fails, a stale snapshot of any age is better
// than an error.
func (s *Server) handleListPage(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || page < 1 {
		writeError(w, http.StatusBadRequest, "invalid page number")
		return
	}
	key := fmt.Sprintf("page_%d", page)

	if payload, err := s.store.Snapshot(key, s.cfg.SnapshotTTL); err == nil {
		writeRawJSON(w, payload, false)
		return
	}

	lister, ok := s.resolver.(resolver.Lister)
	if !ok {
		writeError(w, http.StatusNotFound, "listing unavailable")
		return
	}

	payload, err := lister.ListPage(r.Context(), page)
	if err != nil {
		s.logger.Warn().Err(err).Int("page", page).Msg("list fetch failed, trying stale snapshot")
		if stale, snapErr := s.store.Snapshot(key, 0); snapErr == nil {
			writeRawJSON(w, stale, true)
			return
		}
		writeError(w, http.StatusBadGateway, "listing fetch failed")
		return
	}

	if err := s.store.SaveSnapshot(key, payload); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("save list snapshot")
	}
	writeRawJSON(w, payload, false)
}

func writeRawJSON(w http.ResponseWriter, payload json.RawMessage, stale bool) {
	w.Header().Set("Content-Type", "application/json")
	if stale {
		w.Header().Set("X-Snapshot-Stale", "true")
	}
	w.WriteHeader(http.StatusOK)
	w.Write(payload) //nolint:errcheck
}
