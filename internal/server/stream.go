package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/liusanp/NOProxy/internal/manifest"
	"github.com/liusanp/NOProxy/internal/metrics"
	"github.com/liusanp/NOProxy/internal/resolver"
	"github.com/liusanp/NOProxy/internal/token"
)

const streamChunkSize = 512 * 1024

// handleStream serves media by content id: from the local cache when
// complete, otherwise live through the proxy while a background download of
// the same content starts for future hits.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logger := s.logger.With().Str("id", id).Logger()

	if s.cfg.CacheEnabled && s.store.IsCached(id) {
		if mp4Path, err := s.store.CachedMP4Path(id); err == nil {
			metrics.StreamRequestsTotal.WithLabelValues("cache_hit").Inc()
			s.serveLocalFile(w, r, mp4Path)
			return
		}
		if content, err := s.store.CachedManifest(id); err == nil {
			metrics.StreamRequestsTotal.WithLabelValues("cache_hit").Inc()
			writeManifest(w, manifest.RewriteCachedLocal(content, id, s.cfg.PublicBaseURL))
			return
		}
		logger.Warn().Msg("entry reported cached but artifacts unreadable, falling through to live")
	}

	ref := s.memoized(id)
	if ref == nil {
		resolved, err := s.resolver.Resolve(r.Context(), id)
		if err != nil || resolved == nil || resolved.MediaURL == "" {
			metrics.StreamRequestsTotal.WithLabelValues("error").Inc()
			logger.Warn().Err(err).Msg("resolve failed")
			writeError(w, http.StatusNotFound, "media unavailable")
			return
		}
		ref = resolved
		s.memoize(id, ref)
	}

	if ref.Kind() == resolver.KindMP4 {
		s.serveLiveMP4(w, r, id, ref)
		return
	}

	content, finalURL, err := s.client.FetchManifest(r.Context(), ref.MediaURL)
	if errors.Is(err, manifest.ErrNotManifest) {
		// The playlist URL turned out to be a direct media file.
		s.serveLiveMP4(w, r, id, ref)
		return
	}
	if err != nil {
		metrics.StreamRequestsTotal.WithLabelValues("error").Inc()
		logger.Error().Err(err).Msg("manifest fetch failed")
		writeError(w, http.StatusInternalServerError, "upstream fetch failed")
		return
	}

	rewritten, err := manifest.RewriteRemote(content, finalURL, s.cfg.PublicBaseURL)
	if err != nil {
		metrics.StreamRequestsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "manifest rewrite failed")
		return
	}

	if s.cfg.CacheEnabled {
		s.store.StartHLS(id, finalURL, content, ref)
	}
	metrics.StreamRequestsTotal.WithLabelValues("live").Inc()
	writeManifest(w, rewritten)
}

// serveLiveMP4 passes the upstream response through and, independently,
// starts caching the same content in the background. Two fetches of the same
// bytes: first playback latency wins over bandwidth.
func (s *Server) serveLiveMP4(w http.ResponseWriter, r *http.Request, id string, ref *resolver.MediaReference) {
	if s.cfg.CacheEnabled {
		s.store.StartMP4(id, ref.MediaURL, ref)
	}
	metrics.StreamRequestsTotal.WithLabelValues("live").Inc()
	s.servePassthrough(w, r, ref.MediaURL)
}

// servePassthrough streams the upstream body to the client in fixed-size
// chunks, mirroring its status, length, range and content type.
func (s *Server) servePassthrough(w http.ResponseWriter, r *http.Request, mediaURL string) {
	resp, err := s.client.Get(r.Context(), mediaURL, r.Header.Get("Range"))
	if err != nil {
		s.logger.Error().Err(err).Msg("live proxy failed")
		writeError(w, http.StatusBadGateway, "upstream connection failed")
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	if v := resp.Header.Get("Content-Length"); v != "" {
		w.Header().Set("Content-Length", v)
	}
	if v := resp.Header.Get("Content-Range"); v != "" {
		w.Header().Set("Content-Range", v)
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, streamChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				// Client went away; its upstream connection is released via
				// the deferred close, the background download is unaffected.
				return
			}
			metrics.BytesServed.WithLabelValues("live").Add(float64(n))
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			return
		}
	}
}

// serveLocalFile serves a cached media file, honoring a single bytes=start-end
// range with a 206 partial response.
func (s *Server) serveLocalFile(w http.ResponseWriter, r *http.Request, path string) {
	file, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot open cached file")
		return
	}
	defer file.Close()

	fi, err := file.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "cannot stat cached file")
		return
	}
	size := fi.Size()

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "video/mp4")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		n, _ := io.Copy(w, file)
		metrics.BytesServed.WithLabelValues("cache").Add(float64(n))
		return
	}

	start, end, err := parseRange(rangeHeader, size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		writeError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}

	length := end - start + 1
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.WriteHeader(http.StatusPartialContent)

	if _, err := file.Seek(start, io.SeekStart); err != nil {
		return
	}
	n, _ := io.CopyN(w, file, length)
	metrics.BytesServed.WithLabelValues("cache").Add(float64(n))
}

// parseRange parses a single "bytes=start-end" header against the file size.
// A missing end means end-of-file.
func parseRange(header string, size int64) (start, end int64, err error) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range unit")
	}
	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range syntax")
	}

	start, err = strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, fmt.Errorf("invalid range start")
	}

	end = size - 1
	if trimmed := strings.TrimSpace(last); trimmed != "" {
		end, err = strconv.ParseInt(trimmed, 10, 64)
		if err != nil || end < start {
			return 0, 0, fmt.Errorf("invalid range end")
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, nil
}

// handleSegment proxies one opaque-token resource: sub-manifests are
// recursively rewritten, anything else streams through as binary.
func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	tok := chi.URLParam(r, "token")

	rawURL, err := token.Decode(tok)
	if err != nil {
		metrics.SegmentProxyTotal.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "malformed token")
		return
	}

	if strings.Contains(rawURL, ".m3u8") {
		s.serveRewrittenManifest(w, r, rawURL)
		return
	}

	data, contentType, err := s.client.FetchSegment(r.Context(), rawURL)
	if err != nil {
		metrics.SegmentProxyTotal.WithLabelValues("upstream_error").Inc()
		writeError(w, http.StatusInternalServerError, "upstream fetch failed")
		return
	}

	// Some origins hide sub-manifests behind extension-less URLs.
	if body := string(data); manifest.IsManifest(body) {
		rewritten, err := manifest.RewriteRemote(body, rawURL, s.cfg.PublicBaseURL)
		if err == nil {
			metrics.SegmentProxyTotal.WithLabelValues("manifest").Inc()
			writeManifest(w, rewritten)
			return
		}
	}

	metrics.SegmentProxyTotal.WithLabelValues("segment").Inc()
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "max-age=3600")
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}

func (s *Server) serveRewrittenManifest(w http.ResponseWriter, r *http.Request, rawURL string) {
	content, finalURL, err := s.client.FetchManifest(r.Context(), rawURL)
	if err != nil {
		metrics.SegmentProxyTotal.WithLabelValues("upstream_error").Inc()
		writeError(w, http.StatusInternalServerError, "upstream fetch failed")
		return
	}
	rewritten, err := manifest.RewriteRemote(content, finalURL, s.cfg.PublicBaseURL)
	if err != nil {
		metrics.SegmentProxyTotal.WithLabelValues("rewrite_error").Inc()
		writeError(w, http.StatusInternalServerError, "manifest rewrite failed")
		return
	}
	metrics.SegmentProxyTotal.WithLabelValues("manifest").Inc()
	writeManifest(w, rewritten)
}

// handleCachedSegment serves one locally cached segment file.
func (s *Server) handleCachedSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "name")

	path, err := s.store.CachedSegmentPath(id, name)
	if err != nil {
		writeError(w, http.StatusNotFound, "cached segment not found")
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "max-age=86400")
	w.Header().Set("Content-Type", "video/MP2T")
	http.ServeFile(w, r, path)
}

// handleDirect rewrites a manifest fetched from a caller-supplied raw URL.
func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}
	s.serveRewrittenManifest(w, r, rawURL)
}

// handleImage serves an entry's thumbnail, proxying and back-filling the
// cache when only the origin has it.
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.cfg.CacheEnabled {
		if path, err := s.store.CachedThumbnailPath(id); err == nil {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Cache-Control", "public, max-age=86400")
			http.ServeFile(w, r, path)
			return
		}
	}

	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusNotFound, "thumbnail not cached and no source url given")
		return
	}

	data, contentType, err := s.client.FetchSegment(r.Context(), rawURL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "thumbnail fetch failed")
		return
	}
	if contentType == "" || contentType == "video/MP2T" {
		contentType = "image/jpeg"
	}

	if s.cfg.CacheEnabled {
		go s.store.DownloadThumbnail(id, rawURL)
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}
