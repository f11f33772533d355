package cache

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/liusanp/NOProxy/internal/manifest"
	"github.com/liusanp/NOProxy/internal/metrics"
	"github.com/liusanp/NOProxy/internal/resolver"
)

// Status is a download lifecycle state.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusComplete    Status = "complete"
	StatusError       Status = "error"
)

// Progress is the observable state of one download. It is mutated only by
// the owning download task and read by any number of status queries.
type Progress struct {
	ContentID  string `json:"id"`
	Total      int64  `json:"total"`
	Downloaded int64  `json:"downloaded"`
	Skipped    int    `json:"skipped,omitempty"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
}

const copyChunkSize = 512 * 1024

// DownloadProgress returns a copy of the entry's progress, or nil when no
// download has ever been recorded for it.
func (s *Store) DownloadProgress(id string) *Progress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.progress[id]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// tryStart is the registry's atomic check-and-insert: it claims the entry's
// downloading slot unless the entry is already cached or already claimed.
func (s *Store) tryStart(id string) bool {
	if !s.enabled || !validContentID(id) || s.IsCached(id) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.registry[id]; running {
		return false
	}
	s.registry[id] = struct{}{}
	return true
}

// release frees the entry's registry slot exactly once, success or failure.
func (s *Store) release(id string) {
	s.mu.Lock()
	delete(s.registry, id)
	s.mu.Unlock()
}

func (s *Store) setProgress(id string, mutate func(*Progress)) {
	s.mu.Lock()
	p, ok := s.progress[id]
	if !ok {
		p = &Progress{ContentID: id}
		s.progress[id] = p
	}
	mutate(p)
	s.mu.Unlock()
}

// StartHLS begins a background download of a segmented stream whose manifest
// has already been fetched. A no-op when the entry is cached or downloading;
// the handler never waits on the task.
func (s *Store) StartHLS(id, manifestURL, manifestContent string, ref *resolver.MediaReference) {
	if !s.tryStart(id) {
		return
	}
	metrics.DownloadsStarted.WithLabelValues(string(resolver.KindHLS)).Inc()
	go s.downloadHLS(id, manifestURL, manifestContent, ref)
}

// StartMP4 begins a background download of a progressive media file. Same
// idempotency as StartHLS.
func (s *Store) StartMP4(id, mediaURL string, ref *resolver.MediaReference) {
	if !s.tryStart(id) {
		return
	}
	metrics.DownloadsStarted.WithLabelValues(string(resolver.KindMP4)).Inc()
	go s.downloadMP4(id, mediaURL, ref)
}

func (s *Store) downloadHLS(id, manifestURL, content string, ref *resolver.MediaReference) {
	defer s.release(id)
	metrics.ActiveDownloads.Inc()
	defer metrics.ActiveDownloads.Dec()

	ctx := context.Background()
	logger := s.logger.With().Str("id", id).Logger()
	logger.Info().Str("url", manifestURL).Msg("starting hls download")

	dir := s.entryDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.failDownload(id, fmt.Errorf("create entry dir: %w", err))
		return
	}

	if ref != nil && ref.ThumbnailURL != "" {
		s.DownloadThumbnail(id, ref.ThumbnailURL)
	}

	// A master playlist lists variant playlists, not segments; numbering its
	// URIs as 0.ts, 1.ts would cache garbage. Follow the first variant and
	// download that.
	if manifest.Classify(content) == manifest.KindMaster {
		variants := manifest.Segments(content, manifestURL)
		if len(variants) == 0 {
			s.failDownload(id, fmt.Errorf("master playlist without variants"))
			return
		}
		varContent, varURL, err := s.client.FetchManifest(ctx, variants[0])
		if err != nil {
			s.failDownload(id, fmt.Errorf("fetch variant playlist: %w", err))
			return
		}
		logger.Info().Str("variant", varURL).Msg("master playlist, following first variant")
		content, manifestURL = varContent, varURL
	}

	localManifest, total, err := manifest.RewriteLocal(content)
	if err != nil {
		s.failDownload(id, err)
		return
	}
	segments := manifest.Segments(content, manifestURL)

	s.setProgress(id, func(p *Progress) {
		*p = Progress{ContentID: id, Total: int64(total), Status: StatusDownloading}
	})

	title := ""
	if ref != nil {
		title = ref.Title
	}
	if err := s.upsertEntry(EntryMeta{
		ID: id, MediaURL: manifestURL, Kind: string(resolver.KindHLS), Title: title,
		TotalSegments: total, CreatedTime: time.Now(), Status: string(StatusDownloading),
	}); err != nil {
		logger.Warn().Err(err).Msg("persist entry metadata")
	}

	skipped := 0
	lastLog := time.Now()
	for i, segURL := range segments {
		data, _, err := s.client.FetchSegment(ctx, segURL)
		if err != nil {
			// Best effort: a failed segment degrades playback of that
			// portion, it does not lose the whole entry.
			skipped++
			metrics.SegmentsSkipped.Inc()
			logger.Warn().Err(err).Int("segment", i).Str("url", segURL).Msg("segment fetch failed, skipping")
		} else if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.ts", i)), data, 0o644); err != nil {
			skipped++
			metrics.SegmentsSkipped.Inc()
			logger.Warn().Err(err).Int("segment", i).Msg("segment write failed, skipping")
		}

		done := i + 1
		s.setProgress(id, func(p *Progress) {
			p.Downloaded = int64(done)
			p.Skipped = skipped
		})
		if time.Since(lastLog) > time.Second {
			logger.Info().Int("done", done).Int("total", total).Msg("download progress")
			lastLog = time.Now()
		}
	}

	if err := renameio.WriteFile(filepath.Join(dir, localManifestName), []byte(localManifest), 0o644); err != nil {
		s.failDownload(id, fmt.Errorf("write local manifest: %w", err))
		return
	}
	if ref != nil {
		if err := s.SaveDetail(id, ref); err != nil {
			logger.Warn().Err(err).Msg("save detail")
		}
	}

	// The marker is written last; it is the sole signal that the entry is
	// complete for cache-hit purposes.
	if err := renameio.WriteFile(filepath.Join(dir, completeMarker), []byte("complete"), 0o644); err != nil {
		s.failDownload(id, fmt.Errorf("write completion marker: %w", err))
		return
	}

	if err := s.updateEntryStatus(id, string(StatusComplete)); err != nil {
		logger.Warn().Err(err).Msg("update entry status")
	}
	s.setProgress(id, func(p *Progress) {
		p.Status = StatusComplete
		p.Skipped = skipped
		if skipped > 0 {
			p.Error = fmt.Sprintf("%d of %d segments skipped", skipped, total)
		}
	})
	metrics.DownloadsFinished.WithLabelValues(string(StatusComplete)).Inc()
	logger.Info().Int("total", total).Int("skipped", skipped).Msg("hls download complete")
}

func (s *Store) downloadMP4(id, mediaURL string, ref *resolver.MediaReference) {
	defer s.release(id)
	metrics.ActiveDownloads.Inc()
	defer metrics.ActiveDownloads.Dec()

	ctx := context.Background()
	logger := s.logger.With().Str("id", id).Logger()
	logger.Info().Str("url", mediaURL).Msg("starting mp4 download")

	if ref != nil && ref.ThumbnailURL != "" {
		s.DownloadThumbnail(id, ref.ThumbnailURL)
	}

	s.setProgress(id, func(p *Progress) {
		*p = Progress{ContentID: id, Status: StatusDownloading}
	})

	title := ""
	if ref != nil {
		title = ref.Title
	}
	if err := s.upsertEntry(EntryMeta{
		ID: id, MediaURL: mediaURL, Kind: string(resolver.KindMP4), Title: title,
		CreatedTime: time.Now(), Status: string(StatusDownloading),
	}); err != nil {
		logger.Warn().Err(err).Msg("persist entry metadata")
	}

	resp, err := s.client.Get(ctx, mediaURL, "")
	if err != nil {
		s.failDownload(id, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.failDownload(id, fmt.Errorf("upstream status %d", resp.StatusCode))
		return
	}

	// ContentLength is -1 when the origin streams without a length.
	if total := resp.ContentLength; total > 0 {
		s.setProgress(id, func(p *Progress) { p.Total = total })
	}

	// The pending file becomes visible under its final name only via the
	// atomic replace; no reader can observe a half-written MP4.
	pending, err := renameio.TempFile("", s.mp4Path(id))
	if err != nil {
		s.failDownload(id, fmt.Errorf("create temp file: %w", err))
		return
	}
	defer pending.Cleanup() //nolint:errcheck // no-op after a successful replace

	buf := make([]byte, copyChunkSize)
	var downloaded int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := pending.Write(buf[:n]); err != nil {
				s.failDownload(id, fmt.Errorf("write temp file: %w", err))
				return
			}
			downloaded += int64(n)
			s.setProgress(id, func(p *Progress) { p.Downloaded = downloaded })
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			s.failDownload(id, fmt.Errorf("read body: %w", readErr))
			return
		}
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		s.failDownload(id, fmt.Errorf("finalize mp4: %w", err))
		return
	}

	if ref != nil {
		if err := s.SaveDetail(id, ref); err != nil {
			logger.Warn().Err(err).Msg("save detail")
		}
	}
	if err := s.updateEntryStatus(id, string(StatusComplete)); err != nil {
		logger.Warn().Err(err).Msg("update entry status")
	}
	s.setProgress(id, func(p *Progress) { p.Status = StatusComplete })
	metrics.DownloadsFinished.WithLabelValues(string(StatusComplete)).Inc()
	logger.Info().Int64("bytes", downloaded).Msg("mp4 download complete")
}

func (s *Store) failDownload(id string, err error) {
	s.logger.Error().Err(err).Str("id", id).Msg("download failed")
	s.setProgress(id, func(p *Progress) {
		p.Status = StatusError
		p.Error = err.Error()
	})
	if dbErr := s.updateEntryStatus(id, string(StatusError)); dbErr != nil {
		s.logger.Warn().Err(dbErr).Str("id", id).Msg("update entry status")
	}
	metrics.DownloadsFinished.WithLabelValues(string(StatusError)).Inc()
}

// DownloadThumbnail caches the entry's thumbnail once; it never fails the
// surrounding download.
func (s *Store) DownloadThumbnail(id, thumbnailURL string) bool {
	if thumbnailURL == "" || !validContentID(id) {
		return false
	}
	path := s.thumbPath(id)
	if _, err := os.Stat(path); err == nil {
		return true
	}

	data, _, err := s.client.FetchSegment(context.Background(), thumbnailURL)
	if err != nil {
		s.logger.Warn().Err(err).Str("id", id).Msg("thumbnail download failed")
		return false
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		s.logger.Warn().Err(err).Str("id", id).Msg("thumbnail write failed")
		return false
	}
	return true
}
