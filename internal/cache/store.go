// Package cache owns the on-disk media cache and the background download
// orchestrator. Each content id maps to either a directory (local manifest,
// numbered segments, metadata, completion marker) or a single MP4 file with a
// sibling metadata file. A directory counts as cached only once its
// completion marker exists; readers never trust the manifest alone.
package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/liusanp/NOProxy/internal/config"
	"github.com/liusanp/NOProxy/internal/log"
	"github.com/liusanp/NOProxy/internal/resolver"
	"github.com/liusanp/NOProxy/internal/upstream"
)

// ErrEntryAbsent is returned by read-path operations when no cached artifact
// exists for the requested id.
var ErrEntryAbsent = errors.New("cache entry absent")

const (
	localManifestName = "video.m3u8"
	completeMarker    = ".complete"
	detailName        = "detail.json"
)

// Store is the cache engine. It is the sole writer of the download registry
// and progress map; on-disk files are protected by the marker/rename
// discipline alone, since only the owning download task writes an entry.
type Store struct {
	dir     string
	enabled bool
	db      *sql.DB
	client  *upstream.Client
	logger  zerolog.Logger

	mu       sync.Mutex
	registry map[string]struct{}
	progress map[string]*Progress
}

// EntryInfo describes one completed cache entry.
type EntryInfo struct {
	ContentID string `json:"id"`
	Kind      string `json:"type"`
	Size      int64  `json:"size"`
	Title     string `json:"title,omitempty"`
}

// Open creates the cache directory, opens the metadata database and returns
// a ready Store.
func Open(cfg *config.Config, client *upstream.Client) (*Store, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	db, err := openDB(cfg.CacheDir)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := initTable(db); err != nil {
		return nil, fmt.Errorf("init cache db: %w", err)
	}
	return &Store{
		dir:      cfg.CacheDir,
		enabled:  cfg.CacheEnabled,
		db:       db,
		client:   client,
		logger:   log.WithComponent("cache"),
		registry: make(map[string]struct{}),
		progress: make(map[string]*Progress),
	}, nil
}

// Close releases the metadata database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dir returns the cache root.
func (s *Store) Dir() string { return s.dir }

// validContentID confines ids to plain path components. Ids arrive from
// clients and are joined into cache paths; anything that could name a parent
// directory, carry a separator, or collide with dotfile artifacts is not a
// cache key.
func validContentID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	if strings.ContainsAny(id, `/\`) {
		return false
	}
	return id == filepath.Base(id)
}

func (s *Store) entryDir(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *Store) mp4Path(id string) string {
	return filepath.Join(s.dir, id+".mp4")
}

func (s *Store) thumbPath(id string) string {
	return filepath.Join(s.dir, id+".jpg")
}

// IsCached reports whether the entry is fully cached. An HLS directory counts
// only when both the local manifest and the completion marker exist.
func (s *Store) IsCached(id string) bool {
	if !validContentID(id) {
		return false
	}
	if _, err := os.Stat(s.mp4Path(id)); err == nil {
		return true
	}
	dir := s.entryDir(id)
	if _, err := os.Stat(filepath.Join(dir, localManifestName)); err != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(dir, completeMarker))
	return err == nil
}

// IsDownloading reports whether a download task currently holds the entry's
// registry slot.
func (s *Store) IsDownloading(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.registry[id]
	return ok
}

// CachedManifest returns the cache-local manifest text.
func (s *Store) CachedManifest(id string) (string, error) {
	if !validContentID(id) {
		return "", ErrEntryAbsent
	}
	content, err := os.ReadFile(filepath.Join(s.entryDir(id), localManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrEntryAbsent
		}
		return "", err
	}
	return string(content), nil
}

// CachedSegmentPath returns the on-disk path of a named segment, failing with
// ErrEntryAbsent when it does not exist. Both the id and the name are
// confined to the entry's directory.
func (s *Store) CachedSegmentPath(id, name string) (string, error) {
	if !validContentID(id) {
		return "", ErrEntryAbsent
	}
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrEntryAbsent
	}
	path := filepath.Join(s.entryDir(id), name)
	if _, err := os.Stat(path); err != nil {
		return "", ErrEntryAbsent
	}
	return path, nil
}

// CachedMP4Path returns the path of the cached MP4, or ErrEntryAbsent.
func (s *Store) CachedMP4Path(id string) (string, error) {
	if !validContentID(id) {
		return "", ErrEntryAbsent
	}
	path := s.mp4Path(id)
	if _, err := os.Stat(path); err != nil {
		return "", ErrEntryAbsent
	}
	return path, nil
}

// CachedThumbnailPath returns the cached thumbnail path, or ErrEntryAbsent.
func (s *Store) CachedThumbnailPath(id string) (string, error) {
	if !validContentID(id) {
		return "", ErrEntryAbsent
	}
	path := s.thumbPath(id)
	if _, err := os.Stat(path); err != nil {
		return "", ErrEntryAbsent
	}
	return path, nil
}

func (s *Store) detailPath(id string) string {
	if _, err := os.Stat(s.entryDir(id)); err == nil {
		return filepath.Join(s.entryDir(id), detailName)
	}
	return filepath.Join(s.dir, id+".detail.json")
}

// SaveDetail persists the resolved media reference next to the entry.
func (s *Store) SaveDetail(id string, ref *resolver.MediaReference) error {
	if !validContentID(id) {
		return fmt.Errorf("invalid content id %q", id)
	}
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.detailPath(id), data, 0o644)
}

// Detail loads the persisted media reference for a cached entry.
func (s *Store) Detail(id string) (*resolver.MediaReference, error) {
	if !validContentID(id) {
		return nil, ErrEntryAbsent
	}
	data, err := os.ReadFile(filepath.Join(s.entryDir(id), detailName))
	if err != nil {
		data, err = os.ReadFile(filepath.Join(s.dir, id+".detail.json"))
	}
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEntryAbsent
		}
		return nil, err
	}
	var ref resolver.MediaReference
	if err := json.Unmarshal(data, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// List enumerates completed entries with their on-disk size, enriched with
// the persisted title when the metadata row survives.
func (s *Store) List() []EntryInfo {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}

	var out []EntryInfo
	for _, entry := range entries {
		if entry.IsDir() {
			marker := filepath.Join(s.dir, entry.Name(), completeMarker)
			if _, err := os.Stat(marker); err != nil {
				continue
			}
			info := EntryInfo{
				ContentID: entry.Name(),
				Kind:      string(resolver.KindHLS),
				Size:      dirSize(filepath.Join(s.dir, entry.Name())),
			}
			if meta, err := s.entryMeta(entry.Name()); err == nil {
				info.Title = meta.Title
			}
			out = append(out, info)
			continue
		}
		if strings.HasSuffix(entry.Name(), ".mp4") {
			fi, err := entry.Info()
			if err != nil {
				continue
			}
			id := strings.TrimSuffix(entry.Name(), ".mp4")
			info := EntryInfo{ContentID: id, Kind: string(resolver.KindMP4), Size: fi.Size()}
			if meta, err := s.entryMeta(id); err == nil {
				info.Title = meta.Title
			}
			out = append(out, info)
		}
	}
	return out
}

// Delete removes one entry's artifacts. It is idempotent and reports whether
// anything was actually removed.
func (s *Store) Delete(id string) (bool, error) {
	if !validContentID(id) {
		return false, nil
	}
	deleted := false

	dir := s.entryDir(id)
	if _, err := os.Stat(dir); err == nil {
		if err := os.RemoveAll(dir); err != nil {
			return false, err
		}
		deleted = true
	}

	mp4 := s.mp4Path(id)
	if _, err := os.Stat(mp4); err == nil {
		if err := os.Remove(mp4); err != nil {
			return false, err
		}
		deleted = true
	}

	// Best effort for the satellites.
	os.Remove(filepath.Join(s.dir, id+".detail.json"))
	os.Remove(s.thumbPath(id))

	if err := s.deleteEntryMeta(id); err != nil {
		s.logger.Warn().Err(err).Str("id", id).Msg("delete entry metadata")
	}

	s.mu.Lock()
	delete(s.progress, id)
	s.mu.Unlock()

	return deleted, nil
}

// Clear removes every entry and returns how many were removed. List snapshot
// files and the metadata database stay, so listing fallbacks survive a wipe.
func (s *Store) Clear() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	count := 0
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, snapshotPrefix) || strings.HasPrefix(name, "entries.db") {
			continue
		}
		path := filepath.Join(s.dir, name)
		if entry.IsDir() {
			// Partial directories are swept too, but only complete entries
			// count toward the removal tally List would have reported.
			_, statErr := os.Stat(filepath.Join(path, completeMarker))
			if err := os.RemoveAll(path); err != nil {
				continue
			}
			if statErr == nil {
				count++
			}
			continue
		}
		if err := os.Remove(path); err != nil {
			continue
		}
		if strings.HasSuffix(name, ".mp4") {
			count++
		}
	}

	if err := s.clearEntryMeta(); err != nil {
		s.logger.Warn().Err(err).Msg("clear entry metadata")
	}

	s.mu.Lock()
	s.progress = make(map[string]*Progress)
	s.mu.Unlock()

	return count, nil
}

// TotalSize sums on-disk bytes across entries, excluding snapshots and the
// metadata database.
func (s *Store) TotalSize() int64 {
	var total int64
	filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, snapshotPrefix) || strings.HasPrefix(name, "entries.db") {
			return nil
		}
		if fi, err := d.Info(); err == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

func dirSize(path string) int64 {
	var size int64
	filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			if fi, err := d.Info(); err == nil {
				size += fi.Size()
			}
		}
		return nil
	})
	return size
}
