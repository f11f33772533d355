package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

const snapshotPrefix = "list_"

// snapshotFile is the on-disk envelope for one listing page. The capture time
// is an explicit field rather than file mtime, so freshness is testable and
// survives copies.
type snapshotFile struct {
	CapturedAt time.Time       `json:"captured_at"`
	Payload    json.RawMessage `json:"payload"`
}

func (s *Store) snapshotPath(key string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%s.json", snapshotPrefix, key))
}

// Snapshot returns the stored payload for key. With maxAge > 0, a snapshot
// older than maxAge is treated as absent; maxAge <= 0 accepts any age, which
// is how callers implement their stale-fallback policy.
func (s *Store) Snapshot(key string, maxAge time.Duration) (json.RawMessage, error) {
	data, err := os.ReadFile(s.snapshotPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEntryAbsent
		}
		return nil, err
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	if maxAge > 0 && time.Since(snap.CapturedAt) > maxAge {
		s.logger.Debug().Str("key", key).Msg("list snapshot expired")
		return nil, ErrEntryAbsent
	}
	return snap.Payload, nil
}

// SaveSnapshot overwrites the snapshot for key with a fresh capture time.
func (s *Store) SaveSnapshot(key string, payload json.RawMessage) error {
	return s.saveSnapshotAt(key, payload, time.Now())
}

func (s *Store) saveSnapshotAt(key string, payload json.RawMessage, at time.Time) error {
	data, err := json.MarshalIndent(snapshotFile{CapturedAt: at, Payload: payload}, "", "  ")
	if err != nil {
		return err
	}
	return renameio.WriteFile(s.snapshotPath(key), data, 0o644)
}
