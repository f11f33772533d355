package cache

import (
	"database/sql"
	"errors"
	"time"
)

// EntryMeta is the persisted metadata row for one cache entry.
type EntryMeta struct {
	ID            string    `json:"id"`
	MediaURL      string    `json:"media_url"`
	Kind          string    `json:"kind"`
	Title         string    `json:"title"`
	TotalSegments int       `json:"total_segments"`
	CreatedTime   time.Time `json:"created_time"`
	Status        string    `json:"status"`
}

func initTable(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		media_url TEXT,
		kind TEXT,
		title TEXT,
		total_segments INTEGER,
		created_time DATETIME,
		status TEXT
	);
	`)
	return err
}

func (s *Store) upsertEntry(meta EntryMeta) error {
	query := `INSERT INTO entries (id, media_url, kind, title, total_segments, created_time, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			media_url = excluded.media_url,
			kind = excluded.kind,
			title = excluded.title,
			total_segments = excluded.total_segments,
			status = excluded.status`
	_, err := s.db.Exec(query, meta.ID, meta.MediaURL, meta.Kind, meta.Title,
		meta.TotalSegments, meta.CreatedTime, meta.Status)
	return err
}

func (s *Store) updateEntryStatus(id, status string) error {
	_, err := s.db.Exec(`UPDATE entries SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) entryMeta(id string) (*EntryMeta, error) {
	row := s.db.QueryRow(
		`SELECT id, media_url, kind, title, total_segments, created_time, status FROM entries WHERE id = ?`, id)
	var meta EntryMeta
	err := row.Scan(&meta.ID, &meta.MediaURL, &meta.Kind, &meta.Title,
		&meta.TotalSegments, &meta.CreatedTime, &meta.Status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryAbsent
	}
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (s *Store) deleteEntryMeta(id string) error {
	_, err := s.db.Exec(`DELETE FROM entries WHERE id = ?`, id)
	return err
}

func (s *Store) clearEntryMeta() error {
	_, err := s.db.Exec(`DELETE FROM entries`)
	return err
}
