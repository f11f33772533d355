package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liusanp/NOProxy/internal/config"
	"github.com/liusanp/NOProxy/internal/resolver"
	"github.com/liusanp/NOProxy/internal/upstream"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := &config.Config{
		CacheDir:       t.TempDir(),
		CacheEnabled:   true,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
	}
	store, err := Open(cfg, upstream.New(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// writeCompleteHLSEntry fakes a finished HLS download on disk.
func writeCompleteHLSEntry(t *testing.T, store *Store, id string, segments int) {
	t.Helper()
	dir := store.entryDir(id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	lines := "#EXTM3U\n"
	for i := 0; i < segments; i++ {
		name := fmt.Sprintf("%d.ts", i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("segment-bytes"), 0o644))
		lines += "#EXTINF:10,\n" + name + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, localManifestName), []byte(lines), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, completeMarker), []byte("complete"), 0o644))
}

func newTestStoreAt(t *testing.T, dir string) *Store {
	t.Helper()
	cfg := &config.Config{
		CacheDir:       dir,
		CacheEnabled:   true,
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
	}
	store, err := Open(cfg, upstream.New(cfg))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDeleteRejectsTraversalIDs(t *testing.T) {
	root := t.TempDir()
	store := newTestStoreAt(t, filepath.Join(root, "videos"))

	precious := filepath.Join(root, "precious")
	require.NoError(t, os.MkdirAll(precious, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(precious, "keep.txt"), []byte("keep"), 0o644))

	deleted, err := store.Delete("../precious")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = os.Stat(filepath.Join(precious, "keep.txt"))
	assert.NoError(t, err, "ids never reach outside the cache root")
}

func TestContentIDConfinement(t *testing.T) {
	root := t.TempDir()
	store := newTestStoreAt(t, filepath.Join(root, "videos"))

	outside := filepath.Join(root, "outside")
	require.NoError(t, os.MkdirAll(outside, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "video.m3u8"), []byte("#EXTM3U\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, ".complete"), []byte("complete"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outside, "0.ts"), []byte("bytes"), 0o644))

	badIDs := []string{"", ".", "..", "../outside", "a/b", `a\b`, ".hidden"}
	for _, id := range badIDs {
		assert.False(t, store.IsCached(id), "IsCached(%q)", id)

		_, err := store.CachedManifest(id)
		assert.ErrorIs(t, err, ErrEntryAbsent, "CachedManifest(%q)", id)

		_, err = store.CachedSegmentPath(id, "0.ts")
		assert.ErrorIs(t, err, ErrEntryAbsent, "CachedSegmentPath(%q)", id)

		_, err = store.CachedMP4Path(id)
		assert.ErrorIs(t, err, ErrEntryAbsent, "CachedMP4Path(%q)", id)

		_, err = store.CachedThumbnailPath(id)
		assert.ErrorIs(t, err, ErrEntryAbsent, "CachedThumbnailPath(%q)", id)

		_, err = store.Detail(id)
		assert.ErrorIs(t, err, ErrEntryAbsent, "Detail(%q)", id)

		err = store.SaveDetail(id, &resolver.MediaReference{ContentID: id, MediaURL: "https://x.example.com/v.mp4"})
		assert.Error(t, err, "SaveDetail(%q)", id)

		store.StartHLS(id, "https://x.example.com/index.m3u8", "#EXTM3U\nseg.ts\n", nil)
		assert.False(t, store.IsDownloading(id), "StartHLS(%q) must be a no-op", id)
	}
}

func TestIsCachedRequiresMarker(t *testing.T) {
	store := newTestStore(t)
	id := "vid1"

	assert.False(t, store.IsCached(id))

	// Manifest alone must not count: a partially written download is not
	// usable.
	dir := store.entryDir(id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, localManifestName), []byte("#EXTM3U\n"), 0o644))
	assert.False(t, store.IsCached(id))

	require.NoError(t, os.WriteFile(filepath.Join(dir, completeMarker), []byte("complete"), 0o644))
	assert.True(t, store.IsCached(id))
}

func TestIsCachedMP4(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.mp4Path("vid2"), []byte("mp4-bytes"), 0o644))
	assert.True(t, store.IsCached("vid2"))
}

func TestDeleteIdempotent(t *testing.T) {
	store := newTestStore(t)

	deleted, err := store.Delete("never-existed")
	require.NoError(t, err)
	assert.False(t, deleted, "deleting an absent entry reports nothing deleted")

	writeCompleteHLSEntry(t, store, "vid3", 2)
	require.True(t, store.IsCached("vid3"))

	deleted, err = store.Delete("vid3")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, store.IsCached("vid3"))
	_, err = os.Stat(store.entryDir("vid3"))
	assert.True(t, os.IsNotExist(err))

	deleted, err = store.Delete("vid3")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestClearKeepsSnapshotsAndCounts(t *testing.T) {
	store := newTestStore(t)

	writeCompleteHLSEntry(t, store, "a", 1)
	require.NoError(t, os.WriteFile(store.mp4Path("b"), []byte("mp4"), 0o644))
	require.NoError(t, store.SaveSnapshot("page_1", json.RawMessage(`{"x":1}`)))

	// A marker-less partial download is swept but not counted: the count
	// reflects entries List would have reported.
	partial := store.entryDir("partial")
	require.NoError(t, os.MkdirAll(partial, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(partial, "0.ts"), []byte("half"), 0o644))

	count, err := store.Clear()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.False(t, store.IsCached("a"))
	assert.False(t, store.IsCached("b"))
	_, err = os.Stat(partial)
	assert.True(t, os.IsNotExist(err), "partial directories are still removed")

	payload, err := store.Snapshot("page_1", 0)
	require.NoError(t, err, "snapshots survive a cache wipe")
	assert.JSONEq(t, `{"x":1}`, string(payload))
}

func TestListAndTotalSize(t *testing.T) {
	store := newTestStore(t)

	writeCompleteHLSEntry(t, store, "hls1", 3)
	require.NoError(t, os.WriteFile(store.mp4Path("mp41"), []byte("0123456789"), 0o644))

	// Entries without a marker are invisible.
	require.NoError(t, os.MkdirAll(store.entryDir("partial"), 0o755))

	entries := store.List()
	require.Len(t, entries, 2)

	byID := map[string]EntryInfo{}
	for _, e := range entries {
		byID[e.ContentID] = e
	}
	assert.Equal(t, "m3u8", byID["hls1"].Kind)
	assert.Equal(t, "mp4", byID["mp41"].Kind)
	assert.Equal(t, int64(10), byID["mp41"].Size)
	assert.Greater(t, byID["hls1"].Size, int64(0))

	assert.Greater(t, store.TotalSize(), int64(0))
}

func TestSnapshotFreshness(t *testing.T) {
	store := newTestStore(t)
	payload := json.RawMessage(`{"videos":[{"id":"v1"}]}`)

	require.NoError(t, store.SaveSnapshot("page_2", payload))

	got, err := store.Snapshot("page_2", time.Minute)
	require.NoError(t, err, "fresh snapshot within maxAge is returned")
	assert.JSONEq(t, string(payload), string(got))

	// Backdate the capture time beyond maxAge.
	require.NoError(t, store.saveSnapshotAt("page_2", payload, time.Now().Add(-2*time.Hour)))

	_, err = store.Snapshot("page_2", time.Minute)
	require.ErrorIs(t, err, ErrEntryAbsent, "stale snapshot is treated as absent under maxAge")

	got, err = store.Snapshot("page_2", 0)
	require.NoError(t, err, "no maxAge accepts any age")
	assert.JSONEq(t, string(payload), string(got))

	_, err = store.Snapshot("no-such-page", 0)
	require.ErrorIs(t, err, ErrEntryAbsent)
}

func TestCachedSegmentPathConfinement(t *testing.T) {
	store := newTestStore(t)
	writeCompleteHLSEntry(t, store, "vid4", 1)

	path, err := store.CachedSegmentPath("vid4", "0.ts")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.entryDir("vid4"), "0.ts"), path)

	_, err = store.CachedSegmentPath("vid4", "missing.ts")
	assert.ErrorIs(t, err, ErrEntryAbsent)

	_, err = store.CachedSegmentPath("vid4", "../entries.db")
	assert.ErrorIs(t, err, ErrEntryAbsent)

	_, err = store.CachedSegmentPath("vid4", ".complete")
	assert.ErrorIs(t, err, ErrEntryAbsent, "dotfiles are not servable segments")
}

func TestDetailRoundTrip(t *testing.T) {
	store := newTestStore(t)
	writeCompleteHLSEntry(t, store, "vid5", 1)

	ref := &resolver.MediaReference{
		ContentID: "vid5",
		MediaURL:  "https://origin.example.com/vod/vid5/index.m3u8",
		Title:     "Sample Title",
	}
	require.NoError(t, store.SaveDetail("vid5", ref))

	got, err := store.Detail("vid5")
	require.NoError(t, err)
	assert.Equal(t, ref.Title, got.Title)
	assert.Equal(t, ref.MediaURL, got.MediaURL)

	_, err = store.Detail("unknown")
	assert.ErrorIs(t, err, ErrEntryAbsent)
}
