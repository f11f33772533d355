// Package resolver defines the collaborator that maps a content id to its
// actual upstream media URL. The implementation (a browser-automation scraper
// in the source deployment) lives outside this core.
package resolver

import (
	"context"
	"encoding/json"
	"strings"
)

// Kind distinguishes segmented HLS media from progressive MP4.
type Kind string

const (
	KindHLS Kind = "m3u8"
	KindMP4 Kind = "mp4"
)

// MediaReference is what the resolver returns for a content id. Immutable
// once produced.
type MediaReference struct {
	ContentID    string `json:"id"`
	MediaURL     string `json:"media_url"`
	Title        string `json:"title"`
	ThumbnailURL string `json:"thumbnail,omitempty"`
}

// Kind classifies the media URL. Anything without an .m3u8 hint is treated
// as progressive MP4.
func (r *MediaReference) Kind() Kind {
	lower := strings.ToLower(r.MediaURL)
	if strings.Contains(lower, ".mp4") || !strings.Contains(lower, ".m3u8") {
		return KindMP4
	}
	return KindHLS
}

// Resolver resolves content ids. Resolution may take seconds and may fail or
// time out; any failure is treated as "content unavailable" by this core.
type Resolver interface {
	Resolve(ctx context.Context, contentID string) (*MediaReference, error)
}

// Lister fetches one page of the upstream content listing as raw JSON.
// Implementations may be slow or flaky; callers keep snapshots for fallback.
type Lister interface {
	ListPage(ctx context.Context, page int) (json.RawMessage, error)
}
