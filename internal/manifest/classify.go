package manifest

import (
	"strings"

	"github.com/grafov/m3u8"
)

// Kind is the playlist flavour of a manifest body.
type Kind int

const (
	KindUnknown Kind = iota
	KindMaster       // references variant sub-manifests
	KindMedia        // references media segments
)

// Classify decides whether a manifest body is a master or media playlist.
// Bodies the parser rejects fall back to a header check so a syntactically
// sloppy but playable playlist is still treated as media.
func Classify(content string) Kind {
	p, listType, err := m3u8.DecodeFrom(strings.NewReader(content), true)
	if err != nil || p == nil {
		if IsManifest(content) {
			return KindMedia
		}
		return KindUnknown
	}
	switch listType {
	case m3u8.MASTER:
		return KindMaster
	case m3u8.MEDIA:
		return KindMedia
	default:
		return KindUnknown
	}
}
