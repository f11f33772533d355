// Package manifest rewrites HLS playlists. Every non-comment, non-blank line
// is a resource reference; rewriting preserves the input's line count and
// ordering, which is the contract the downloader relies on when naming cached
// segments 0.ts, 1.ts, ...
package manifest

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/liusanp/NOProxy/internal/token"
)

// ErrNotManifest signals that a body fetched where a playlist was expected is
// not one; callers reinterpret the reference as a direct media file.
var ErrNotManifest = errors.New("content is not an m3u8 manifest")

const header = "#EXTM3U"

var tagURIRe = regexp.MustCompile(`URI="([^"]+)"`)

// IsManifest reports whether content carries the required leading marker.
func IsManifest(content string) bool {
	return strings.HasPrefix(strings.TrimSpace(content), header)
}

// RedirectTarget returns the bare redirect URL some origins return instead of
// a playlist body, or "" when the body is not one.
func RedirectTarget(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "http") {
		return strings.Fields(trimmed)[0]
	}
	return ""
}

// Resolve turns a possibly-relative playlist reference into an absolute URL
// against the URL the playlist was fetched from.
func Resolve(sourceURL, ref string) string {
	if strings.HasPrefix(ref, "http") {
		return ref
	}
	base, err := url.Parse(sourceURL)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}

// RewriteRemote rewrites every segment, sub-manifest and tag URI into an
// opaque proxy reference under proxyBase. It fails with ErrNotManifest when
// content is not a playlist.
func RewriteRemote(content, sourceURL, proxyBase string) (string, error) {
	if !IsManifest(content) {
		return "", ErrNotManifest
	}

	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			out = append(out, line)
			continue
		}
		if strings.HasPrefix(line, "#") {
			if strings.Contains(line, "URI=") {
				line = rewriteTagURI(line, sourceURL, proxyBase)
			}
			out = append(out, line)
			continue
		}
		out = append(out, proxyURL(Resolve(sourceURL, line), proxyBase))
	}
	return strings.Join(out, "\n"), nil
}

// RewriteLocal rewrites every resource reference to the Nth local segment
// name, in input order. Tag URIs are left untouched; keys stay remote.
func RewriteLocal(content string) (string, int, error) {
	if !IsManifest(content) {
		return "", 0, ErrNotManifest
	}

	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))
	index := 0

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			out = append(out, line)
			continue
		}
		out = append(out, fmt.Sprintf("%d.ts", index))
		index++
	}
	return strings.Join(out, "\n"), index, nil
}

// RewriteCachedLocal rewrites a cache-local manifest's bare segment names
// into cached-segment URLs for the given content id.
func RewriteCachedLocal(content, contentID, proxyBase string) string {
	lines := strings.Split(content, "\n")
	out := make([]string, 0, len(lines))

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			out = append(out, line)
			continue
		}
		out = append(out, fmt.Sprintf("%s/api/stream/cached-segment/%s/%s", proxyBase, contentID, line))
	}
	return strings.Join(out, "\n")
}

// Segments enumerates the absolute URLs of every resource reference, in the
// exact order RewriteLocal numbers them.
func Segments(content, sourceURL string) []string {
	var segs []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		segs = append(segs, Resolve(sourceURL, line))
	}
	return segs
}

func rewriteTagURI(line, sourceURL, proxyBase string) string {
	m := tagURIRe.FindStringSubmatch(line)
	if len(m) < 2 {
		return line
	}
	orig := m[1]
	proxied := proxyURL(Resolve(sourceURL, orig), proxyBase)
	return strings.Replace(line, fmt.Sprintf(`URI="%s"`, orig), fmt.Sprintf(`URI="%s"`, proxied), 1)
}

func proxyURL(absoluteURL, proxyBase string) string {
	return fmt.Sprintf("%s/api/stream/segment/%s", proxyBase, token.Encode(absoluteURL))
}
