package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPResolver consumes an external resolver service over HTTP:
// GET {base}/resolve/{id} answering a MediaReference JSON document.
type HTTPResolver struct {
	base   string
	client *http.Client
}

// NewHTTP builds an HTTPResolver with a per-resolution timeout (resolution
// may take seconds in the source deployment).
func NewHTTP(base string, timeout time.Duration) *HTTPResolver {
	return &HTTPResolver{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}
}

// Resolve implements Resolver.
func (h *HTTPResolver) Resolve(ctx context.Context, contentID string) (*MediaReference, error) {
	endpoint := fmt.Sprintf("%s/resolve/%s", h.base, url.PathEscape(contentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", contentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve %s: status %d", contentID, resp.StatusCode)
	}

	var ref MediaReference
	if err := json.NewDecoder(resp.Body).Decode(&ref); err != nil {
		return nil, fmt.Errorf("resolve %s: decode: %w", contentID, err)
	}
	if ref.MediaURL == "" {
		return nil, fmt.Errorf("resolve %s: empty media url", contentID)
	}
	if ref.ContentID == "" {
		ref.ContentID = contentID
	}
	return &ref, nil
}

// ListPage implements Lister: GET {base}/list/{page} answering a JSON page of
// listing entries. The body passes through opaque; only well-formedness is
// checked.
func (h *HTTPResolver) ListPage(ctx context.Context, page int) (json.RawMessage, error) {
	endpoint := fmt.Sprintf("%s/list/%d", h.base, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list page %d: %w", page, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list page %d: status %d", page, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("list page %d: read: %w", page, err)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("list page %d: response is not valid JSON", page)
	}
	return body, nil
}
