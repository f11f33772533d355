// Package upstream talks to the media origin. The client carries browser-like
// headers and bounded connect/read timeouts, but no overall deadline: media
// transfers are intentionally unbounded in total duration.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/liusanp/NOProxy/internal/config"
	"github.com/liusanp/NOProxy/internal/manifest"
)

// ErrFetch is the sentinel for any non-2xx or network failure from the origin.
var ErrFetch = errors.New("upstream fetch failed")

// StatusError carries the upstream HTTP status when one was received.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream fetch failed: status %d", e.Status)
}

func (e *StatusError) Unwrap() error { return ErrFetch }

const defaultSegmentType = "video/MP2T"

// Client is the shared origin HTTP client.
type Client struct {
	http      *http.Client
	userAgent string
	referer   string
}

// New builds a Client from config.
func New(cfg *config.Config) *Client {
	return &Client{
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: cfg.ReadTimeout,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   10,
				IdleConnTimeout:       90 * time.Second,
			},
		},
		userAgent: cfg.UserAgent,
		referer:   cfg.Referer,
	}
}

// Get issues an origin GET. A non-empty rangeHeader is forwarded verbatim.
// The caller owns the response body.
func (c *Client) Get(ctx context.Context, rawURL, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Encoding", "identity")
	if c.referer != "" {
		req.Header.Set("Referer", c.referer)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return resp, nil
}

// FetchManifest fetches a playlist body. When the origin answers with a bare
// redirect URL instead of a playlist, it is followed once.
func (c *Client) FetchManifest(ctx context.Context, rawURL string) (body string, finalURL string, err error) {
	content, err := c.fetchText(ctx, rawURL)
	if err != nil {
		return "", "", err
	}
	if manifest.IsManifest(content) {
		return content, rawURL, nil
	}
	if redirect := manifest.RedirectTarget(content); redirect != "" {
		content, err = c.fetchText(ctx, redirect)
		if err != nil {
			return "", "", err
		}
		if manifest.IsManifest(content) {
			return content, redirect, nil
		}
	}
	return "", "", manifest.ErrNotManifest
}

// FetchSegment fetches a binary resource, returning its bytes and content
// type (a generic media type when the origin sends none).
func (c *Client) FetchSegment(ctx context.Context, rawURL string) ([]byte, string, error) {
	resp, err := c.Get(ctx, rawURL, "")
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", &StatusError{Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = defaultSegmentType
	}
	return data, contentType, nil
}

func (c *Client) fetchText(ctx context.Context, rawURL string) (string, error) {
	resp, err := c.Get(ctx, rawURL, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &StatusError{Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return string(body), nil
}
