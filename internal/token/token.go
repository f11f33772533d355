// Package token encodes upstream URLs into opaque, URL-safe tokens so the
// origin never appears in client-visible paths. Encoding is a reversible
// bijection, not a hash: Decode(Encode(u)) == u for every absolute URL u.
package token

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
)

// ErrMalformed is returned when a token does not decode to an absolute URL.
var ErrMalformed = errors.New("malformed token")

// Encode turns an absolute URL into a URL-safe token.
func Encode(rawURL string) string {
	return base64.URLEncoding.EncodeToString([]byte(rawURL))
}

// Decode reverses Encode. It fails with ErrMalformed on anything that is not
// a token for a well-formed absolute URL.
func Decode(tok string) (string, error) {
	raw, err := base64.URLEncoding.DecodeString(tok)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	u, err := url.Parse(string(raw))
	if err != nil || !u.IsAbs() || u.Host == "" {
		return "", fmt.Errorf("%w: decoded value is not an absolute URL", ErrMalformed)
	}
	return string(raw), nil
}
