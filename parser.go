package webproxy

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrMalformedRequestLine is returned by [ParseRequest] when the request
// line is not METHOD SP TARGET SP VERSION or the target is not a URL.
var ErrMalformedRequestLine = errors.New("malformed request line")

// ParsedRequest is the decoded head of a proxied request. It is built once
// per connection and never modified afterwards.
type ParsedRequest struct {
	Method  string
	URL     string // request target exactly as received; also the cache key
	Version string

	Scheme   string
	Host     string // hostname without port
	Port     string // explicit port from the target, empty if none
	Path     string
	RawQuery string

	// Headers holds one value per name, names kept as received. A repeated
	// header keeps its last value.
	Headers map[string]string
}

// ParseRequest decodes a raw request head. The buffer is expected to hold
// the whole head; nothing is read beyond it.
//
// On a malformed request line ParseRequest returns a non-nil, empty (or
// partially filled) request together with an error wrapping
// [ErrMalformedRequestLine]. It never panics.
func ParseRequest(raw []byte) (*ParsedRequest, error) {
	req := &ParsedRequest{Headers: map[string]string{}}

	text := string(raw)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}

	lines := strings.Split(text, "\n")
	requestLine := strings.TrimSuffix(lines[0], "\r")

	parts := strings.Split(requestLine, " ")
	if len(parts) != 3 {
		return req, fmt.Errorf("%w: %q has %d fields, want 3", ErrMalformedRequestLine, requestLine, len(parts))
	}

	req.Method, req.URL, req.Version = parts[0], parts[1], parts[2]

	u, err := url.Parse(req.URL)
	if err != nil {
		return req, fmt.Errorf("%w: %w", ErrMalformedRequestLine, err)
	}
	req.Scheme = u.Scheme
	req.Host = u.Hostname()
	req.Port = u.Port()
	req.Path = u.Path
	req.RawQuery = u.RawQuery

	for _, line := range lines[1:] {
		line = strings.TrimSuffix(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	return req, nil
}

// OriginTarget returns where the request would go without an override: the
// target's host, its explicit port or the scheme default (443 for https,
// 80 otherwise), with TLS for https.
func (r *ParsedRequest) OriginTarget() Target {
	useTLS := strings.EqualFold(r.Scheme, "https")

	port := 80
	if useTLS {
		port = 443
	}
	if r.Port != "" {
		if p, err := strconv.Atoi(r.Port); err == nil {
			port = p
		}
	}

	return Target{Host: r.Host, Port: port, TLS: useTLS}
}
