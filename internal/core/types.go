package core

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Category classifies an intercepted request. It is derived from the method
// and URL on every request and never stored.
type Category int

const (
	CategoryOther Category = iota
	CategoryAPI
	CategoryNextStatic
	CategoryImage
	CategoryAsset
	CategoryNavigation
)

func (c Category) String() string {
	switch c {
	case CategoryAPI:
		return "api"
	case CategoryNextStatic:
		return "next_static"
	case CategoryImage:
		return "image"
	case CategoryAsset:
		return "asset"
	case CategoryNavigation:
		return "navigation"
	default:
		return "other"
	}
}

// Source tells where a response body came from.
type Source string

const (
	SourceNetwork  Source = "network"
	SourceCache    Source = "cache"
	SourceFallback Source = "fallback"
)

// Request is an intercepted page request.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
}

// NewRequest builds a GET request for a root-relative or absolute URL.
func NewRequest(rawURL string) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Request{Method: http.MethodGet, URL: u, Header: http.Header{}}, nil
}

// FromHTTP converts an incoming *http.Request.
func FromHTTP(r *http.Request) *Request {
	u := *r.URL
	return &Request{
		Method: r.Method,
		URL:    &u,
		Header: r.Header.Clone(),
	}
}

// Key returns the cache key of the request: its path plus query.
func (r *Request) Key() string {
	return r.URL.RequestURI()
}

// Without returns a copy of the request without the named headers.
func (r *Request) Without(names ...string) *Request {
	u := *r.URL
	cp := &Request{Method: r.Method, URL: &u, Header: r.Header.Clone()}
	if cp.Header == nil {
		cp.Header = http.Header{}
	}
	for _, name := range names {
		cp.Header.Del(name)
	}
	return cp
}

// For returns a GET request for path that carries the same headers.
func (r *Request) For(path string) *Request {
	return &Request{
		Method: http.MethodGet,
		URL:    &url.URL{Path: path},
		Header: r.Header.Clone(),
	}
}

// Path returns the URL path, "/" when empty.
func (r *Request) Path() string {
	if r.URL.Path == "" {
		return "/"
	}
	return r.URL.Path
}

// IsNavigation reports whether the request loads a top-level document.
func (r *Request) IsNavigation() bool {
	if r.Method != http.MethodGet {
		return false
	}
	if r.Header.Get("Sec-Fetch-Mode") == "navigate" || r.Header.Get("Sec-Fetch-Dest") == "document" {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.HasPrefix(accept, "text/html") || strings.Contains(accept, "application/xhtml+xml")
}

// IsImageDestination reports whether the browser declared the request as an image load.
func (r *Request) IsImageDestination() bool {
	if r.Header.Get("Sec-Fetch-Dest") == "image" {
		return true
	}
	return strings.HasPrefix(r.Header.Get("Accept"), "image/")
}

// Response is a fully buffered response. The body can be read any number of
// times, so a single value may be both stored and returned to a page.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	StoredAt   time.Time
	Source     Source
}

// OK reports whether the status is 2xx; only such responses are cached.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// HasCacheDirective reports whether the Cache-Control header of the response
// contains directive, ignoring case and any "=value" part.
func (r *Response) HasCacheDirective(directive string) bool {
	for _, line := range r.Header.Values("Cache-Control") {
		for _, d := range strings.Split(line, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(d), "=")
			if strings.EqualFold(name, directive) {
				return true
			}
		}
	}
	return false
}

// Clone returns a deep copy of the response.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	body := make([]byte, len(r.Body))
	copy(body, r.Body)
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       body,
		StoredAt:   r.StoredAt,
		Source:     r.Source,
	}
}

// WithSource returns a shallow copy tagged with src.
func (r *Response) WithSource(src Source) *Response {
	cp := *r
	cp.Source = src
	return &cp
}
