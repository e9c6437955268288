// Package fetch performs network requests against the ChatUs origin on behalf
// of intercepted page requests.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatus/internal/core"
)

// DefaultMaxBodyBytes caps how much of an origin response is buffered.
const DefaultMaxBodyBytes = 32 << 20

// Headers that describe a single connection and are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ErrCircuitOpen is wrapped by fetch errors while the origin circuit is open.
var ErrCircuitOpen = errors.New("origin circuit is open")

// Fetcher retrieves responses from the network.
// A non-2xx status is a successful fetch; only transport failures are errors.
type Fetcher interface {
	Fetch(ctx context.Context, req *core.Request) (*core.Response, error)
}

// Config holds origin fetch options.
type Config struct {
	// OriginURL is the base URL of the ChatUs origin (e.g. "http://localhost:3000")
	OriginURL string

	// MaxBodyBytes limits buffered response bodies (default: 32MB)
	MaxBodyBytes int64

	// Breaker enables the origin circuit breaker when set
	Breaker *BreakerConfig
}

// HTTPFetcher implements Fetcher with an *http.Client.
type HTTPFetcher struct {
	client  *http.Client
	origin  *url.URL
	maxBody int64
	breaker *breaker
}

// New creates an HTTPFetcher for the configured origin.
func New(client *http.Client, cfg Config) (*HTTPFetcher, error) {
	if client == nil {
		return nil, fmt.Errorf("http client is required")
	}
	origin, err := url.Parse(cfg.OriginURL)
	if err != nil {
		return nil, fmt.Errorf("invalid origin URL: %w", err)
	}
	if origin.Scheme != "http" && origin.Scheme != "https" {
		return nil, fmt.Errorf("invalid origin URL %q: scheme must be http or https", cfg.OriginURL)
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	f := &HTTPFetcher{client: client, origin: origin, maxBody: maxBody}
	if cfg.Breaker != nil {
		f.breaker = newBreaker(*cfg.Breaker)
	}
	return f, nil
}

// BreakerState returns "closed", "open" or "half-open"; "disabled" without a breaker.
func (f *HTTPFetcher) BreakerState() string {
	if f.breaker == nil {
		return "disabled"
	}
	return f.breaker.State()
}

// Origin returns the origin base URL.
func (f *HTTPFetcher) Origin() *url.URL {
	u := *f.origin
	return &u
}

// Target resolves the origin URL a request is forwarded to.
func (f *HTTPFetcher) Target(req *core.Request) *url.URL {
	u := *f.origin
	u.Path = strings.TrimSuffix(f.origin.Path, "/") + req.Path()
	u.RawPath = ""
	u.RawQuery = req.URL.RawQuery
	u.Fragment = ""
	return &u
}

// Fetch sends req to the origin and buffers the whole response.
// While the circuit is open it fails immediately with a network error.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *core.Request) (*core.Response, error) {
	if f.breaker == nil {
		return f.fetch(ctx, req)
	}
	if !f.breaker.Allow() {
		return nil, core.NewNetworkError(req.Key(), ErrCircuitOpen)
	}
	resp, err := f.fetch(ctx, req)
	switch {
	case err != nil && ctx.Err() == nil:
		f.breaker.RecordFailure()
	case err == nil && isGatewayFailure(resp.StatusCode):
		f.breaker.RecordFailure()
	case err == nil:
		f.breaker.RecordSuccess()
	}
	return resp, err
}

// isGatewayFailure reports statuses a proxy in front of the origin returns
// when the origin itself is down.
func isGatewayFailure(status int) bool {
	return status == http.StatusBadGateway ||
		status == http.StatusServiceUnavailable ||
		status == http.StatusGatewayTimeout
}

func (f *HTTPFetcher) fetch(ctx context.Context, req *core.Request) (*core.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, f.Target(req).String(), nil)
	if err != nil {
		return nil, core.NewNetworkError(req.Key(), err)
	}
	for k, vv := range req.Header {
		for _, v := range vv {
			httpReq.Header.Add(k, v)
		}
	}
	removeHopHeaders(httpReq.Header)
	// Let the transport negotiate and transparently decode compression.
	httpReq.Header.Del("Accept-Encoding")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, core.NewNetworkError(req.Key(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, core.NewNetworkError(req.Key(), fmt.Errorf("failed to read response body: %w", err))
	}
	if int64(len(body)) > f.maxBody {
		return nil, core.NewNetworkError(req.Key(), fmt.Errorf("response body exceeds %d bytes", f.maxBody))
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")

	return &core.Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		StoredAt:   time.Now().UTC(),
		Source:     core.SourceNetwork,
	}, nil
}

func removeHopHeaders(h http.Header) {
	for _, name := range h.Values("Connection") {
		for _, field := range strings.Split(name, ",") {
			if field = strings.TrimSpace(field); field != "" {
				h.Del(field)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
