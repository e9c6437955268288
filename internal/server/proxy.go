package server

import (
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"

	"chatus/internal/core"
)

// NewOriginProxy forwards pass-through requests (non-GET methods, websocket
// upgrades, HMR) to the origin unchanged.
func NewOriginProxy(origin *url.URL, transport http.RoundTripper) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(origin)
			r.SetXForwarded()
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			slog.Warn("origin proxy failed", "method", r.Method, "path", r.URL.Path, "error", err)
			edgeErr := core.NewNetworkError(r.URL.RequestURI(), err)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(edgeErr.HTTPStatusCode())
			_, _ = w.Write([]byte(`{"error":{"type":"network_error","message":"origin is unreachable"}}`))
		},
	}
	return proxy
}
