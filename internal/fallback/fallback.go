// Package fallback synthesizes the responses served when neither the network
// nor any cache can answer a request.
package fallback

import (
	_ "embed"
	"net/http"
	"time"

	"chatus/internal/core"
)

//go:embed assets/offline.html
var offlineHTML []byte

//go:embed assets/placeholder.svg
var placeholderSVG []byte

// OfflineDocument returns the branded offline page. It has a retry button and
// reloads itself when the browser comes back online.
func OfflineDocument() *core.Response {
	return synthesize("text/html; charset=utf-8", offlineHTML)
}

// ImagePlaceholder returns an SVG telling the user the image is unavailable offline.
func ImagePlaceholder() *core.Response {
	return synthesize("image/svg+xml", placeholderSVG)
}

func synthesize(contentType string, body []byte) *core.Response {
	h := http.Header{}
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-store")
	b := make([]byte, len(body))
	copy(b, body)
	return &core.Response{
		StatusCode: http.StatusOK,
		Header:     h,
		Body:       b,
		StoredAt:   time.Now().UTC(),
		Source:     core.SourceFallback,
	}
}
