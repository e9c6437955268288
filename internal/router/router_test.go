package router

import (
	"net/http"
	"testing"

	"chatus/internal/core"
)

func newReq(t *testing.T, method, rawURL string, headers map[string]string) *core.Request {
	t.Helper()
	req, err := core.NewRequest(rawURL)
	if err != nil {
		t.Fatalf("NewRequest(%q): %v", rawURL, err)
	}
	req.Method = method
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return req
}

func TestRoute(t *testing.T) {
	rules := Default()
	html := map[string]string{"Accept": "text/html,application/xhtml+xml"}

	tests := []struct {
		name     string
		method   string
		url      string
		headers  map[string]string
		strategy Strategy
		bucket   Bucket
		category core.Category
	}{
		{"api", http.MethodGet, "/api/messages?room=1", nil, NetworkFirst, BucketDynamic, core.CategoryAPI},
		{"next static", http.MethodGet, "/_next/static/chunks/app.js", nil, StaleWhileRevalidate, BucketStatic, core.CategoryNextStatic},
		{"image", http.MethodGet, "/icons/icon-192x192.png", nil, CacheFirst, BucketStatic, core.CategoryImage},
		{"jpeg", http.MethodGet, "/uploads/avatar.JPEG", nil, CatchAll, BucketDynamic, core.CategoryOther},
		{"font", http.MethodGet, "/fonts/inter.woff2", nil, CacheFirst, BucketStatic, core.CategoryAsset},
		{"stylesheet", http.MethodGet, "/styles/main.css", nil, CacheFirst, BucketStatic, core.CategoryAsset},
		{"navigation by accept", http.MethodGet, "/chat/42", html, Navigation, BucketDynamic, core.CategoryNavigation},
		{"navigation by fetch mode", http.MethodGet, "/settings", map[string]string{"Sec-Fetch-Mode": "navigate"}, Navigation, BucketDynamic, core.CategoryNavigation},
		{"other", http.MethodGet, "/manifest.json", nil, CatchAll, BucketDynamic, core.CategoryOther},
		{"api before navigation", http.MethodGet, "/api/export", html, NetworkFirst, BucketDynamic, core.CategoryAPI},
		{"post", http.MethodPost, "/api/messages", nil, Passthrough, BucketNone, core.CategoryAPI},
		{"hmr", http.MethodGet, "/_next/webpack-hmr?page=/", nil, Passthrough, BucketNone, core.CategoryOther},
		{"websocket scheme", http.MethodGet, "wss://chatus.example/socket", nil, Passthrough, BucketNone, core.CategoryOther},
		{"websocket upgrade", http.MethodGet, "/socket.io/", map[string]string{"Upgrade": "websocket"}, Passthrough, BucketNone, core.CategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rules.Route(newReq(t, tt.method, tt.url, tt.headers))
			if got.Strategy != tt.strategy {
				t.Errorf("Strategy = %v, want %v", got.Strategy, tt.strategy)
			}
			if got.Bucket != tt.bucket {
				t.Errorf("Bucket = %v, want %v", got.Bucket, tt.bucket)
			}
			if got.Category != tt.category {
				t.Errorf("Category = %v, want %v", got.Category, tt.category)
			}
		})
	}
}

func TestShouldCache(t *testing.T) {
	rules := Default()
	tests := []struct {
		url  string
		want bool
	}{
		{"/_next/static/media/logo.svg", true},
		{"/app/_next/static/chunk", true},
		{"/avatars/1.webp", true},
		{"/vendor/lib.js", true},
		{"/manifest.json", false},
		{"/chat/1", false},
	}
	for _, tt := range tests {
		if got := rules.ShouldCache(newReq(t, http.MethodGet, tt.url, nil)); got != tt.want {
			t.Errorf("ShouldCache(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestWantsImage(t *testing.T) {
	rules := Default()
	if !rules.WantsImage(newReq(t, http.MethodGet, "/a/b.gif", nil)) {
		t.Error("gif path should want an image")
	}
	if !rules.WantsImage(newReq(t, http.MethodGet, "/avatar/7", map[string]string{"Sec-Fetch-Dest": "image"})) {
		t.Error("image destination should want an image")
	}
	if rules.WantsImage(newReq(t, http.MethodGet, "/data.json", nil)) {
		t.Error("json should not want an image")
	}
}

func TestCompileRejectsBadPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ImagePattern = "(["
	if _, err := Compile(cfg); err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestCompileFillsDefaults(t *testing.T) {
	rules, err := Compile(Config{APIPrefix: "/v2/"})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := rules.Route(newReq(t, http.MethodGet, "/v2/rooms", nil)); got.Strategy != NetworkFirst {
		t.Errorf("custom api prefix routed to %v", got.Strategy)
	}
	if got := rules.Route(newReq(t, http.MethodGet, "/_next/static/x.js", nil)); got.Strategy != StaleWhileRevalidate {
		t.Errorf("default next static pattern routed to %v", got.Strategy)
	}
}
