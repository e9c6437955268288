package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"chatus/internal/core"
	"chatus/internal/observability"
)

func TestRequestIDMiddleware(t *testing.T) {
	srv := New(&mockController{}, nil)

	t.Run("generates request ID when missing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		got := rec.Header().Get("X-Request-ID")
		if len(got) != 36 {
			t.Errorf("expected UUID (36 chars), got %q (%d chars)", got, len(got))
		}
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "my-custom-id")
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		if got := rec.Header().Get("X-Request-ID"); got != "my-custom-id" {
			t.Errorf("expected response header X-Request-ID to be %q, got %q", "my-custom-id", got)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	metrics.Fallback("offline_document")

	tests := []struct {
		name           string
		config         *Config
		requestPath    string
		expectedStatus int
	}{
		{
			name:           "metrics disabled",
			config:         &Config{MetricsEnabled: false},
			requestPath:    "/metrics",
			expectedStatus: http.StatusGatewayTimeout, // falls through to the catch-all
		},
		{
			name:           "default path",
			config:         &Config{MetricsEnabled: true, MetricsGatherer: reg},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "custom path",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/internal/metrics", MetricsGatherer: reg},
			requestPath:    "/internal/metrics",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "control prefix is refused",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/_sw/metrics", MetricsGatherer: reg},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "path traversal is cleaned",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/foo/../_sw/push", MetricsGatherer: reg},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockController{fetchErr: offlineErr()}
			srv := New(mock, tt.config)

			req := httptest.NewRequest(http.MethodGet, tt.requestPath, nil)
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)

			if rec.Code != tt.expectedStatus {
				t.Fatalf("expected status %d, got %d", tt.expectedStatus, rec.Code)
			}
			if tt.expectedStatus == http.StatusOK && !strings.Contains(rec.Body.String(), "chatus_edge_offline_fallbacks_total") {
				t.Error("expected controller metrics in response")
			}
		})
	}
}

func TestAdminKeyProtectsControlEndpoints(t *testing.T) {
	srv := New(&mockController{}, &Config{AdminKey: "secret"})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		auth   string
		want   int
	}{
		{"status without key", http.MethodGet, "/_sw/status", "", "", http.StatusUnauthorized},
		{"status with key", http.MethodGet, "/_sw/status", "", "Bearer secret", http.StatusOK},
		{"push with wrong key", http.MethodPost, "/_sw/push", "hi", "Bearer nope", http.StatusUnauthorized},
		{"sync without key", http.MethodPost, "/_sw/sync", `{"tag":"sync-messages"}`, "", http.StatusUnauthorized},
		{"page message is public", http.MethodPost, "/_sw/message", `{"type":"SKIP_WAITING"}`, "", http.StatusOK},
		{"health is public", http.MethodGet, "/health", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rec := httptest.NewRecorder()
			srv.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestConfigurableBodySizeLimit(t *testing.T) {
	srv := New(&mockController{}, &Config{BodySizeLimit: 1024})

	req := httptest.NewRequest(http.MethodPost, "/_sw/push?subscription=sub-1", strings.NewReader(strings.Repeat("x", 2048)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413 for body over the limit, got %d", rec.Code)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	srv := New(&panickingController{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 after a handler panic, got %d", rec.Code)
	}
}

func offlineErr() error {
	return core.NewOfflineError("/metrics", nil)
}

type panickingController struct{ mockController }

func (panickingController) HandleFetch(context.Context, *core.Request) (*core.Response, error) {
	panic("boom")
}
