package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"chatus/internal/cache"
	"chatus/internal/core"
	"chatus/internal/fallback"
	"chatus/internal/push"
	"chatus/internal/worker"
)

// mockController implements Controller for testing
type mockController struct {
	fetchResp  *core.Response
	fetchErr   error
	pushErr    error
	syncErr    error
	clickRes   push.ClickResult
	lastSync   string
	periodic   bool
	lastMsg    worker.Message
	lastClick  push.Click
	closeCalls int
	pushed     []byte
	pushedTo   string
	msgCookie  string
}

func (m *mockController) HandleFetch(context.Context, *core.Request) (*core.Response, error) {
	return m.fetchResp, m.fetchErr
}

func (m *mockController) HandleMessage(ctx context.Context, msg worker.Message) (worker.MessageResult, error) {
	m.lastMsg = msg
	m.msgCookie = core.CredentialsFrom(ctx).Get("Cookie")
	res := worker.MessageResult{Type: msg.MessageType(), State: "activated"}
	if urls, ok := msg.(worker.CacheURLs); ok {
		res.Report = &cache.FetchReport{Cached: urls.URLs, Failed: []string{}}
	}
	return res, nil
}

func (m *mockController) HandlePush(_ context.Context, subscription string, raw []byte) (push.Notification, error) {
	if subscription != "sub-1" {
		return push.Notification{}, core.NewNotFoundError("unknown push subscription")
	}
	m.pushed, m.pushedTo = raw, subscription
	return push.BuildNotification(push.ParsePayload(raw)), m.pushErr
}

func (m *mockController) HandleNotificationClick(_ context.Context, click push.Click) (push.ClickResult, error) {
	m.lastClick = click
	return m.clickRes, nil
}

func (m *mockController) HandleNotificationClose(context.Context, push.Close) {
	m.closeCalls++
}

func (m *mockController) HandleSync(_ context.Context, tag string) error {
	m.lastSync, m.periodic = tag, false
	return m.syncErr
}

func (m *mockController) HandlePeriodicSync(_ context.Context, tag string) error {
	m.lastSync, m.periodic = tag, true
	return m.syncErr
}

func (m *mockController) Status(context.Context) worker.Status {
	return worker.Status{State: "activated", Version: "v1.0.0", Windows: []core.Window{}}
}

func serve(srv *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestFetchWritesControllerResponse(t *testing.T) {
	header := http.Header{}
	header.Set("Content-Type", "application/json")
	mock := &mockController{fetchResp: &core.Response{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       []byte(`{"id":1}`),
		Source:     core.SourceCache,
	}}
	srv := New(mock, nil)

	rec := serve(srv, http.MethodGet, "/api/rooms/1", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got := rec.Header().Get(CacheHeader); got != "cache" {
		t.Errorf("%s = %q, want cache", CacheHeader, got)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if rec.Body.String() != `{"id":1}` {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestFetchOfflineDocument(t *testing.T) {
	srv := New(&mockController{fetchResp: fallback.OfflineDocument()}, nil)

	rec := serve(srv, http.MethodGet, "/chat/42", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Вы оффлайн") {
		t.Error("expected the offline document")
	}
	if got := rec.Header().Get(CacheHeader); got != "fallback" {
		t.Errorf("%s = %q, want fallback", CacheHeader, got)
	}
}

func TestFetchOfflineErrorIs504(t *testing.T) {
	mock := &mockController{fetchErr: core.NewOfflineError("/data.json", errors.New("dial tcp: refused"))}
	srv := New(mock, nil)

	rec := serve(srv, http.MethodGet, "/data.json", "")

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected status 504, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "offline_error") {
		t.Errorf("expected offline_error in body, got: %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "refused") {
		t.Error("the wrapped network error must not leak to clients")
	}
}

func TestFetchPassthroughUsesProxy(t *testing.T) {
	var proxied string
	proxy := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied = r.Method + " " + r.URL.Path
		w.WriteHeader(http.StatusAccepted)
	})
	srv := New(&mockController{fetchErr: worker.ErrPassthrough}, &Config{Proxy: proxy})

	rec := serve(srv, http.MethodPost, "/api/messages", `{"text":"hi"}`)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	if proxied != "POST /api/messages" {
		t.Errorf("proxied = %q", proxied)
	}
}

func TestFetchPassthroughWithoutProxy(t *testing.T) {
	srv := New(&mockController{fetchErr: worker.ErrPassthrough}, nil)
	rec := serve(srv, http.MethodPost, "/api/messages", `{}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rec.Code)
	}
}

func TestPush(t *testing.T) {
	mock := &mockController{}
	srv := New(mock, nil)

	rec := serve(srv, http.MethodPost, "/_sw/push?subscription=sub-1", `{"title":"Hi","body":"Hello"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var n push.Notification
	if err := json.Unmarshal(rec.Body.Bytes(), &n); err != nil {
		t.Fatalf("failed to decode notification: %v", err)
	}
	if n.Title != "Hi" || n.Body != "Hello" || n.Tag != push.DefaultTag {
		t.Errorf("unexpected notification: %+v", n)
	}
	if len(n.Actions) != 2 {
		t.Errorf("expected 2 actions, got %d", len(n.Actions))
	}
	if mock.pushedTo != "sub-1" {
		t.Errorf("pushed to %q", mock.pushedTo)
	}
}

func TestPushSubscription(t *testing.T) {
	mock := &mockController{}
	srv := New(mock, nil)

	rec := serve(srv, http.MethodPost, "/_sw/push", `{"title":"Hi"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing subscription: expected status 400, got %d", rec.Code)
	}

	rec = serve(srv, http.MethodPost, "/_sw/push?subscription=someone-else", `{"title":"Hi"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown subscription: expected status 404, got %d", rec.Code)
	}
	if mock.pushed != nil {
		t.Errorf("payload delivered to an unknown subscription")
	}

	req := httptest.NewRequest(http.MethodPost, "/_sw/push", strings.NewReader("plain text"))
	req.Header.Set(SubscriptionHeader, "sub-1")
	hdrRec := httptest.NewRecorder()
	srv.ServeHTTP(hdrRec, req)
	if hdrRec.Code != http.StatusCreated {
		t.Fatalf("header subscription: expected status 201, got %d", hdrRec.Code)
	}
}

func TestMessageCarriesPageCredentials(t *testing.T) {
	mock := &mockController{}
	srv := New(mock, nil)

	req := httptest.NewRequest(http.MethodPost, "/_sw/message", strings.NewReader(`{"type":"CACHE_URLS","urls":["/api/inbox"]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cookie", "session=alice")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if mock.msgCookie != "session=alice" {
		t.Errorf("credentials = %q", mock.msgCookie)
	}
}

func TestPushDeliveryFailure(t *testing.T) {
	srv := New(&mockController{pushErr: errors.New("relay down")}, nil)
	rec := serve(srv, http.MethodPost, "/_sw/push?subscription=sub-1", "plain text")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rec.Code)
	}
}

func TestMessage(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantType   string
	}{
		{"skip waiting", `{"type":"SKIP_WAITING"}`, http.StatusOK, worker.TypeSkipWaiting},
		{"cache urls", `{"type":"CACHE_URLS","urls":["/a","/b"]}`, http.StatusOK, worker.TypeCacheURLs},
		{"unknown type", `{"type":"PURGE"}`, http.StatusBadRequest, ""},
		{"invalid json", `{"type":`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(&mockController{}, nil)
			rec := serve(srv, http.MethodPost, "/_sw/message", tt.body)
			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if tt.wantType == "" {
				return
			}
			var res worker.MessageResult
			if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
				t.Fatalf("failed to decode result: %v", err)
			}
			if res.Type != tt.wantType {
				t.Errorf("Type = %q, want %q", res.Type, tt.wantType)
			}
		})
	}
}

func TestSync(t *testing.T) {
	mock := &mockController{}
	srv := New(mock, nil)

	rec := serve(srv, http.MethodPost, "/_sw/sync", `{"tag":"update-cache","periodic":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if mock.lastSync != "update-cache" || !mock.periodic {
		t.Errorf("sync = %q periodic=%v", mock.lastSync, mock.periodic)
	}

	mock.syncErr = fmt.Errorf("%w: %q", worker.ErrUnknownSyncTag, "nope")
	rec = serve(srv, http.MethodPost, "/_sw/sync", `{"tag":"nope"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown tag, got %d", rec.Code)
	}
}

func TestNotificationEndpoints(t *testing.T) {
	mock := &mockController{clickRes: push.ClickResult{Outcome: push.OutcomeFocused, WindowID: "w1", URL: "/chat/42"}}
	srv := New(mock, nil)

	rec := serve(srv, http.MethodPost, "/_sw/notifications/click",
		`{"action":"reply","notification":{"tag":"chat-message","data":{"roomId":"42","messageId":"7"}}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if mock.lastClick.Action != push.ActionReply || mock.lastClick.Notification.RoomID() != "42" {
		t.Errorf("unexpected click: %+v", mock.lastClick)
	}
	if !strings.Contains(rec.Body.String(), `"outcome":"focused"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}

	rec = serve(srv, http.MethodPost, "/_sw/notifications/close", `{"notification":{"tag":"chat-message"}}`)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rec.Code)
	}
	if mock.closeCalls != 1 {
		t.Errorf("closeCalls = %d, want 1", mock.closeCalls)
	}
}

func TestHealth(t *testing.T) {
	srv := New(&mockController{}, nil)
	rec := serve(srv, http.MethodGet, "/health", "")

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "ok") {
		t.Errorf("expected body to contain 'ok', got: %s", rec.Body.String())
	}
}
