// Package clients tracks the application windows connected to the edge over
// websocket and delivers controller messages to them.
//
// Windows are grouped into clients by the credentials of their upgrade
// request, the way a browser groups pages by profile. Each client holds one
// push subscription id; push messages and notification clicks addressed to a
// subscription only ever reach that client's windows.
package clients

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"
	"github.com/tidwall/gjson"

	"chatus/internal/core"
	"chatus/internal/observability"
	"chatus/internal/push"
)

const (
	sendBufferSize = 16
	writeWait      = 10 * time.Second
	maxMessageSize = 64 << 10

	// DefaultPongWait is how long a window may stay silent before it is
	// dropped. Pings go out at nine tenths of it.
	DefaultPongWait = 60 * time.Second

	// DefaultSubscriptionTTL is how long a push subscription outlives the
	// last window of its client.
	DefaultSubscriptionTTL = 24 * time.Hour
)

// InboundHandler receives messages a window sends that the hub does not
// handle itself. ctx carries the credentials of the window's client.
type InboundHandler func(ctx context.Context, windowID string, raw []byte)

type window struct {
	id         string
	client     string
	url        string
	seq        uint64
	controlled bool
	conn       *websocket.Conn
	send       chan core.ClientMessage
}

// Option configures a Hub.
type Option func(*Hub)

// WithIdentity sets how upgrade requests are grouped into clients.
func WithIdentity(id core.Identity) Option {
	return func(h *Hub) { h.identity = id }
}

// WithPongWait sets the keepalive deadline. Non-positive values are ignored.
func WithPongWait(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pongWait = d
		}
	}
}

// WithSubscriptionTTL sets how long a subscription survives its last window.
func WithSubscriptionTTL(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.subscriptionTTL = d
		}
	}
}

// Hub is the registry of connected windows.
type Hub struct {
	mu      sync.RWMutex
	windows map[string]*window
	focused string
	seq     uint64
	handler InboundHandler
	closed  bool

	// subscriptions maps "client:"+client to its subscription id and
	// "sub:"+id back to the client. Entries never expire while the client
	// has a window connected.
	subscriptions *gocache.Cache

	identity        core.Identity
	pongWait        time.Duration
	subscriptionTTL time.Duration

	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

// NewHub creates an empty hub. Upgrades from another origin are refused.
func NewHub(metrics *observability.Metrics, opts ...Option) *Hub {
	h := &Hub{
		windows:         make(map[string]*window),
		subscriptions:   gocache.New(DefaultSubscriptionTTL, 10*time.Minute),
		pongWait:        DefaultPongWait,
		subscriptionTTL: DefaultSubscriptionTTL,
		metrics:         metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SetHandler sets the receiver of inbound window messages.
func (h *Hub) SetHandler(fn InboundHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = fn
}

// ServeHTTP upgrades the request to a websocket and serves the window until
// it disconnects. The window's current location is given in the url query
// parameter and later updated with CLIENT_URL messages.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	win := &window{
		id:   uuid.NewString(),
		url:  r.URL.Query().Get("url"),
		conn: conn,
		send: make(chan core.ClientMessage, sendBufferSize),
	}
	win.client = h.identity.Partition(r.Header)
	if win.client == "" {
		win.client = "window:" + win.id
	}
	if !h.register(win) {
		_ = conn.Close()
		return
	}
	slog.Debug("client window connected", "window_id", win.id, "url", win.url)

	go win.writePump(h.pongWait * 9 / 10)
	h.readPump(core.WithCredentials(r.Context(), r.Header), win)
}

func (h *Hub) register(w *window) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.seq++
	w.seq = h.seq
	h.windows[w.id] = w
	h.metrics.SetConnectedClients(len(h.windows))

	subscription, ok := h.subscriptions.Get("client:" + w.client)
	if !ok {
		subscription = uuid.NewString()
	}
	h.subscriptions.Set("client:"+w.client, subscription, gocache.NoExpiration)
	h.subscriptions.Set("sub:"+subscription.(string), w.client, gocache.NoExpiration)

	// The hello message tells the page its window id and the subscription
	// its push messages are addressed to.
	w.send <- core.ClientMessage{Type: "HELLO", Payload: map[string]string{
		"id":           w.id,
		"subscription": subscription.(string),
	}}
	return true
}

func (h *Hub) unregister(w *window) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.windows[w.id]; !ok {
		return
	}
	delete(h.windows, w.id)
	if h.focused == w.id {
		h.focused = ""
	}
	close(w.send)
	h.metrics.SetConnectedClients(len(h.windows))

	if !h.hasClientLocked(w.client) {
		if subscription, ok := h.subscriptions.Get("client:" + w.client); ok {
			h.subscriptions.Set("client:"+w.client, subscription, h.subscriptionTTL)
			h.subscriptions.Set("sub:"+subscription.(string), w.client, h.subscriptionTTL)
		}
	}
	slog.Debug("client window disconnected", "window_id", w.id)
}

func (h *Hub) hasClientLocked(client string) bool {
	for _, w := range h.windows {
		if w.client == client {
			return true
		}
	}
	return false
}

func (h *Hub) readPump(ctx context.Context, w *window) {
	defer func() {
		h.unregister(w)
		_ = w.conn.Close()
	}()
	w.conn.SetReadLimit(maxMessageSize)
	_ = w.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, raw, err := w.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = w.conn.SetReadDeadline(time.Now().Add(h.pongWait))
		if gjson.GetBytes(raw, "type").String() == core.MessageClientURL {
			h.setURL(w.id, gjson.GetBytes(raw, "url").String())
			continue
		}

		h.mu.RLock()
		handler := h.handler
		h.mu.RUnlock()
		if handler != nil {
			handler(ctx, w.id, raw)
		}
	}
}

func (w *window) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = w.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-w.send:
			if !ok {
				_ = w.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := w.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) setURL(id, rawURL string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if w, ok := h.windows[id]; ok {
		w.url = rawURL
	}
}

// MatchAll returns every connected window in connection order.
func (h *Hub) MatchAll(ctx context.Context) []core.Window {
	return h.matchAll("")
}

// matchAll lists the windows of client, or of every client when it is "".
func (h *Hub) matchAll(client string) []core.Window {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ws := make([]*window, 0, len(h.windows))
	for _, w := range h.windows {
		if client == "" || w.client == client {
			ws = append(ws, w)
		}
	}
	sort.Slice(ws, func(i, j int) bool { return ws[i].seq < ws[j].seq })

	out := make([]core.Window, len(ws))
	for i, w := range ws {
		out[i] = core.Window{ID: w.id, URL: w.url, Focused: w.id == h.focused, Controlled: w.controlled}
	}
	return out
}

// PostMessage sends msg to one window.
func (h *Hub) PostMessage(_ context.Context, id string, msg core.ClientMessage) error {
	return h.post("", id, msg)
}

func (h *Hub) post(client, id string, msg core.ClientMessage) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.windows[id]
	if !ok || (client != "" && w.client != client) {
		return core.NewNotFoundError("client window " + id + " is not connected")
	}
	h.deliverLocked(w, msg)
	return nil
}

// Broadcast sends msg to every window and returns how many were reached.
func (h *Hub) Broadcast(_ context.Context, msg core.ClientMessage) int {
	return h.broadcast("", msg)
}

func (h *Hub) broadcast(client string, msg core.ClientMessage) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, w := range h.windows {
		if client != "" && w.client != client {
			continue
		}
		if h.deliverLocked(w, msg) {
			n++
		}
	}
	return n
}

// deliverLocked queues msg without blocking. A window that cannot keep up
// loses the message. The caller holds h.mu.
func (h *Hub) deliverLocked(w *window, msg core.ClientMessage) bool {
	select {
	case w.send <- msg:
		return true
	default:
		slog.Warn("client window send buffer full, dropping message", "window_id", w.id, "type", msg.Type)
		return false
	}
}

// Focus asks a window to bring itself to the foreground.
func (h *Hub) Focus(_ context.Context, id string) error {
	return h.focus("", id)
}

func (h *Hub) focus(client, id string) error {
	if err := h.post(client, id, core.ClientMessage{Type: core.MessageFocus}); err != nil {
		return err
	}
	h.mu.Lock()
	h.focused = id
	h.mu.Unlock()
	return nil
}

// Navigate asks a window to load rawURL.
func (h *Hub) Navigate(_ context.Context, id, rawURL string) error {
	return h.navigate("", id, rawURL)
}

func (h *Hub) navigate(client, id, rawURL string) error {
	msg := core.ClientMessage{Type: core.MessageNavigate, Payload: map[string]string{"url": rawURL}}
	if err := h.post(client, id, msg); err != nil {
		return err
	}
	h.setURL(id, rawURL)
	return nil
}

// OpenWindow asks the focused window, or else the most recently connected
// one, to open rawURL in a new window.
func (h *Hub) OpenWindow(_ context.Context, rawURL string) error {
	return h.openWindow("", rawURL)
}

func (h *Hub) openWindow(client, rawURL string) error {
	h.mu.RLock()
	target := ""
	if w, ok := h.windows[h.focused]; ok && (client == "" || w.client == client) {
		target = w.id
	}
	if target == "" {
		var latest uint64
		for id, w := range h.windows {
			if (client == "" || w.client == client) && w.seq > latest {
				latest, target = w.seq, id
			}
		}
	}
	h.mu.RUnlock()

	if target == "" {
		return core.NewNotFoundError("no client window is connected")
	}
	return h.post(client, target, core.ClientMessage{
		Type:    core.MessageOpenWindow,
		Payload: map[string]string{"url": rawURL},
	})
}

// Claim takes control of every connected window and returns how many there are.
func (h *Hub) Claim(ctx context.Context) int {
	h.mu.Lock()
	for _, w := range h.windows {
		w.controlled = true
	}
	h.mu.Unlock()
	return h.Broadcast(ctx, core.ClientMessage{Type: core.MessageControllerChanged})
}

// Subscriber returns the windows of the client holding subscription. It
// reports false for unknown or expired subscriptions.
func (h *Hub) Subscriber(subscription string) (push.Windows, bool) {
	if subscription == "" {
		return nil, false
	}
	client, ok := h.subscriptions.Get("sub:" + subscription)
	if !ok {
		return nil, false
	}
	return clientWindows{hub: h, client: client.(string)}, true
}

// Client returns the windows of the client that owns the connected window id.
func (h *Hub) Client(windowID string) (push.Windows, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	w, ok := h.windows[windowID]
	if !ok {
		return nil, false
	}
	return clientWindows{hub: h, client: w.client}, true
}

// Len returns the number of connected windows.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.windows)
}

// Close disconnects every window and refuses new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	conns := make([]*websocket.Conn, 0, len(h.windows))
	for _, w := range h.windows {
		conns = append(conns, w.conn)
	}
	h.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

// clientWindows is the view of the hub restricted to one client.
type clientWindows struct {
	hub    *Hub
	client string
}

func (c clientWindows) MatchAll(context.Context) []core.Window {
	return c.hub.matchAll(c.client)
}

func (c clientWindows) Broadcast(_ context.Context, msg core.ClientMessage) int {
	return c.hub.broadcast(c.client, msg)
}

func (c clientWindows) Focus(_ context.Context, id string) error {
	return c.hub.focus(c.client, id)
}

func (c clientWindows) Navigate(_ context.Context, id, rawURL string) error {
	return c.hub.navigate(c.client, id, rawURL)
}

func (c clientWindows) OpenWindow(_ context.Context, rawURL string) error {
	return c.hub.openWindow(c.client, rawURL)
}
