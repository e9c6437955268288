package push

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"chatus/internal/core"
	"chatus/internal/observability"
)

// Notifier displays and dismisses notifications in a set of windows.
type Notifier interface {
	Show(ctx context.Context, to Windows, n Notification) error
	Dismiss(ctx context.Context, to Windows, n Notification) error
}

// Windows gives access to a set of open application windows.
type Windows interface {
	Broadcaster
	MatchAll(ctx context.Context) []core.Window
	Focus(ctx context.Context, id string) error
	Navigate(ctx context.Context, id, rawURL string) error
	OpenWindow(ctx context.Context, rawURL string) error
}

// Directory scopes windows to the client that owns them. A client only ever
// sees its own windows, the way a browser profile does.
type Directory interface {
	// Subscriber returns the windows of the client holding subscription.
	Subscriber(subscription string) (Windows, bool)
	// Client returns the windows of the client that owns window id.
	Client(windowID string) (Windows, bool)
}

// Click is a notificationclick event. Subscription names the client the
// notification was shown to; clicks reported by a window leave it empty.
type Click struct {
	Action       string       `json:"action"`
	Subscription string       `json:"subscription,omitempty"`
	Notification Notification `json:"notification"`
}

// Close is a notificationclose event.
type Close struct {
	Notification Notification `json:"notification"`
}

// Click outcomes.
const (
	OutcomeFocused = "focused"
	OutcomeOpened  = "opened"
)

// ClickResult describes what a click did.
type ClickResult struct {
	Outcome  string `json:"outcome"`
	WindowID string `json:"window_id,omitempty"`
	URL      string `json:"url"`
}

const chatPathPrefix = "/chat/"

// Bridge connects push messages to notifications and notification clicks to windows.
type Bridge struct {
	notifier Notifier
	clients  Directory
	metrics  *observability.Metrics
}

// NewBridge creates a bridge.
func NewBridge(notifier Notifier, clients Directory, metrics *observability.Metrics) *Bridge {
	return &Bridge{notifier: notifier, clients: clients, metrics: metrics}
}

// HandlePush decodes raw and shows the resulting notification to the client
// holding subscription. The notification is returned even when the notifier
// fails. An unknown subscription is a not found error.
func (b *Bridge) HandlePush(ctx context.Context, subscription string, raw []byte) (Notification, error) {
	p := ParsePayload(raw)
	n := BuildNotification(p)

	to, ok := b.clients.Subscriber(subscription)
	if !ok {
		b.metrics.PushNotification(p.Format, "unknown_subscription")
		return n, core.NewNotFoundError("unknown push subscription")
	}
	if err := b.notifier.Show(ctx, to, n); err != nil {
		b.metrics.PushNotification(p.Format, "error")
		return n, fmt.Errorf("failed to show notification: %w", err)
	}
	b.metrics.PushNotification(p.Format, "shown")
	slog.Debug("notification shown", "tag", n.Tag, "format", p.Format)
	return n, nil
}

// TargetURL is the page a click on n should lead to.
func TargetURL(n Notification, action string) string {
	roomID := n.RoomID()
	if roomID == "" {
		return "/"
	}
	target := chatPathPrefix + url.PathEscape(roomID)
	if action == ActionReply {
		if messageID := n.MessageID(); messageID != "" {
			target += "?reply=" + url.QueryEscape(messageID)
		}
	}
	return target
}

// HandleClick handles a click reported for the client holding
// c.Subscription.
func (b *Bridge) HandleClick(ctx context.Context, c Click) (ClickResult, error) {
	to, ok := b.clients.Subscriber(c.Subscription)
	if !ok {
		return ClickResult{}, core.NewNotFoundError("unknown push subscription")
	}
	return b.click(ctx, to, c)
}

// HandleWindowClick handles a click reported by one of a client's windows.
func (b *Bridge) HandleWindowClick(ctx context.Context, windowID string, c Click) (ClickResult, error) {
	to, ok := b.clients.Client(windowID)
	if !ok {
		return ClickResult{}, core.NewNotFoundError("unknown window " + windowID)
	}
	return b.click(ctx, to, c)
}

// click closes the notification and brings the user to its target within
// the client's own windows: a window already on the room is focused,
// otherwise a window on any chat room is focused and left where it is,
// otherwise a new window is opened at the target.
func (b *Bridge) click(ctx context.Context, to Windows, c Click) (ClickResult, error) {
	if err := b.notifier.Dismiss(ctx, to, c.Notification); err != nil {
		slog.Warn("failed to close notification", "tag", c.Notification.Tag, "error", err)
	}

	target := TargetURL(c.Notification, c.Action)
	targetPath := pathOf(target)
	windows := to.MatchAll(ctx)

	for _, w := range windows {
		if pathOf(w.URL) == targetPath && targetPath != "/" {
			if err := to.Focus(ctx, w.ID); err != nil {
				return ClickResult{}, fmt.Errorf("failed to focus window: %w", err)
			}
			if strings.Contains(target, "?") {
				// Same room, but the reply target carries a query.
				if err := to.Navigate(ctx, w.ID, target); err != nil {
					return ClickResult{}, fmt.Errorf("failed to navigate window: %w", err)
				}
			}
			return ClickResult{Outcome: OutcomeFocused, WindowID: w.ID, URL: target}, nil
		}
	}

	for _, w := range windows {
		if strings.HasPrefix(pathOf(w.URL), chatPathPrefix) {
			if err := to.Focus(ctx, w.ID); err != nil {
				return ClickResult{}, fmt.Errorf("failed to focus window: %w", err)
			}
			return ClickResult{Outcome: OutcomeFocused, WindowID: w.ID, URL: w.URL}, nil
		}
	}

	if err := to.OpenWindow(ctx, target); err != nil {
		return ClickResult{}, fmt.Errorf("failed to open window: %w", err)
	}
	return ClickResult{Outcome: OutcomeOpened, URL: target}, nil
}

// HandleClose is called when the user dismisses a notification.
func (b *Bridge) HandleClose(_ context.Context, c Close) {
	slog.Debug("notification closed", "tag", c.Notification.Tag, "room_id", c.Notification.RoomID())
}

// pathOf returns the path of a root-relative or absolute URL.
func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return "/"
	}
	return u.Path
}
