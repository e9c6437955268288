// Package worker implements the offline cache controller: its lifecycle,
// request handling, page messages, push events and background sync.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"chatus/internal/cache"
	"chatus/internal/core"
	"chatus/internal/fallback"
	"chatus/internal/fetch"
	"chatus/internal/observability"
	"chatus/internal/push"
	"chatus/internal/router"
	"chatus/internal/strategy"
)

// ErrPassthrough means the request must be forwarded to the origin untouched.
var ErrPassthrough = errors.New("request is not handled by the controller")

// DefaultManifest is the app shell cached at install.
var DefaultManifest = []string{
	"/",
	"/manifest.json",
	"/icons/icon-192x192.png",
	"/icons/icon-512x512.png",
}

// State is a lifecycle state.
type State int

const (
	StateInstalling State = iota
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return "unknown"
	}
}

// Windows is the set of client windows the controller talks to.
type Windows interface {
	push.Windows
	Claim(ctx context.Context) int
	PostMessage(ctx context.Context, id string, msg core.ClientMessage) error
}

// Config holds controller options.
type Config struct {
	// Manifest lists the URLs cached into the static namespace at install
	Manifest []string

	// SkipWaiting activates right after install instead of waiting for a
	// SKIP_WAITING message
	SkipWaiting bool
}

// Deps are the collaborators of a Controller.
type Deps struct {
	Cache      *cache.Manager
	Fetcher    fetch.Fetcher
	Strategies *strategy.Strategies
	Rules      *router.Rules
	Bridge     *push.Bridge
	Windows    Windows
	Metrics    *observability.Metrics
}

// Controller is the offline cache controller.
type Controller struct {
	cfg        Config
	cache      *cache.Manager
	fetcher    fetch.Fetcher
	strategies *strategy.Strategies
	rules      *router.Rules
	bridge     *push.Bridge
	windows    Windows
	metrics    *observability.Metrics

	mu            sync.RWMutex
	state         State
	installing    bool
	installReport *cache.FetchReport
	pruned        []string
	activatedAt   time.Time
}

// New creates a controller in the installing state.
func New(cfg Config, deps Deps) *Controller {
	if cfg.Manifest == nil {
		cfg.Manifest = DefaultManifest
	}
	return &Controller{
		cfg:        cfg,
		cache:      deps.Cache,
		fetcher:    deps.Fetcher,
		strategies: deps.Strategies,
		rules:      deps.Rules,
		bridge:     deps.Bridge,
		windows:    deps.Windows,
		metrics:    deps.Metrics,
		state:      StateInstalling,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Install opens the current namespaces and caches the manifest. Failing
// assets are logged and skipped. With SkipWaiting set it then activates.
func (c *Controller) Install(ctx context.Context) (cache.FetchReport, error) {
	c.mu.Lock()
	if c.state != StateInstalling || c.installing {
		state := c.state
		c.mu.Unlock()
		return cache.FetchReport{}, fmt.Errorf("cannot install in state %s", state)
	}
	c.installing = true
	c.mu.Unlock()

	slog.Info("installing", "version", c.cache.Names().Version, "assets", len(c.cfg.Manifest))
	report := c.cache.Install(ctx, c.fetcher, c.cfg.Manifest)

	result := "ok"
	if len(report.Failed) > 0 {
		result = "partial"
	}
	c.metrics.LifecycleEvent("install", result)

	c.mu.Lock()
	c.state = StateInstalled
	c.installing = false
	c.installReport = &report
	c.mu.Unlock()

	if c.cfg.SkipWaiting {
		if err := c.Activate(ctx); err != nil {
			return report, err
		}
	} else {
		slog.Info("installed, waiting for SKIP_WAITING")
	}
	return report, nil
}

// SkipWaiting activates an installed controller. It is a no-op once the
// controller is activating or activated.
func (c *Controller) SkipWaiting(ctx context.Context) error {
	switch c.State() {
	case StateInstalled:
		return c.Activate(ctx)
	case StateActivating, StateActivated:
		return nil
	default:
		return fmt.Errorf("cannot skip waiting in state %s", c.State())
	}
}

// Activate prunes stale namespaces and claims every window. Pruning failures
// are logged; activation still completes.
func (c *Controller) Activate(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInstalled {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("cannot activate in state %s", state)
	}
	c.state = StateActivating
	c.mu.Unlock()

	pruned, err := c.cache.Activate(ctx)
	result := "ok"
	if err != nil {
		slog.Warn("failed to prune some cache namespaces", "error", err)
		result = "partial"
	}
	c.metrics.LifecycleEvent("activate", result)

	claimed := 0
	if c.windows != nil {
		claimed = c.windows.Claim(ctx)
	}

	c.mu.Lock()
	c.state = StateActivated
	c.pruned = pruned
	c.activatedAt = time.Now().UTC()
	c.mu.Unlock()

	slog.Info("activated", "version", c.cache.Names().Version, "pruned", len(pruned), "claimed", claimed)
	return nil
}

// Close marks the controller redundant. Requests are passed through afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateRedundant
	return nil
}

// HandleFetch serves an intercepted request. It returns ErrPassthrough when
// the request must go to the origin untouched, including every request that
// arrives before activation.
func (c *Controller) HandleFetch(ctx context.Context, req *core.Request) (*core.Response, error) {
	if c.State() != StateActivated {
		return nil, ErrPassthrough
	}

	route := c.rules.Route(req)
	names := c.cache.Names()
	namespace := names.Dynamic()
	if route.Bucket == router.BucketStatic {
		namespace = names.Static()
	}

	switch route.Strategy {
	case router.Passthrough:
		return nil, ErrPassthrough
	case router.NetworkFirst:
		return c.strategies.NetworkFirst(ctx, req, namespace)
	case router.StaleWhileRevalidate:
		return c.strategies.StaleWhileRevalidate(ctx, req, namespace)
	case router.CacheFirst:
		return c.strategies.CacheFirst(ctx, req, namespace)
	case router.Navigation:
		return c.navigate(ctx, req, namespace)
	default:
		resp, err := c.strategies.CatchAll(ctx, req, namespace, c.rules.ShouldCache)
		if err != nil && core.IsOffline(err) && c.rules.WantsImage(req) {
			c.metrics.Fallback("image_placeholder")
			return fallback.ImagePlaceholder(), nil
		}
		return resp, err
	}
}

// navigate serves a document: network, then its cached copy, then the cached
// app shell, then the offline page.
func (c *Controller) navigate(ctx context.Context, req *core.Request, namespace string) (*core.Response, error) {
	resp, err := c.strategies.NetworkFirst(ctx, req, namespace)
	if err == nil {
		return resp, nil
	}
	if !core.IsOffline(err) {
		return nil, err
	}
	if shell := c.cache.MatchAnyRequest(ctx, req.For("/")); shell != nil {
		c.metrics.Fallback("app_shell")
		return shell.WithSource(core.SourceCache), nil
	}
	c.metrics.Fallback("offline_document")
	return fallback.OfflineDocument(), nil
}

// MessageResult is the reply to a page message.
type MessageResult struct {
	Type   string             `json:"type"`
	State  string             `json:"state"`
	Report *cache.FetchReport `json:"report,omitempty"`
}

// HandleMessage runs a page command.
func (c *Controller) HandleMessage(ctx context.Context, msg Message) (MessageResult, error) {
	switch m := msg.(type) {
	case SkipWaiting:
		if err := c.SkipWaiting(ctx); err != nil {
			return MessageResult{}, err
		}
		return MessageResult{Type: m.MessageType(), State: c.State().String()}, nil
	case CacheURLs:
		report := c.cache.FetchAll(ctx, c.fetcher, c.cache.Names().Dynamic(), m.URLs)
		slog.Info("cached urls on request", "cached", len(report.Cached), "failed", len(report.Failed))
		return MessageResult{Type: m.MessageType(), State: c.State().String(), Report: &report}, nil
	default:
		return MessageResult{}, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}
}

// HandleWindowMessage dispatches a raw message received from a window.
// Errors are logged; nothing is thrown back at the page.
func (c *Controller) HandleWindowMessage(ctx context.Context, windowID string, raw []byte) {
	var err error
	switch typ := gjson.GetBytes(raw, "type").String(); typ {
	case TypeNotificationClick:
		var click push.Click
		if click, err = decodeClick(raw); err == nil {
			_, err = c.HandleWindowClick(ctx, windowID, click)
		}
	case TypeNotificationClose:
		var closed push.Close
		if closed, err = decodeClose(raw); err == nil {
			c.HandleNotificationClose(ctx, closed)
		}
	default:
		var msg Message
		if msg, err = DecodeMessage(raw); err == nil {
			_, err = c.HandleMessage(ctx, msg)
		}
	}
	if err != nil {
		slog.Warn("failed to handle window message", "window_id", windowID, "error", err)
	}
}

// HandlePush shows a notification for a push payload to the client holding
// subscription.
func (c *Controller) HandlePush(ctx context.Context, subscription string, raw []byte) (push.Notification, error) {
	n, err := c.bridge.HandlePush(ctx, subscription, raw)
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.LifecycleEvent("push", result)
	return n, err
}

// HandleNotificationClick routes a notification click to a window of the
// client holding click.Subscription.
func (c *Controller) HandleNotificationClick(ctx context.Context, click push.Click) (push.ClickResult, error) {
	res, err := c.bridge.HandleClick(ctx, click)
	return c.clicked(res, err)
}

// HandleWindowClick routes a click reported by a window to the windows of
// the same client.
func (c *Controller) HandleWindowClick(ctx context.Context, windowID string, click push.Click) (push.ClickResult, error) {
	res, err := c.bridge.HandleWindowClick(ctx, windowID, click)
	return c.clicked(res, err)
}

func (c *Controller) clicked(res push.ClickResult, err error) (push.ClickResult, error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.metrics.LifecycleEvent("notificationclick", result)
	return res, err
}

// HandleNotificationClose records a dismissed notification.
func (c *Controller) HandleNotificationClose(ctx context.Context, closed push.Close) {
	c.bridge.HandleClose(ctx, closed)
	c.metrics.LifecycleEvent("notificationclose", "ok")
}

// HandleSync runs a one-off background sync.
func (c *Controller) HandleSync(ctx context.Context, tag string) error {
	ev, err := ParseSyncTag(tag)
	if err != nil {
		c.metrics.LifecycleEvent("sync", "unknown")
		return err
	}
	return c.runSync(ctx, "sync", ev)
}

// HandlePeriodicSync runs a periodic background sync.
func (c *Controller) HandlePeriodicSync(ctx context.Context, tag string) error {
	ev, err := ParsePeriodicSyncTag(tag)
	if err != nil {
		c.metrics.LifecycleEvent("periodicsync", "unknown")
		return err
	}
	return c.runSync(ctx, "periodicsync", ev)
}

func (c *Controller) runSync(ctx context.Context, event string, ev SyncEvent) error {
	switch ev.(type) {
	case SyncMessages:
		n := 0
		if c.windows != nil {
			n = c.windows.Broadcast(ctx, core.ClientMessage{Type: core.MessageSyncOfflineMessages})
		}
		slog.Info("offline message sync requested", "windows", n)
	case UpdateCache:
		report := c.cache.FetchAll(ctx, c.fetcher, c.cache.Names().Static(), c.cfg.Manifest)
		slog.Info("static cache updated", "cached", len(report.Cached), "failed", len(report.Failed))
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSyncTag, ev.Tag())
	}
	c.metrics.LifecycleEvent(event, "ok")
	return nil
}

// RunPeriodicSync fires the update-cache sync every interval until ctx is done.
func (c *Controller) RunPeriodicSync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.State() != StateActivated {
				continue
			}
			if err := c.HandlePeriodicSync(ctx, TagUpdateCache); err != nil {
				slog.Warn("periodic sync failed", "error", err)
			}
		}
	}
}

// Status is a snapshot of the controller.
type Status struct {
	State         string             `json:"state"`
	Version       string             `json:"version"`
	Namespaces    []string           `json:"namespaces"`
	InstallReport *cache.FetchReport `json:"install_report,omitempty"`
	Pruned        []string           `json:"pruned,omitempty"`
	ActivatedAt   *time.Time         `json:"activated_at,omitempty"`
	Windows       []core.Window      `json:"windows"`
}

// Status reports the lifecycle state, namespaces and connected windows.
func (c *Controller) Status(ctx context.Context) Status {
	names := c.cache.Names()
	windows := []core.Window{}
	if c.windows != nil {
		windows = c.windows.MatchAll(ctx)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Status{
		State:         c.state.String(),
		Version:       names.Version,
		Namespaces:    names.All(),
		InstallReport: c.installReport,
		Pruned:        c.pruned,
		Windows:       windows,
	}
	if !c.activatedAt.IsZero() {
		at := c.activatedAt
		s.ActivatedAt = &at
	}
	return s
}
