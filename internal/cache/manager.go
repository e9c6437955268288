package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"chatus/internal/core"
	"chatus/internal/observability"
)

// DefaultInstallConcurrency bounds parallel fetches during install and bulk caching.
const DefaultInstallConcurrency = 4

// Fetcher retrieves a response from the network.
type Fetcher interface {
	Fetch(ctx context.Context, req *core.Request) (*core.Response, error)
}

// Manager owns creation, lookup and pruning of the versioned namespaces.
// Failures to open or write a namespace are logged and never abort a page response.
type Manager struct {
	storage     Storage
	names       Names
	metrics     *observability.Metrics
	identity    core.Identity
	concurrency int
}

// Option configures a Manager.
type Option func(*Manager)

// WithIdentity sets how requests are mapped to client partitions.
func WithIdentity(id core.Identity) Option {
	return func(m *Manager) { m.identity = id }
}

// NewManager creates a namespace manager over storage.
func NewManager(storage Storage, names Names, metrics *observability.Metrics, opts ...Option) *Manager {
	m := &Manager{
		storage:     storage,
		names:       names,
		metrics:     metrics,
		concurrency: DefaultInstallConcurrency,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Names returns the versioned namespace names.
func (m *Manager) Names() Names { return m.names }

// Storage returns the underlying storage.
func (m *Manager) Storage() Storage { return m.storage }

// Open returns the namespace with the given name, creating it on first use.
func (m *Manager) Open(ctx context.Context, name string) (Namespace, error) {
	return m.storage.Open(ctx, name)
}

// Match looks key up in the named namespace. Storage errors and corrupt
// entries are logged and reported as a miss.
func (m *Manager) Match(ctx context.Context, name, key string) *core.Response {
	ns, err := m.storage.Open(ctx, name)
	if err != nil {
		slog.Warn("failed to open cache namespace", "cache", name, "error", err)
		m.metrics.CacheLookup(name, "error")
		return nil
	}
	resp, err := ns.Match(ctx, key)
	if err != nil {
		slog.Warn("cache lookup failed", "cache", name, "key", key, "error", err)
		m.metrics.CacheLookup(name, "error")
		return nil
	}
	if resp == nil {
		m.metrics.CacheLookup(name, "miss")
		return nil
	}
	m.metrics.CacheLookup(name, "hit")
	return resp
}

// MatchRequest answers req from the named namespace: the client's own
// partition first, then the shared entry. Entries of other clients are
// never returned.
func (m *Manager) MatchRequest(ctx context.Context, name string, req *core.Request) *core.Response {
	for _, key := range m.lookupKeys(req) {
		if resp := m.Match(ctx, name, key); resp != nil {
			return resp
		}
	}
	return nil
}

// MatchAnyRequest is MatchRequest over every current namespace in order.
func (m *Manager) MatchAnyRequest(ctx context.Context, req *core.Request) *core.Response {
	for _, name := range m.names.All() {
		if resp := m.MatchRequest(ctx, name, req); resp != nil {
			return resp
		}
	}
	return nil
}

// PutRequest stores the response to req under the key StorageKey picks.
func (m *Manager) PutRequest(ctx context.Context, name string, req *core.Request, resp *core.Response) bool {
	key, ok := m.StorageKey(req, resp)
	if !ok {
		m.metrics.CacheWrite(name, "skipped")
		return false
	}
	return m.Put(ctx, name, key, resp)
}

// MatchAny searches every current namespace in order and returns the first hit.
func (m *Manager) MatchAny(ctx context.Context, key string) *core.Response {
	for _, name := range m.names.All() {
		if resp := m.Match(ctx, name, key); resp != nil {
			return resp
		}
	}
	return nil
}

// Put stores resp under key if it is Storable, without its cookies. It
// reports whether the entry was written; failures are logged, never returned.
func (m *Manager) Put(ctx context.Context, name, key string, resp *core.Response) bool {
	if !Storable(resp) {
		m.metrics.CacheWrite(name, "skipped")
		return false
	}
	ns, err := m.storage.Open(ctx, name)
	if err != nil {
		slog.Warn("failed to open cache namespace", "cache", name, "error", err)
		m.metrics.CacheWrite(name, "error")
		return false
	}
	stored := resp.Clone()
	stored.Source = ""
	for _, h := range strippedHeaders {
		stored.Header.Del(h)
	}
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now().UTC()
	}
	if err := ns.Put(ctx, key, stored); err != nil {
		slog.Warn("failed to write cache entry", "cache", name, "key", key, "error", err)
		m.metrics.CacheWrite(name, "error")
		return false
	}
	m.metrics.CacheWrite(name, "stored")
	return true
}

// FetchReport summarizes a bulk fetch-and-cache run.
type FetchReport struct {
	Cached []string `json:"cached"`
	Failed []string `json:"failed"`
}

// FetchAll fetches every URL and stores the ok responses in the named namespace.
// Individual failures (network errors, non-2xx statuses, write errors) are
// logged and listed in the report; they never fail the whole run. Requests
// carry the credentials attached to ctx, if any, so private responses land in
// that client's partition.
func (m *Manager) FetchAll(ctx context.Context, f Fetcher, name string, urls []string) FetchReport {
	type result struct {
		url string
		ok  bool
	}
	results := make([]result, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, rawURL := range urls {
		g.Go(func() error {
			results[i] = result{url: rawURL, ok: m.fetchOne(gctx, f, name, rawURL)}
			return nil
		})
	}
	_ = g.Wait()

	report := FetchReport{Cached: []string{}, Failed: []string{}}
	for _, r := range results {
		if r.ok {
			report.Cached = append(report.Cached, r.url)
		} else {
			report.Failed = append(report.Failed, r.url)
		}
	}
	return report
}

func (m *Manager) fetchOne(ctx context.Context, f Fetcher, name, rawURL string) bool {
	req, err := core.NewRequest(rawURL)
	if err != nil {
		slog.Warn("skipping invalid url", "url", rawURL, "error", err)
		return false
	}
	req.Header = core.CredentialsFrom(ctx)
	resp, err := f.Fetch(ctx, req)
	if err != nil {
		slog.Warn("failed to fetch asset", "url", rawURL, "cache", name, "error", err)
		return false
	}
	if !resp.OK() {
		slog.Warn("asset returned non-ok status", "url", rawURL, "cache", name, "status", resp.StatusCode)
		return false
	}
	return m.PutRequest(ctx, name, req, resp)
}

// Install opens every current namespace and seeds the static namespace with
// the manifest. It never fails because of individual assets.
func (m *Manager) Install(ctx context.Context, f Fetcher, manifest []string) FetchReport {
	for _, name := range m.names.All() {
		if _, err := m.storage.Open(ctx, name); err != nil {
			slog.Warn("failed to open cache namespace during install", "cache", name, "error", err)
		}
	}
	report := m.FetchAll(ctx, f, m.names.Static(), manifest)
	slog.Info("install assets cached",
		"cache", m.names.Static(),
		"cached", len(report.Cached),
		"failed", len(report.Failed),
	)
	return report
}

// Activate deletes every namespace owned by the prefix that is not one of the
// current version's namespaces, and returns the deleted names. Namespaces of
// other applications sharing the storage are left alone.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	names, err := m.storage.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache namespaces: %w", err)
	}

	deleted := []string{}
	var errs []error
	for _, name := range names {
		if !m.names.Owned(name) || m.names.IsCurrent(name) {
			continue
		}
		ok, err := m.storage.Delete(ctx, name)
		if err != nil {
			slog.Warn("failed to delete stale cache namespace", "cache", name, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			slog.Info("deleted stale cache namespace", "cache", name)
			deleted = append(deleted, name)
		}
	}
	m.metrics.Pruned(len(deleted))

	if len(errs) > 0 {
		return deleted, fmt.Errorf("failed to prune cache namespaces: %w", errors.Join(errs...))
	}
	return deleted, nil
}
