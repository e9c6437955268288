// Package strategy implements the caching strategies that serve routed requests.
package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"chatus/internal/cache"
	"chatus/internal/core"
	"chatus/internal/fetch"
	"chatus/internal/observability"
	"chatus/internal/tasks"
)

// Strategy label values reported to metrics.
const (
	labelNetworkFirst         = "network_first"
	labelCacheFirst           = "cache_first"
	labelStaleWhileRevalidate = "stale_while_revalidate"
	labelCatchAll             = "catch_all"
)

// Predicate decides whether a response to req may be stored.
type Predicate func(req *core.Request) bool

// Strategies serves requests from the network and the cache namespaces.
// Only complete 2xx responses are ever written, and responses private to a
// client are only served back to that client.
type Strategies struct {
	cache   *cache.Manager
	fetcher fetch.Fetcher
	queue   *tasks.Queue
	metrics *observability.Metrics
	group   singleflight.Group
}

// New creates the strategies. Background refreshes run on queue.
func New(cache *cache.Manager, fetcher fetch.Fetcher, queue *tasks.Queue, metrics *observability.Metrics) *Strategies {
	return &Strategies{
		cache:   cache,
		fetcher: fetcher,
		queue:   queue,
		metrics: metrics,
	}
}

// NetworkFirst returns the live response and stores it when ok. If the
// network fails it falls back to the namespace, then to an offline error.
func (s *Strategies) NetworkFirst(ctx context.Context, req *core.Request, namespace string) (*core.Response, error) {
	return s.networkFirst(ctx, labelNetworkFirst, req, namespace, nil, func() *core.Response {
		return s.cache.MatchRequest(ctx, namespace, req)
	})
}

// CatchAll is network-first with writes gated by shouldCache. On network
// failure it searches every current namespace.
func (s *Strategies) CatchAll(ctx context.Context, req *core.Request, namespace string, shouldCache Predicate) (*core.Response, error) {
	return s.networkFirst(ctx, labelCatchAll, req, namespace, shouldCache, func() *core.Response {
		return s.cache.MatchAnyRequest(ctx, req)
	})
}

func (s *Strategies) networkFirst(
	ctx context.Context,
	label string,
	req *core.Request,
	namespace string,
	shouldCache Predicate,
	lookup func() *core.Response,
) (*core.Response, error) {
	resp, err := s.fetcher.Fetch(ctx, req)
	if err == nil {
		if resp.OK() && (shouldCache == nil || shouldCache(req)) {
			s.cache.PutRequest(ctx, namespace, req, resp)
		}
		return s.result(label, resp.WithSource(core.SourceNetwork)), nil
	}

	slog.Debug("network fetch failed, trying cache", "url", req.Key(), "cache", namespace, "error", err)
	if cached := lookup(); cached != nil {
		return s.result(label, cached.WithSource(core.SourceCache)), nil
	}
	return nil, core.NewOfflineError(req.Key(), err)
}

// CacheFirst returns a cached response immediately and refreshes it in the
// background. On a miss it fetches, stores an ok response and returns it.
func (s *Strategies) CacheFirst(ctx context.Context, req *core.Request, namespace string) (*core.Response, error) {
	if cached := s.cache.MatchRequest(ctx, namespace, req); cached != nil {
		s.queue.Submit("revalidate "+req.Key(), func(tctx context.Context) error {
			_, err := s.refresh(tctx, req, namespace)
			return err
		})
		return s.result(labelCacheFirst, cached.WithSource(core.SourceCache)), nil
	}

	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, core.NewOfflineError(req.Key(), err)
	}
	s.cache.PutRequest(ctx, namespace, req, resp)
	return s.result(labelCacheFirst, resp.WithSource(core.SourceNetwork)), nil
}

type refreshResult struct {
	resp *core.Response
	err  error
}

// StaleWhileRevalidate starts a background refresh at once and returns the
// cached response if there is one. Otherwise it waits for the refresh.
func (s *Strategies) StaleWhileRevalidate(ctx context.Context, req *core.Request, namespace string) (*core.Response, error) {
	cached := s.cache.MatchRequest(ctx, namespace, req)

	done := make(chan refreshResult, 1)
	submitted := s.queue.Submit("revalidate "+req.Key(), func(tctx context.Context) error {
		resp, err := s.refresh(tctx, req, namespace)
		done <- refreshResult{resp: resp, err: err}
		return err
	})

	if cached != nil {
		return s.result(labelStaleWhileRevalidate, cached.WithSource(core.SourceCache)), nil
	}

	var r refreshResult
	if submitted {
		select {
		case r = <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		r.resp, r.err = s.refresh(ctx, req, namespace)
	}
	if r.err != nil {
		return nil, core.NewOfflineError(req.Key(), r.err)
	}
	return s.result(labelStaleWhileRevalidate, r.resp.WithSource(core.SourceNetwork)), nil
}

// conditionalHeaders would turn a refresh into a partial or empty response.
var conditionalHeaders = []string{"Range", "If-Range", "If-None-Match", "If-Modified-Since", "If-Match", "If-Unmodified-Since"}

// refresh fetches the full representation of req and stores an ok response.
// Concurrent refreshes of the same key, namespace and credentials share one
// fetch.
func (s *Strategies) refresh(ctx context.Context, req *core.Request, namespace string) (*core.Response, error) {
	req = req.Without(conditionalHeaders...)
	flight := namespace + "\x00" + core.Identity{}.Partition(req.Header) + "\x00" + req.Key()
	v, err, _ := s.group.Do(flight, func() (any, error) {
		resp, err := s.fetcher.Fetch(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("failed to revalidate %s: %w", req.Key(), err)
		}
		s.cache.PutRequest(ctx, namespace, req, resp)
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.Response).Clone(), nil
}

func (s *Strategies) result(label string, resp *core.Response) *core.Response {
	s.metrics.StrategyResponse(label, string(resp.Source))
	return resp
}
