// Package observability provides Prometheus metrics for the cache controller.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "chatus_edge"

// Metrics holds every collector the controller reports to.
// A nil *Metrics is valid and records nothing, so components can be built
// without metrics in tests.
type Metrics struct {
	CacheLookups       *prometheus.CounterVec
	CacheWrites        *prometheus.CounterVec
	StrategyResponses  *prometheus.CounterVec
	Fallbacks          *prometheus.CounterVec
	BackgroundTasks    *prometheus.CounterVec
	PushNotifications  *prometheus.CounterVec
	LifecycleEvents    *prometheus.CounterVec
	NamespacesPruned   prometheus.Counter
	ConnectedClients   prometheus.Gauge
	BackgroundQueueLen prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache namespace lookups by result (hit, miss, error).",
		}, []string{"cache", "result"}),
		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_writes_total",
			Help:      "Cache namespace writes by result (stored, skipped, error).",
		}, []string{"cache", "result"}),
		StrategyResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "strategy_responses_total",
			Help:      "Responses returned by each caching strategy, by source.",
		}, []string{"strategy", "source"}),
		Fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_fallbacks_total",
			Help:      "Synthesized offline responses by kind.",
		}, []string{"kind"}),
		BackgroundTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "background_tasks_total",
			Help:      "Background revalidation tasks by result.",
		}, []string{"result"}),
		PushNotifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_notifications_total",
			Help:      "Push payloads turned into notifications, by payload format and result.",
		}, []string{"format", "result"}),
		LifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Worker lifecycle events handled, by event and result.",
		}, []string{"event", "result"}),
		NamespacesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "namespaces_pruned_total",
			Help:      "Stale cache namespaces deleted during activation.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Client windows currently connected over websocket.",
		}),
		BackgroundQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "background_queue_length",
			Help:      "Background tasks waiting to run.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CacheLookups,
			m.CacheWrites,
			m.StrategyResponses,
			m.Fallbacks,
			m.BackgroundTasks,
			m.PushNotifications,
			m.LifecycleEvents,
			m.NamespacesPruned,
			m.ConnectedClients,
			m.BackgroundQueueLen,
		)
	}
	return m
}

func (m *Metrics) CacheLookup(cache, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) CacheWrite(cache, result string) {
	if m == nil {
		return
	}
	m.CacheWrites.WithLabelValues(cache, result).Inc()
}

func (m *Metrics) StrategyResponse(strategy, source string) {
	if m == nil {
		return
	}
	m.StrategyResponses.WithLabelValues(strategy, source).Inc()
}

func (m *Metrics) Fallback(kind string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(kind).Inc()
}

func (m *Metrics) BackgroundTask(result string) {
	if m == nil {
		return
	}
	m.BackgroundTasks.WithLabelValues(result).Inc()
}

func (m *Metrics) PushNotification(format, result string) {
	if m == nil {
		return
	}
	m.PushNotifications.WithLabelValues(format, result).Inc()
}

func (m *Metrics) LifecycleEvent(event, result string) {
	if m == nil {
		return
	}
	m.LifecycleEvents.WithLabelValues(event, result).Inc()
}

func (m *Metrics) Pruned(n int) {
	if m == nil {
		return
	}
	m.NamespacesPruned.Add(float64(n))
}

func (m *Metrics) SetConnectedClients(n int) {
	if m == nil {
		return
	}
	m.ConnectedClients.Set(float64(n))
}

func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.BackgroundQueueLen.Set(float64(n))
}
