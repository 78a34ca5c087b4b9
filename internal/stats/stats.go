// Package stats implements the per-Proxy Prometheus counters/gauges from
// spec.md §5's resource accounting: total and active connections, request
// errors, keep-alive reuse, and bytes forwarded. Each Proxy owns its own
// private registry rather than registering into the global default
// registry, so multiple Proxy instances (e.g. in tests) never collide on
// metric names.
package stats

import "github.com/prometheus/client_golang/prometheus"

// Stats bundles the engine's runtime counters. Every method is called only
// from the single event-loop thread; the underlying prometheus types' own
// atomics are what make the /metrics scrape that cmd/reverseproxy serves
// from another goroutine safe.
type Stats struct {
	Registry *prometheus.Registry

	totalConnections  prometheus.Counter
	activeConnections prometheus.Gauge
	requestErrors     prometheus.Counter
	keepAliveReused   prometheus.Counter
	bytesForwarded    prometheus.Counter
}

// New constructs a Stats bound to a fresh private registry.
func New() *Stats {
	reg := prometheus.NewRegistry()
	s := &Stats{
		Registry: reg,
		totalConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverseproxy_total_connections",
			Help: "Total connections (accepted clients and dialed backends) allocated since startup.",
		}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reverseproxy_active_connections",
			Help: "Connections currently occupying a pool slot.",
		}),
		requestErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverseproxy_request_errors_total",
			Help: "Requests that ended in a synthesized error response or abnormal close.",
		}),
		keepAliveReused: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverseproxy_keepalive_reused_total",
			Help: "Client connections recycled for a subsequent request.",
		}),
		bytesForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reverseproxy_bytes_forwarded_total",
			Help: "Bytes copied between paired connections.",
		}),
	}
	reg.MustRegister(s.totalConnections, s.activeConnections, s.requestErrors, s.keepAliveReused, s.bytesForwarded)
	return s
}

func (s *Stats) IncTotalConnections()          { s.totalConnections.Inc() }
func (s *Stats) SetActiveConnections(n int)    { s.activeConnections.Set(float64(n)) }
func (s *Stats) IncErrors()                    { s.requestErrors.Inc() }
func (s *Stats) IncKeepAliveReused()           { s.keepAliveReused.Inc() }
func (s *Stats) AddBytesForwarded(n int)       { s.bytesForwarded.Add(float64(n)) }
