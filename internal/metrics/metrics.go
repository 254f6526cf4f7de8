package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Admin API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Ingestion
	InboundEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bot_inbound_events_total", Help: "Inbound chat events by outcome."},
		[]string{"outcome"}, // handled | failed | rejected | maintenance | ignored | empty | duplicate | error
	)
	Commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "bot_commands_total", Help: "Commands handled by verb and result."},
		[]string{"verb", "result"}, // ok | denied | user_error | error
	)

	// Lifecycle
	Transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "request_transitions_total", Help: "Request status transitions."},
		[]string{"from", "to"},
	)
	Polls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "request_polls_total", Help: "Status polls by result."},
		[]string{"result"}, // changed | unchanged | skipped | error
	)

	// Scheduler
	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_sweep_duration_seconds",
			Help:    "Wall time of one sweep over active requests.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)
	PendingChecks = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "scheduler_pending_checks", Help: "One-shot checks waiting to fire."},
	)
	InFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "scheduler_inflight_jobs", Help: "Scheduled jobs currently running."},
	)

	// Transport
	SendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "transport_send_total", Help: "Outbound send outcomes."},
		[]string{"outcome"}, // sent | failed
	)
	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "transport_send_duration_seconds",
			Help:    "Outbound send latency including throttling.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)
)

var registerOnce sync.Once

// MustRegister registers our collectors on the default registry exactly once
// per process. The default registry already carries the Go and process
// collectors.
func MustRegister() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			HTTPRequests, HTTPDuration,
			InboundEvents, Commands,
			Transitions, Polls,
			SweepDuration, PendingChecks, InFlight,
			SendTotal, SendDuration,
		)
	})
}

// PGXPoolStats exports pgxpool counters on an interval.
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns        prometheus.Gauge
	idle         prometheus.Gauge
	acquireCount prometheus.Gauge
	acquireSecs  prometheus.Gauge
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquires", Help: "Cumulative pool acquires.",
		}),
		acquireSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_acquire_seconds", Help: "Cumulative acquire latency.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireSecs)
	return m
}

// Start samples pool stats until stop is closed.
func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			// pgxpool reports cumulative values
			m.acquireCount.Set(float64(s.AcquireCount()))
			m.acquireSecs.Set(s.AcquireDuration().Seconds())
		}
	}
}
