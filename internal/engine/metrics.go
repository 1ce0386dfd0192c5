package engine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Bounded label values for rejected signals.
const (
	RejectRisk  = "risk"
	RejectEntry = "entry"
	RejectSlots = "slots"
)

// Metrics is the engine's prometheus instrument set. Each engine owns its
// registry so repeated construction (tests, restarts) never trips duplicate
// registration.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal   prometheus.Counter
	CycleSeconds  prometheus.Histogram
	State         *prometheus.GaugeVec
	SignalsTotal  prometheus.Counter
	EntriesTotal  prometheus.Counter
	RejectsTotal  *prometheus.CounterVec
	ErrorsTotal   prometheus.Counter
	OpenPositions prometheus.Gauge
	RealizedUSD   prometheus.Gauge
	RealizedR     prometheus.Gauge
	EquityUSD     prometheus.Gauge
	Candidates    prometheus.Gauge
}

func newMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		CyclesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "bot_cycles_total",
			Help: "Completed orchestra cycles",
		}),
		CycleSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "bot_cycle_duration_seconds",
			Help:    "Wall time of one orchestra cycle",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		State: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bot_state",
			Help: "Current orchestra state (1 for the active state)",
		}, []string{"state"}),
		SignalsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "bot_signals_total",
			Help: "Signals emitted by the generator",
		}),
		EntriesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "bot_entries_total",
			Help: "Positions opened",
		}),
		RejectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_rejects_total",
			Help: "Signals rejected before execution",
		}, []string{"gate"}),
		ErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "bot_cycle_errors_total",
			Help: "Cycles that ended in the ERROR state",
		}),
		OpenPositions: f.NewGauge(prometheus.GaugeOpts{
			Name: "bot_open_positions",
			Help: "Currently open positions",
		}),
		RealizedUSD: f.NewGauge(prometheus.GaugeOpts{
			Name: "bot_daily_realized_usd",
			Help: "Realized PnL today in USD, fees included",
		}),
		RealizedR: f.NewGauge(prometheus.GaugeOpts{
			Name: "bot_daily_realized_r",
			Help: "Realized PnL today in R units",
		}),
		EquityUSD: f.NewGauge(prometheus.GaugeOpts{
			Name: "bot_equity_usd",
			Help: "Account equity in USD",
		}),
		Candidates: f.NewGauge(prometheus.GaugeOpts{
			Name: "bot_scan_candidates",
			Help: "Symbols that passed all scan filters in the last cycle",
		}),
	}
}

// registerRuntime attaches readings maintained outside the cycle: resource
// monitor samples, scanner cache stats, websocket drop counts.
func (m *Metrics) registerRuntime(mon *ResourceMonitor, cacheStats func() (int64, int64), wsDropped func() map[string]int64) {
	f := promauto.With(m.registry)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bot_rss_mb",
		Help: "Resident set size in MiB",
	}, func() float64 { return mon.Last().RSSMB })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bot_cpu_percent",
		Help: "Process CPU percent between samples",
	}, func() float64 { return mon.Last().CPUPercent })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bot_goroutines",
		Help: "Goroutine count at last sample",
	}, func() float64 { return float64(mon.Last().Goroutines) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "bot_disk_used_percent",
		Help: "Disk usage of the diagnostics directory",
	}, func() float64 { return mon.Last().DiskUsedPct })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "bot_scanner_cache_hits_total",
		Help: "Scanner filter-cache hits",
	}, func() float64 { h, _ := cacheStats(); return float64(h) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "bot_scanner_cache_misses_total",
		Help: "Scanner filter-cache misses",
	}, func() float64 { _, miss := cacheStats(); return float64(miss) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Name: "bot_ws_dropped_total",
		Help: "Stream events dropped on full subscriber buffers",
	}, func() float64 {
		var n int64
		for _, v := range wsDropped() {
			n += v
		}
		return float64(n)
	})
}

// setState flips the state gauge from prev to cur.
func (m *Metrics) setState(prev, cur State) {
	if prev != "" {
		m.State.WithLabelValues(string(prev)).Set(0)
	}
	m.State.WithLabelValues(string(cur)).Set(1)
}

// Handler serves this engine's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
