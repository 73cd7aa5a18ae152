package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vendora/insight/task"
)

// Metrics tracks engine-level counters both as Prometheus collectors and as
// a plain in-process snapshot for the read-only Metrics() accessor.
type Metrics struct {
	totalQueries prometheus.Counter
	byStatus     *prometheus.CounterVec
	byComplexity *prometheus.CounterVec
	latency      prometheus.Histogram
	revisions    prometheus.Histogram
	activeTasks  prometheus.Gauge
	cacheHits    prometheus.Counter
	cacheLookups prometheus.Counter

	mu             sync.Mutex
	total          int64
	statusCounts   map[task.Status]int64
	complexityHits map[task.Complexity]int64
	latencySum     time.Duration
	latencyCount   int64
	revisionSum    int64
	approvedCount  int64
	active         int64
	hits           int64
	lookups        int64
}

// Snapshot is a read-only view of the engine metrics.
type Snapshot struct {
	TotalQueries             int64                     `json:"total_queries"`
	ByFinalStatus            map[task.Status]int64     `json:"by_final_status"`
	ByComplexity             map[task.Complexity]int64 `json:"by_complexity"`
	CacheHitRate             float64                   `json:"cache_hit_rate"`
	MeanLatency              time.Duration             `json:"mean_latency"`
	MeanRevisionsPerApproved float64                   `json:"mean_revisions_per_approved"`
	ActiveTasks              int64                     `json:"active_tasks"`
}

// NewMetrics creates engine metrics registered on reg. Pass a fresh
// prometheus.NewRegistry() when running multiple engines in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		totalQueries: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_queries_total",
			Help: "Total queries received.",
		}),
		byStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_tasks_final_status_total",
			Help: "Tasks by final status.",
		}, []string{"status"}),
		byComplexity: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_tasks_complexity_total",
			Help: "Tasks by classified complexity.",
		}, []string{"complexity"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "insight_query_duration_seconds",
			Help:    "End-to-end query latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		revisions: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "insight_revisions_per_approved",
			Help:    "Revision cycles per approved query.",
			Buckets: []float64{0, 1, 2, 3, 4},
		}),
		activeTasks: factory.NewGauge(prometheus.GaugeOpts{
			Name: "insight_active_tasks",
			Help: "Concurrent in-flight tasks.",
		}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_cache_hits_total",
			Help: "Cache lookups served from cache.",
		}),
		cacheLookups: factory.NewCounter(prometheus.CounterOpts{
			Name: "insight_cache_lookups_total",
			Help: "Cache lookups.",
		}),

		statusCounts:   make(map[task.Status]int64),
		complexityHits: make(map[task.Complexity]int64),
	}
}

func (m *Metrics) queryReceived() {
	m.totalQueries.Inc()
	m.mu.Lock()
	m.total++
	m.mu.Unlock()
}

func (m *Metrics) finalStatus(s task.Status) {
	m.byStatus.WithLabelValues(string(s)).Inc()
	m.mu.Lock()
	m.statusCounts[s]++
	m.mu.Unlock()
}

func (m *Metrics) complexity(c task.Complexity) {
	m.byComplexity.WithLabelValues(string(c)).Inc()
	m.mu.Lock()
	m.complexityHits[c]++
	m.mu.Unlock()
}

func (m *Metrics) observeLatency(d time.Duration) {
	m.latency.Observe(d.Seconds())
	m.mu.Lock()
	m.latencySum += d
	m.latencyCount++
	m.mu.Unlock()
}

func (m *Metrics) approved(revisions int) {
	m.revisions.Observe(float64(revisions))
	m.mu.Lock()
	m.revisionSum += int64(revisions)
	m.approvedCount++
	m.mu.Unlock()
}

func (m *Metrics) taskStarted() {
	m.activeTasks.Inc()
	m.mu.Lock()
	m.active++
	m.mu.Unlock()
}

func (m *Metrics) taskFinished() {
	m.activeTasks.Dec()
	m.mu.Lock()
	m.active--
	m.mu.Unlock()
}

func (m *Metrics) cacheLookup(hit bool) {
	m.cacheLookups.Inc()
	m.mu.Lock()
	m.lookups++
	if hit {
		m.hits++
	}
	m.mu.Unlock()
	if hit {
		m.cacheHits.Inc()
	}
}

// snapshot assembles the read-only view.
func (m *Metrics) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	byStatus := make(map[task.Status]int64, len(m.statusCounts))
	for k, v := range m.statusCounts {
		byStatus[k] = v
	}
	byComplexity := make(map[task.Complexity]int64, len(m.complexityHits))
	for k, v := range m.complexityHits {
		byComplexity[k] = v
	}

	s := Snapshot{
		TotalQueries:  m.total,
		ByFinalStatus: byStatus,
		ByComplexity:  byComplexity,
		ActiveTasks:   m.active,
	}
	if m.lookups > 0 {
		s.CacheHitRate = float64(m.hits) / float64(m.lookups)
	}
	if m.latencyCount > 0 {
		s.MeanLatency = m.latencySum / time.Duration(m.latencyCount)
	}
	if m.approvedCount > 0 {
		s.MeanRevisionsPerApproved = float64(m.revisionSum) / float64(m.approvedCount)
	}
	return s
}
