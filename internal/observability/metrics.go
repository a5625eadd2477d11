package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report task activity.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	taskFailures  *prometheus.CounterVec
	tasksInFlight prometheus.Gauge
	reports       *prometheus.CounterVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when components are instantiated
// multiple times.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers supply a fresh registry when unique collectors are required (for
// example in tests). Registration errors other than AlreadyRegistered panic,
// surfacing configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coder",
			Subsystem: "runner",
			Name:      "stage_duration_seconds",
			Help:      "Duration spent in each task lifecycle stage.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage", "status"},
	)
	taskFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coder",
			Subsystem: "runner",
			Name:      "task_failures_total",
			Help:      "Total number of tasks that failed after acceptance.",
		},
		[]string{"stage", "reason"},
	)
	tasksInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coder",
			Subsystem: "runner",
			Name:      "tasks_in_flight",
			Help:      "Number of tasks currently executing.",
		},
	)
	reports := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coder",
			Subsystem: "reporter",
			Name:      "deliveries_total",
			Help:      "Upstream report deliveries by outcome.",
		},
		[]string{"status"},
	)

	collectors := []prometheus.Collector{stageDuration, taskFailures, tasksInFlight, reports}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					stageDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					switch target { //nolint:exhaustive
					case taskFailures:
						taskFailures = already.ExistingCollector.(*prometheus.CounterVec)
					case reports:
						reports = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					tasksInFlight = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		stageDuration: stageDuration,
		taskFailures:  taskFailures,
		tasksInFlight: tasksInFlight,
		reports:       reports,
	}
}

// ObserveStageDuration records the time spent in a stage with the provided status label.
func (m *Metrics) ObserveStageDuration(stage string, status string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// IncTaskFailure increments the failure counter for the given stage and reason.
func (m *Metrics) IncTaskFailure(stage string, reason string) {
	if m == nil || m.taskFailures == nil {
		return
	}
	m.taskFailures.WithLabelValues(stage, reason).Inc()
}

// IncTasksInFlight marks a task as started.
func (m *Metrics) IncTasksInFlight() {
	if m == nil || m.tasksInFlight == nil {
		return
	}
	m.tasksInFlight.Inc()
}

// DecTasksInFlight marks a task as finished.
func (m *Metrics) DecTasksInFlight() {
	if m == nil || m.tasksInFlight == nil {
		return
	}
	m.tasksInFlight.Dec()
}

// IncReport counts one upstream delivery attempt outcome.
func (m *Metrics) IncReport(status string) {
	if m == nil || m.reports == nil {
		return
	}
	m.reports.WithLabelValues(status).Inc()
}
