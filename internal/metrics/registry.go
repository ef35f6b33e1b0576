package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry holds all Prometheus metrics
type Registry struct {
	channelsAllocated *prometheus.CounterVec
	channelsTested    prometheus.Counter
	channelsPassed    prometheus.Counter
	channelsFailed    prometheus.Counter
	allocationErrors  prometheus.Counter
	activeTasks       prometheus.Gauge
	plcReads          *prometheus.CounterVec
	plcWrites         *prometheus.CounterVec
	plcErrors         *prometheus.CounterVec
	plcCallDuration   *prometheus.HistogramVec
}

// NewRegistry creates a new metrics registry
func NewRegistry() *Registry {
	return &Registry{
		channelsAllocated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "factest_channels_allocated_total",
			Help: "Total number of channel definitions bound to rig slots",
		}, []string{"module_type"}),
		channelsTested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "factest_channels_tested_total",
			Help: "Total number of channels that reached a terminal status",
		}),
		channelsPassed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "factest_channels_passed_total",
			Help: "Total number of channels that passed",
		}),
		channelsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "factest_channels_failed_total",
			Help: "Total number of channels that failed",
		}),
		allocationErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "factest_allocation_errors_total",
			Help: "Total number of definitions rejected during allocation",
		}),
		activeTasks: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "factest_active_tasks",
			Help: "Number of test tasks currently running",
		}),
		plcReads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "factest_plc_reads_total",
			Help: "Total number of PLC read calls",
		}, []string{"connection"}),
		plcWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "factest_plc_writes_total",
			Help: "Total number of PLC write calls",
		}, []string{"connection"}),
		plcErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "factest_plc_errors_total",
			Help: "Total number of failed PLC calls",
		}, []string{"connection"}),
		plcCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "factest_plc_call_duration_seconds",
			Help:    "Duration of individual PLC calls",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"connection"}),
	}
}

// IncChannelsAllocated increments the allocated counter for a module type
func (r *Registry) IncChannelsAllocated(moduleType string) {
	r.channelsAllocated.WithLabelValues(moduleType).Inc()
}

// IncAllocationErrors increments the allocation errors counter
func (r *Registry) IncAllocationErrors() {
	r.allocationErrors.Inc()
}

// IncChannelsTested increments the tested counter
func (r *Registry) IncChannelsTested() {
	r.channelsTested.Inc()
}

// IncChannelsPassed increments the passed counter
func (r *Registry) IncChannelsPassed() {
	r.channelsPassed.Inc()
}

// IncChannelsFailed increments the failed counter
func (r *Registry) IncChannelsFailed() {
	r.channelsFailed.Inc()
}

// SetActiveTasks sets the active task gauge
func (r *Registry) SetActiveTasks(n int) {
	r.activeTasks.Set(float64(n))
}

// ObservePlcRead records one read call and its outcome
func (r *Registry) ObservePlcRead(connection string, err error) {
	r.plcReads.WithLabelValues(connection).Inc()
	if err != nil {
		r.plcErrors.WithLabelValues(connection).Inc()
	}
}

// ObservePlcWrite records one write call and its outcome
func (r *Registry) ObservePlcWrite(connection string, err error) {
	r.plcWrites.WithLabelValues(connection).Inc()
	if err != nil {
		r.plcErrors.WithLabelValues(connection).Inc()
	}
}

// ObservePlcCallDuration records the duration of one PLC call
func (r *Registry) ObservePlcCallDuration(connection string, d time.Duration) {
	r.plcCallDuration.WithLabelValues(connection).Observe(d.Seconds())
}
