package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	activeThreads      prometheus.Gauge
	threadLoadDuration prometheus.Histogram
	threadSaveDuration prometheus.Histogram

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram

	engineInvocations  *prometheus.CounterVec
	engineRunDuration  prometheus.Histogram
	coordinatorCalls   *prometheus.CounterVec
	registrationStatus prometheus.Gauge

	contextRenders prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeThreads: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_threads",
					Help: "Current persisted thread count.",
				},
			),
			threadLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "thread_load_duration_seconds",
					Help:    "Thread log load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			threadSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "thread_save_duration_seconds",
					Help:    "Thread log save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			dispatchTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dispatch_total",
					Help: "Total message dispatches by outcome.",
				},
				[]string{"outcome"},
			),
			dispatchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "dispatch_duration_seconds",
					Help:    "End-to-end dispatch duration in seconds.",
					Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),
			engineInvocations: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "engine_invocations_total",
					Help: "Total reasoning engine invocations by status.",
				},
				[]string{"status"},
			),
			engineRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "engine_run_duration_seconds",
					Help:    "Reasoning engine run duration in seconds.",
					Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
			),
			coordinatorCalls: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "coordinator_calls_total",
					Help: "Total outbound coordinator calls by operation and status.",
				},
				[]string{"operation", "status"},
			),
			registrationStatus: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "coordinator_registered",
					Help: "Coordinator registration state (1 registered, 0 not).",
				},
			),
			contextRenders: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "context_renders_total",
					Help: "Total dynamic context renders.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.activeThreads,
			m.threadLoadDuration,
			m.threadSaveDuration,
			m.dispatchTotal,
			m.dispatchDuration,
			m.engineInvocations,
			m.engineRunDuration,
			m.coordinatorCalls,
			m.registrationStatus,
			m.contextRenders,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the prometheus scrape handler.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetActiveThreads(count int) {
	getMetrics().activeThreads.Set(float64(count))
}

func RecordThreadLoad(duration time.Duration) {
	getMetrics().threadLoadDuration.Observe(duration.Seconds())
}

func RecordThreadSave(duration time.Duration) {
	getMetrics().threadSaveDuration.Observe(duration.Seconds())
}

func RecordDispatch(outcome string, duration time.Duration) {
	m := getMetrics()
	m.dispatchTotal.WithLabelValues(outcome).Inc()
	m.dispatchDuration.Observe(duration.Seconds())
}

func RecordEngineInvocation(duration time.Duration, status string) {
	m := getMetrics()
	m.engineInvocations.WithLabelValues(status).Inc()
	m.engineRunDuration.Observe(duration.Seconds())
}

func RecordCoordinatorCall(operation string, success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().coordinatorCalls.WithLabelValues(operation, status).Inc()
}

func SetRegistered(registered bool) {
	v := 0.0
	if registered {
		v = 1.0
	}
	getMetrics().registrationStatus.Set(v)
}

func RecordContextRender() {
	getMetrics().contextRenders.Inc()
}
