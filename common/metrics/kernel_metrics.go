package metrics

import (
	"errors"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"

	OperationStart     = "start"
	OperationRestart   = "restart"
	OperationShutdown  = "shutdown"
	OperationInterrupt = "interrupt"
	OperationSignal    = "signal"
)

// KernelMetrics holds the lifecycle metrics of the kernels managed by one process.
//
// The zero value is not usable. A nil *KernelMetrics is, and records nothing.
type KernelMetrics struct {
	// StartLatencyHistogramVec observes, in seconds, how long kernels took to become ready. Labeled by provisioner.
	StartLatencyHistogramVec *prometheus.HistogramVec

	// LifecycleOperationsCounterVec counts lifecycle operations by operation and outcome.
	LifecycleOperationsCounterVec *prometheus.CounterVec

	// ActiveKernelsGauge is the number of kernels currently registered.
	ActiveKernelsGauge prometheus.Gauge

	// ContainerCreationLatencyHistogramVec observes, in milliseconds, how long container runtimes took to create
	// kernel containers. Labeled by provisioner.
	ContainerCreationLatencyHistogramVec *prometheus.HistogramVec

	log logger.Logger
}

func NewKernelMetrics() *KernelMetrics {
	m := &KernelMetrics{
		StartLatencyHistogramVec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kernel_start_latency_seconds",
			Help:    "Time from launch until the kernel answered its first heartbeat.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"provisioner"}),
		LifecycleOperationsCounterVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kernel_lifecycle_operations_total",
			Help: "Kernel lifecycle operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		ActiveKernelsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kernels_active",
			Help: "Number of kernels currently managed.",
		}),
		ContainerCreationLatencyHistogramVec: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "kernel_container_creation_latency_milliseconds",
			Help: "The latency, in milliseconds, of creating kernel containers.",
			Buckets: []float64{250, 500, 1000, 2500, 5000, 7500, 10000, 12500, 15000, 17500, 20000, 30000, 45000, 60000,
				90000, 120000, 180000, 240000, 300000},
		}, []string{"provisioner"}),
	}
	config.InitLogger(&m.log, m)
	return m
}

func (m *KernelMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.StartLatencyHistogramVec,
		m.LifecycleOperationsCounterVec,
		m.ActiveKernelsGauge,
		m.ContainerCreationLatencyHistogramVec,
	}
}

// Register registers every metric with reg. Metrics that are already registered with reg are left alone.
func (m *KernelMetrics) Register(reg prometheus.Registerer) error {
	for _, collector := range m.collectors() {
		if err := reg.Register(collector); err != nil {
			var alreadyRegistered prometheus.AlreadyRegisteredError
			if errors.As(err, &alreadyRegistered) {
				continue
			}

			m.log.Error("Failed to register kernel metric: %v", err)
			return err
		}
	}
	return nil
}

// ObserveStart records the start latency of a kernel provisioned by the named provisioner.
func (m *KernelMetrics) ObserveStart(provisioner string, latency time.Duration) {
	if m == nil {
		return
	}
	m.StartLatencyHistogramVec.With(prometheus.Labels{"provisioner": provisioner}).Observe(latency.Seconds())
}

// ObserveOperation counts a lifecycle operation, as a failure if err is non-nil.
func (m *KernelMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}

	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.LifecycleOperationsCounterVec.With(prometheus.Labels{"operation": operation, "outcome": outcome}).Inc()
}

// SetActiveKernels sets the number of kernels currently managed.
func (m *KernelMetrics) SetActiveKernels(n int) {
	if m == nil {
		return
	}
	m.ActiveKernelsGauge.Set(float64(n))
}

// ObserveContainerCreation records the latency of a container-creation event.
func (m *KernelMetrics) ObserveContainerCreation(provisioner string, latency time.Duration) {
	if m == nil {
		return
	}
	m.ContainerCreationLatencyHistogramVec.With(prometheus.Labels{"provisioner": provisioner}).Observe(float64(latency.Milliseconds()))
}
