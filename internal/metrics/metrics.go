package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InstructionsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vm_instructions_submitted_total",
		Help: "Instructions accepted by Submit, by instruction type",
	}, []string{"instruction"})

	InstructionsCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vm_instructions_completed_total",
		Help: "Instructions that reached a terminal state",
	}, []string{"instruction", "state"})

	InstructionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vm_instruction_duration_seconds",
		Help:    "Time from scheduling to completion",
		Buckets: prometheus.DefBuckets,
	}, []string{"instruction"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vm_validation_errors_total",
		Help: "Instructions rejected during Infer",
	}, []string{"instruction"})

	FatalErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vm_fatal_errors_total",
		Help: "Unrecoverable errors handed to the fatal handler",
	}, []string{"source"})

	StreamQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vm_stream_queue_depth",
		Help: "Instructions queued on a stream and not yet started",
	}, []string{"stream"})

	DeviceMemoryAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "device_memory_allocated_bytes",
		Help: "Bytes currently allocated per memory case",
	}, []string{"mem_case"})

	PinnedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_pinned_host_bytes",
		Help: "Host bytes currently registered for DMA",
	})

	HostRegisterOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_host_register_total",
		Help: "Host register/unregister calls by outcome",
	}, []string{"op", "outcome"})

	TransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_transfer_bytes_total",
		Help: "Bytes copied between memory cases",
	}, []string{"direction", "mode"})

	CollectiveGroups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collective_groups_total",
		Help: "Collective groups executed by outcome",
	}, []string{"kind", "outcome"})

	CollectiveGroupSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collective_group_size",
		Help:    "Requests fused into one collective group",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	CollectiveGroupDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collective_group_duration_seconds",
		Help:    "Wall time of one collective group",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	CollectivePendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collective_pending_requests",
		Help: "Requests in the store with at least one rank submitted",
	})

	CollectiveWatchdogTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collective_watchdog_trips_total",
		Help: "Requests that failed to assemble before the watchdog window",
	})

	TransportRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collective_transport_retries_total",
		Help: "Transient transport errors retried",
	}, []string{"transport"})
)

func RecordSubmitted(instruction string) {
	InstructionsSubmitted.WithLabelValues(instruction).Inc()
}

func RecordCompleted(instruction, state string, duration time.Duration) {
	InstructionsCompleted.WithLabelValues(instruction, state).Inc()
	InstructionDuration.WithLabelValues(instruction).Observe(duration.Seconds())
}

func RecordValidationError(instruction string) {
	ValidationErrors.WithLabelValues(instruction).Inc()
}

func RecordFatal(source string) {
	FatalErrors.WithLabelValues(source).Inc()
}

func RecordQueueDepth(stream string, depth int) {
	StreamQueueDepth.WithLabelValues(stream).Set(float64(depth))
}

func RecordDeviceMemory(memCase string, bytes int64) {
	DeviceMemoryAllocated.WithLabelValues(memCase).Set(float64(bytes))
}

func RecordPinnedBytes(bytes int64) {
	PinnedBytes.Set(float64(bytes))
}

// RecordHostRegister counts a register ("register"/"unregister") call.
// Outcome is "ok", "already_registered", "not_registered" or "error".
func RecordHostRegister(op, outcome string) {
	HostRegisterOps.WithLabelValues(op, outcome).Inc()
}

// RecordTransfer counts copied bytes; mode is "dma" when the host side was
// registered and "staged" otherwise.
func RecordTransfer(direction, mode string, bytes int) {
	TransferBytes.WithLabelValues(direction, mode).Add(float64(bytes))
}

func RecordCollectiveGroup(kind string, size int, duration time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	CollectiveGroups.WithLabelValues(kind, outcome).Inc()
	CollectiveGroupSize.Observe(float64(size))
	CollectiveGroupDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func RecordPendingRequests(n int) {
	CollectivePendingRequests.Set(float64(n))
}

func RecordWatchdogTrip() {
	CollectiveWatchdogTrips.Inc()
}

func RecordTransportRetry(transport string) {
	TransportRetries.WithLabelValues(transport).Inc()
}
