package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	totalTokens   atomic.Int64
	totalLaunches atomic.Int64
)

var (
	PrefillLaunchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefill_launches_total",
		Help: "The total number of prefill kernel launches",
	})

	PrefillTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefill_tokens_total",
		Help: "The total number of tokens processed by prefill launches",
	})

	PrefillDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "prefill_duration_seconds",
		Help: "Duration of whole prefill invocations including validation",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ContextLengthHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "context_length_tokens",
		Help:    "Distribution of per-sequence context lengths processed",
		Buckets: []float64{16, 64, 128, 256, 512, 1000, 2000, 4000, 8000, 16000, 32000},
	})

	BatchSequences = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "prefill_batch_sequences",
		Help:    "Distribution of sequences per prefill batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})

	// ===== Grid Dispatch Metrics =====

	GridUnitsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grid_units_dispatched_total",
		Help: "Total grid units dispatched, including no-op slots",
	})

	GridUnitsActive = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grid_units_active_total",
		Help: "Total grid units that performed work",
	})

	GridOccupancy = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "grid_occupancy_ratio",
		Help:    "Active over dispatched grid units per launch",
		Buckets: []float64{0.1, 0.25, 0.5, 0.75, 0.9, 0.95, 1.0},
	})

	LaunchFaults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "launch_faults_total",
		Help: "Count of kernel launches aborted by a worker fault",
	})

	// ===== KV Cache Write Metrics =====

	KVCacheBlocksWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_blocks_written_total",
		Help: "Total per-head cache block writes committed by the cache writer",
	})

	KVCacheBytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_bytes_written_total",
		Help: "Total bytes of key/value data written into the paged cache",
	})

	KVCacheSlotsMasked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_slots_masked_total",
		Help: "Cache slots skipped past the true sequence length",
	})

	// ===== Capture / Flight Metrics =====

	CaptureRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "capture_records_total",
		Help: "Prefill batch records written to or read from capture streams",
	}, []string{"op"})

	FlightRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_requests_total",
		Help: "Arrow Flight requests by method and outcome",
	}, []string{"method", "status"})
)

// RecordPrefill records one completed prefill invocation.
func RecordPrefill(sequences, tokens int, duration time.Duration) {
	PrefillLaunchesTotal.Inc()
	PrefillTokensTotal.Add(float64(tokens))
	PrefillDuration.Observe(duration.Seconds())
	BatchSequences.Observe(float64(sequences))
	totalTokens.Add(int64(tokens))
	totalLaunches.Add(1)
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordNumericalInstability(name string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(name, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(name, "inf").Add(float64(infCount))
	}
}

func RecordContextLength(tokens int) {
	ContextLengthHistogram.Observe(float64(tokens))
}

// RecordGridDispatch records grid geometry for one launch.
func RecordGridDispatch(dispatched, active int) {
	GridUnitsDispatched.Add(float64(dispatched))
	GridUnitsActive.Add(float64(active))
	if dispatched > 0 {
		GridOccupancy.Observe(float64(active) / float64(dispatched))
	}
}

func RecordLaunchFault() {
	LaunchFaults.Inc()
}

// RecordCacheWrite records one cache-writer tile store.
func RecordCacheWrite(blocks, bytes, maskedSlots int) {
	KVCacheBlocksWritten.Add(float64(blocks))
	KVCacheBytesWritten.Add(float64(bytes))
	if maskedSlots > 0 {
		KVCacheSlotsMasked.Add(float64(maskedSlots))
	}
}

func RecordCaptureRecords(op string, count int) {
	CaptureRecords.WithLabelValues(op).Add(float64(count))
}

func RecordFlightRequest(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	FlightRequests.WithLabelValues(method, status).Inc()
}

// TotalTokens reports the process-lifetime token count for health output.
func TotalTokens() int64 {
	return totalTokens.Load()
}

// TotalLaunches reports the process-lifetime launch count for health output.
func TotalLaunches() int64 {
	return totalLaunches.Load()
}
