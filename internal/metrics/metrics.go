package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Process-wide instrumentation. Registration tolerates duplicates so tests
// that rebuild the engine share one registry without panics.

var (
	IngestAccepted = counterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "ingest",
		Name:      "samples_accepted_total",
		Help:      "Samples accepted into the telemetry store.",
	}, []string{"transport", "source"})

	IngestRejected = counterVec(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "ingest",
		Name:      "samples_rejected_total",
		Help:      "Samples rejected at intake.",
	}, []string{"transport", "reason"})

	IngestDropped = counter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "ingest",
		Name:      "samples_dropped_total",
		Help:      "Samples dropped because the intake channel was full.",
	})

	StoreSamples = gauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "store",
		Name:      "samples",
		Help:      "Raw samples currently held across all segments.",
	})

	StoreEvicted = counter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "store",
		Name:      "samples_evicted_total",
		Help:      "Samples evicted past the retention horizon.",
	})

	QueryDuration = histogramVec(prometheus.HistogramOpts{
		Namespace: "pulse",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "Query API handler latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "code"})

	EvalCycles = counter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "anomaly",
		Name:      "eval_cycles_total",
		Help:      "Detector evaluation cycles run.",
	})

	SignalsActive = gauge(prometheus.GaugeOpts{
		Namespace: "pulse",
		Subsystem: "anomaly",
		Name:      "signals_active",
		Help:      "Early warning signals currently active.",
	})

	SignalsPromoted = counter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "anomaly",
		Name:      "signals_promoted_total",
		Help:      "Early warning signals promoted after confirmation.",
	})

	SignalsRetired = counter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "anomaly",
		Name:      "signals_retired_total",
		Help:      "Early warning signals retired.",
	})

	FeedFailures = counter(prometheus.CounterOpts{
		Namespace: "pulse",
		Subsystem: "incidents",
		Name:      "feed_failures_total",
		Help:      "Incident feed refresh failures.",
	})
)

func counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(prometheus.Counter)
		}
		panic(err)
	}
	return c
}

func counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return c
}

func gauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	g := prometheus.NewGauge(opts)
	if err := prometheus.Register(g); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(prometheus.Gauge)
		}
		panic(err)
	}
	return g
}

func histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	if err := prometheus.Register(h); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector.(*prometheus.HistogramVec)
		}
		panic(err)
	}
	return h
}
