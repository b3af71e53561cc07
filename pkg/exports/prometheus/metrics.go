package prometheus

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yairfalse/flowtrace/pkg/pipeline"
)

// StatsSource is anything that can report pipeline statistics.
// *pipeline.Pipeline satisfies it.
type StatsSource interface {
	GetStats() pipeline.Stats
}

// Config configures the Prometheus stats exporter.
type Config struct {
	Namespace   string
	ConstLabels map[string]string
}

// DefaultConfig returns the default exporter configuration.
func DefaultConfig() *Config {
	return &Config{
		Namespace: "flowtrace",
	}
}

// Exporter publishes pipeline statistics on a private Prometheus registry.
// Register it as a collector or expose Registry() behind an http handler;
// every scrape refreshes the gauges from the live pipeline.
type Exporter struct {
	registry *prometheus.Registry
	config   *Config
	source   StatsSource

	// Ring buffer
	bufferWrites      prometheus.Gauge
	bufferReads       prometheus.Gauge
	bufferDropped     prometheus.Gauge
	bufferOccupancy   prometheus.Gauge
	bufferUtilization prometheus.Gauge

	// Ingest
	eventsIngested    prometheus.Gauge
	eventsDropped     prometheus.Gauge
	payloadsTruncated prometheus.Gauge

	// Correlation
	callStacks          prometheus.Gauge
	pendingMessages     prometheus.Gauge
	trackedCorrelations prometheus.Gauge
	orphanExits         prometheus.Gauge
	unmatchedReceives   prometheus.Gauge
	malformedEvents     prometheus.Gauge
	confidenceLevels    *prometheus.GaugeVec

	// Hot store
	storeEvents prometheus.Gauge
	storePuts   prometheus.Gauge
	storePruned prometheus.Gauge

	// Drain loop
	batchesDrained prometheus.Gauge
	batchesRetried prometheus.Gauge
	batchesDropped prometheus.Gauge

	mu sync.Mutex
}

// NewExporter creates an exporter reading from source.
func NewExporter(source StatsSource, config *Config) *Exporter {
	if config == nil {
		config = DefaultConfig()
	}

	e := &Exporter{
		registry: prometheus.NewRegistry(),
		config:   config,
		source:   source,
	}
	e.initializeMetrics()
	return e
}

func (e *Exporter) initializeMetrics() {
	factory := promauto.With(e.registry)
	ns := e.config.Namespace
	labels := e.config.ConstLabels

	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	e.bufferWrites = gauge("buffer", "writes_total", "Total successful ring buffer writes")
	e.bufferReads = gauge("buffer", "reads_total", "Total ring buffer reads")
	e.bufferDropped = gauge("buffer", "dropped_total", "Total events dropped by overflow policy")
	e.bufferOccupancy = gauge("buffer", "occupancy", "Events currently resident in the ring buffer")
	e.bufferUtilization = gauge("buffer", "utilization_ratio", "Ring buffer fill ratio (0-1)")

	e.eventsIngested = gauge("ingest", "events_total", "Total events accepted by the ingestor")
	e.eventsDropped = gauge("ingest", "dropped_total", "Total events dropped at ingest")
	e.payloadsTruncated = gauge("ingest", "payloads_truncated_total", "Total oversized payloads truncated")

	e.callStacks = gauge("correlation", "call_stacks", "Open per-producer call stacks")
	e.pendingMessages = gauge("correlation", "pending_messages", "Sends awaiting a matching receive")
	e.trackedCorrelations = gauge("correlation", "tracked_total", "Correlation chains currently tracked")
	e.orphanExits = gauge("correlation", "orphan_exits_total", "Function exits with no matching entry")
	e.unmatchedReceives = gauge("correlation", "unmatched_receives_total", "Receives with no matching send")
	e.malformedEvents = gauge("correlation", "malformed_events_total", "Events that failed validation")

	e.confidenceLevels = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "correlation",
		Name:        "confidence_total",
		Help:        "Correlated events grouped by assigned confidence level",
		ConstLabels: labels,
	}, []string{"level"})

	e.storeEvents = gauge("store", "events", "Events currently resident in the hot store")
	e.storePuts = gauge("store", "puts_total", "Total events written to the hot store")
	e.storePruned = gauge("store", "pruned_total", "Total events removed by retention pruning")

	e.batchesDrained = gauge("drain", "batches_total", "Total batches drained from the ring buffer")
	e.batchesRetried = gauge("drain", "batches_retried_total", "Total batches that needed a correlation retry")
	e.batchesDropped = gauge("drain", "batches_dropped_total", "Total batches abandoned after retry")
}

// Refresh pulls current stats from the source and updates every gauge.
func (e *Exporter) Refresh() {
	stats := e.source.GetStats()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.bufferWrites.Set(float64(stats.Buffer.Writes))
	e.bufferReads.Set(float64(stats.Buffer.Reads))
	e.bufferDropped.Set(float64(stats.Buffer.Dropped))
	e.bufferOccupancy.Set(float64(stats.Buffer.Occupancy))
	e.bufferUtilization.Set(stats.Buffer.Utilization)

	e.eventsIngested.Set(float64(stats.Ingest.Ingested))
	e.eventsDropped.Set(float64(stats.Ingest.Dropped))
	e.payloadsTruncated.Set(float64(stats.Ingest.Truncated))

	e.callStacks.Set(float64(stats.Correlation.CallStacks))
	e.pendingMessages.Set(float64(stats.Correlation.PendingMessages))
	e.trackedCorrelations.Set(float64(stats.Correlation.TrackedCorrelations))
	e.orphanExits.Set(float64(stats.Correlation.OrphanExits))
	e.unmatchedReceives.Set(float64(stats.Correlation.UnmatchedReceives))
	e.malformedEvents.Set(float64(stats.Correlation.MalformedEvents))

	e.confidenceLevels.WithLabelValues("full").Set(float64(stats.Correlation.ConfidenceFull))
	e.confidenceLevels.WithLabelValues("inherited").Set(float64(stats.Correlation.ConfidenceInherited))
	e.confidenceLevels.WithLabelValues("partial").Set(float64(stats.Correlation.ConfidencePartial))
	e.confidenceLevels.WithLabelValues("none").Set(float64(stats.Correlation.ConfidenceNone))

	e.storeEvents.Set(float64(stats.Store.Events))
	e.storePuts.Set(float64(stats.Store.TotalPuts))
	e.storePruned.Set(float64(stats.Store.TotalPruned))

	e.batchesDrained.Set(float64(stats.BatchesDrained))
	e.batchesRetried.Set(float64(stats.BatchesRetried))
	e.batchesDropped.Set(float64(stats.BatchesDropped))
}

// Registry returns the private registry for wiring into an HTTP handler.
func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Describe implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	e.registry.Describe(ch)
}

// Collect implements prometheus.Collector. It refreshes the gauges first
// so scrapes always see current pipeline state.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.Refresh()
	e.registry.Collect(ch)
}
