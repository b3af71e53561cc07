package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/flowtrace/pkg/domain"
)

const (
	// DefaultSubject is the subject correlated event batches are published on
	DefaultSubject = "flowtrace.events"
	// DefaultBatchSize is the number of events flushed per message
	DefaultBatchSize = 100
	// DefaultFlushInterval is the maximum time a partial batch waits
	DefaultFlushInterval = 100 * time.Millisecond
	// DefaultChannelBuffer is the size of the internal event queue
	DefaultChannelBuffer = 4096
)

// Config configures the NATS event publisher.
type Config struct {
	URL            string        `json:"url"`
	Name           string        `json:"name"`
	Subject        string        `json:"subject"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	ReconnectWait  time.Duration `json:"reconnect_wait"`
	MaxReconnects  int           `json:"max_reconnects"`

	BatchSize     int           `json:"batch_size"`
	FlushInterval time.Duration `json:"flush_interval"`
	ChannelBuffer int           `json:"channel_buffer"`
}

// DefaultConfig returns the default publisher configuration.
func DefaultConfig() Config {
	return Config{
		URL:            natsgo.DefaultURL,
		Name:           "flowtrace-publisher",
		Subject:        DefaultSubject,
		ConnectTimeout: 10 * time.Second,
		ReconnectWait:  2 * time.Second,
		MaxReconnects:  60,
		BatchSize:      DefaultBatchSize,
		FlushInterval:  DefaultFlushInterval,
		ChannelBuffer:  DefaultChannelBuffer,
	}
}

func validateConfig(config *Config) error {
	if config.Subject == "" {
		config.Subject = DefaultSubject
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.ReconnectWait <= 0 {
		config.ReconnectWait = 2 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.ChannelBuffer <= 0 {
		config.ChannelBuffer = DefaultChannelBuffer
	}
	if config.BatchSize > 10000 {
		return fmt.Errorf("batch size too large: %d (max 10000)", config.BatchSize)
	}
	return nil
}

// wireEvent is the published shape of a correlated event. Payload bytes
// pass through as-is; correlation fields ride alongside.
type wireEvent struct {
	EventID       string              `json:"event_id"`
	Kind          domain.EventKind    `json:"kind"`
	Producer      domain.ProducerID   `json:"producer"`
	Timestamp     time.Time           `json:"timestamp"`
	CorrelationID string              `json:"correlation_id"`
	ParentID      string              `json:"parent_id,omitempty"`
	RootID        string              `json:"root_id"`
	Confidence    float64             `json:"confidence"`
	Flags         []string            `json:"flags,omitempty"`
	Links         []domain.CausalLink `json:"links,omitempty"`
	Payload       domain.EventPayload `json:"payload"`
}

// batchEnvelope is one NATS message carrying a batch of events.
type batchEnvelope struct {
	PublishedAt time.Time   `json:"published_at"`
	Count       int         `json:"count"`
	Events      []wireEvent `json:"events"`
}

// Conn is the slice of the NATS connection the publisher needs.
// *nats.Conn satisfies it.
type Conn interface {
	Publish(subject string, data []byte) error
	Flush() error
	Close()
}

// Publisher ships correlated events to NATS in batches. It satisfies
// pipeline.Sink: Publish enqueues without blocking the drain loop, a
// background worker batches by size or flush interval, and a full queue
// drops events and counts them rather than stalling the pipeline.
type Publisher struct {
	conn    Conn
	config  Config
	logger  *zap.Logger
	ownConn bool

	eventCh chan *domain.CorrelatedEvent
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu      sync.RWMutex
	started bool
	closed  bool

	batchesPublished metric.Int64Counter
	eventsPublished  metric.Int64Counter
	eventsDropped    metric.Int64Counter
	publishErrors    metric.Int64Counter
}

// NewPublisher connects to NATS and returns a started publisher.
func NewPublisher(logger *zap.Logger, config Config) (*Publisher, error) {
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid publisher config: %w", err)
	}

	opts := []natsgo.Option{
		natsgo.Timeout(config.ConnectTimeout),
		natsgo.ReconnectWait(config.ReconnectWait),
		natsgo.MaxReconnects(config.MaxReconnects),
	}
	if config.Name != "" {
		opts = append(opts, natsgo.Name(config.Name))
	}

	nc, err := natsgo.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	p, err := newWithConn(logger, config, nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	p.ownConn = true
	return p, nil
}

// NewPublisherWithConn wraps an existing connection. The caller keeps
// ownership of the connection; Close will not close it.
func NewPublisherWithConn(logger *zap.Logger, config Config, conn Conn) (*Publisher, error) {
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid publisher config: %w", err)
	}
	return newWithConn(logger, config, conn)
}

func newWithConn(logger *zap.Logger, config Config, conn Conn) (*Publisher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("connection cannot be nil")
	}

	meter := otel.Meter("flowtrace.exports.nats")

	batchesPublished, err := meter.Int64Counter(
		"flowtrace_nats_batches_published_total",
		metric.WithDescription("Total batches published to NATS"),
	)
	if err != nil {
		logger.Warn("Failed to create batches published counter", zap.Error(err))
	}

	eventsPublished, err := meter.Int64Counter(
		"flowtrace_nats_events_published_total",
		metric.WithDescription("Total events published to NATS"),
	)
	if err != nil {
		logger.Warn("Failed to create events published counter", zap.Error(err))
	}

	eventsDropped, err := meter.Int64Counter(
		"flowtrace_nats_events_dropped_total",
		metric.WithDescription("Total events dropped due to full publish queue"),
	)
	if err != nil {
		logger.Warn("Failed to create events dropped counter", zap.Error(err))
	}

	publishErrors, err := meter.Int64Counter(
		"flowtrace_nats_publish_errors_total",
		metric.WithDescription("Total NATS publish failures"),
	)
	if err != nil {
		logger.Warn("Failed to create publish errors counter", zap.Error(err))
	}

	p := &Publisher{
		conn:             conn,
		config:           config,
		logger:           logger,
		eventCh:          make(chan *domain.CorrelatedEvent, config.ChannelBuffer),
		stopCh:           make(chan struct{}),
		doneCh:           make(chan struct{}),
		started:          true,
		batchesPublished: batchesPublished,
		eventsPublished:  eventsPublished,
		eventsDropped:    eventsDropped,
		publishErrors:    publishErrors,
	}

	go p.flushLoop()

	p.logger.Info("NATS publisher started",
		zap.String("subject", config.Subject),
		zap.Int("batch_size", config.BatchSize),
		zap.Duration("flush_interval", config.FlushInterval))

	return p, nil
}

// Publish enqueues events for batched delivery. It never blocks: events
// that do not fit in the queue are dropped and counted.
func (p *Publisher) Publish(ctx context.Context, events []*domain.CorrelatedEvent) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return fmt.Errorf("publisher is closed")
	}

	dropped := 0
	for _, event := range events {
		if event == nil {
			continue
		}
		select {
		case p.eventCh <- event:
		default:
			dropped++
		}
	}

	if dropped > 0 {
		if p.eventsDropped != nil {
			p.eventsDropped.Add(ctx, int64(dropped), metric.WithAttributes(
				attribute.String("drop_reason", "queue_full"),
			))
		}
		p.logger.Warn("Publish queue full, events dropped",
			zap.Int("dropped", dropped),
			zap.Int("queue_capacity", p.config.ChannelBuffer))
	}
	return nil
}

func (p *Publisher) flushLoop() {
	defer close(p.doneCh)

	batch := make([]*domain.CorrelatedEvent, 0, p.config.BatchSize)
	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			// Drain whatever is still queued before exiting
			for {
				select {
				case event := <-p.eventCh:
					batch = append(batch, event)
					if len(batch) >= p.config.BatchSize {
						p.flush(batch)
						batch = batch[:0]
					}
				default:
					p.flush(batch)
					return
				}
			}

		case event := <-p.eventCh:
			batch = append(batch, event)
			if len(batch) >= p.config.BatchSize {
				p.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (p *Publisher) flush(batch []*domain.CorrelatedEvent) {
	if len(batch) == 0 {
		return
	}

	envelope := batchEnvelope{
		PublishedAt: time.Now().UTC(),
		Count:       len(batch),
		Events:      make([]wireEvent, 0, len(batch)),
	}
	for _, event := range batch {
		envelope.Events = append(envelope.Events, wireEvent{
			EventID:       event.EventID,
			Kind:          event.Kind,
			Producer:      event.ProducerID,
			Timestamp:     event.Timestamp,
			CorrelationID: event.CorrelationID,
			ParentID:      event.ParentID,
			RootID:        event.RootID,
			Confidence:    event.Confidence,
			Flags:         event.Flags,
			Links:         event.Links,
			Payload:       event.Payload,
		})
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		p.recordError("marshal")
		p.logger.Error("Failed to marshal event batch", zap.Error(err))
		return
	}

	if err := p.conn.Publish(p.config.Subject, data); err != nil {
		p.recordError("publish")
		p.logger.Warn("Failed to publish event batch",
			zap.Error(err),
			zap.String("subject", p.config.Subject),
			zap.Int("events", len(batch)))
		return
	}

	ctx := context.Background()
	if p.batchesPublished != nil {
		p.batchesPublished.Add(ctx, 1)
	}
	if p.eventsPublished != nil {
		p.eventsPublished.Add(ctx, int64(len(batch)))
	}
}

func (p *Publisher) recordError(kind string) {
	if p.publishErrors != nil {
		p.publishErrors.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("error_type", kind),
		))
	}
}

// Close flushes queued events and shuts the publisher down.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.doneCh:
	case <-time.After(30 * time.Second):
		p.logger.Warn("Timeout waiting for publisher to stop")
	}

	if err := p.conn.Flush(); err != nil {
		p.logger.Warn("Failed to flush NATS connection", zap.Error(err))
	}
	if p.ownConn {
		p.conn.Close()
	}

	p.logger.Info("NATS publisher stopped")
	return nil
}

// QueueDepth reports how many events are waiting to be flushed.
func (p *Publisher) QueueDepth() int {
	return len(p.eventCh)
}
