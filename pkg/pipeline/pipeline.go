package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/yairfalse/flowtrace/pkg/config"
	"github.com/yairfalse/flowtrace/pkg/correlation"
	"github.com/yairfalse/flowtrace/pkg/domain"
	"github.com/yairfalse/flowtrace/pkg/hotstore"
	"github.com/yairfalse/flowtrace/pkg/ingest"
	"github.com/yairfalse/flowtrace/pkg/ringbuffer"
)

// Sink receives correlated batches after they are stored. Optional; used to
// hand results to a downstream boundary such as the NATS exporter.
type Sink interface {
	Publish(ctx context.Context, events []*domain.CorrelatedEvent) error
}

// Stats aggregates observability data across the whole pipeline
type Stats struct {
	Buffer         ringbuffer.Stats  `json:"buffer"`
	Ingest         ingest.Stats      `json:"ingest"`
	Correlation    correlation.Stats `json:"correlation"`
	Store          hotstore.Stats    `json:"store"`
	BatchesDrained uint64            `json:"batches_drained"`
	BatchesRetried uint64            `json:"batches_retried"`
	BatchesDropped uint64            `json:"batches_dropped"`
}

// Pipeline wires the capture path end to end: ingestor -> ring buffer ->
// drain loop -> correlator -> hot store. Producers write through the
// ingestor; consumers query the hot store. The pipeline owns the single
// drain consumer, the cleanup sweep timer, and the retention prune timer.
type Pipeline struct {
	logger *zap.Logger
	config config.Config

	buffer     *ringbuffer.Buffer
	ingestor   *ingest.Ingestor
	correlator *correlation.Correlator
	store      *hotstore.Store
	sink       Sink

	// Drain consumer cursor into the ring buffer
	cursor uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool

	batchesDrained atomic.Uint64
	batchesRetried atomic.Uint64
	batchesDropped atomic.Uint64
}

// Option customizes pipeline construction
type Option func(*Pipeline)

// WithSink attaches a downstream sink for stored batches
func WithSink(sink Sink) Option {
	return func(p *Pipeline) {
		p.sink = sink
	}
}

// New assembles a pipeline from configuration
func New(logger *zap.Logger, cfg config.Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline config: %w", err)
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	buffer, err := ringbuffer.New(cfg.BufferCapacity, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to create ring buffer: %w", err)
	}

	p := &Pipeline{
		logger: logger,
		config: cfg,
		buffer: buffer,
		ingestor: ingest.New(logger.Named("ingest"), buffer, ingest.Config{
			MaxPayloadBytes: cfg.MaxPayloadBytes,
			Enabled:         cfg.Enabled,
		}),
		correlator: correlation.New(logger.Named("correlation"), correlation.Config{
			TTL:                    cfg.CorrelationTTL.Std(),
			SweepTimeBox:           cfg.SweepTimeBox.Std(),
			MaxTrackedCorrelations: cfg.MaxTrackedCorrelations,
		}),
		store: hotstore.New(logger.Named("hotstore")),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.cursor = buffer.OldestPos()
	return p, nil
}

// Ingestor returns the producer-facing entry point
func (p *Pipeline) Ingestor() *ingest.Ingestor {
	return p.ingestor
}

// Store returns the consumer-facing query interface
func (p *Pipeline) Store() *hotstore.Store {
	return p.store
}

// Buffer exposes the ring buffer, mainly for stats and tests
func (p *Pipeline) Buffer() *ringbuffer.Buffer {
	return p.buffer
}

// Start launches the drain, sweep, and prune loops
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("pipeline already started")
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.started = true

	p.wg.Add(1)
	go p.drainLoop()

	p.wg.Add(1)
	go p.sweepLoop()

	if p.config.Retention > 0 {
		p.wg.Add(1)
		go p.pruneLoop()
	}

	p.logger.Info("Pipeline started",
		zap.Uint64("buffer_capacity", p.config.BufferCapacity),
		zap.String("overflow_policy", p.config.OverflowPolicy),
		zap.Int("drain_batch_size", p.config.DrainBatchSize),
		zap.Duration("correlation_ttl", p.config.CorrelationTTL.Std()),
	)
	return nil
}

// Stop shuts down the loops, then drains what remains in the buffer so
// nothing captured before Stop is lost.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.cancel()
	p.wg.Wait()
	p.started = false

	p.drainOnce(context.Background())

	p.logger.Info("Pipeline stopped",
		zap.Uint64("batches_drained", p.batchesDrained.Load()),
		zap.Uint64("batches_dropped", p.batchesDropped.Load()),
	)
	return nil
}

// GetStats aggregates stats from every stage
func (p *Pipeline) GetStats() Stats {
	return Stats{
		Buffer:         p.buffer.Stats(),
		Ingest:         p.ingestor.Stats(),
		Correlation:    p.correlator.Stats(),
		Store:          p.store.Stats(),
		BatchesDrained: p.batchesDrained.Load(),
		BatchesRetried: p.batchesRetried.Load(),
		BatchesDropped: p.batchesDropped.Load(),
	}
}

func (p *Pipeline) drainLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.DrainInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.drainOnce(p.ctx)
		}
	}
}

// drainOnce reads and processes batches until the buffer is empty
func (p *Pipeline) drainOnce(ctx context.Context) {
	for {
		events, next := p.buffer.ReadBatch(p.cursor, p.config.DrainBatchSize)
		if len(events) == 0 {
			p.cursor = next
			return
		}
		p.cursor = next
		p.processBatch(ctx, events)
		if ctx.Err() != nil {
			return
		}
	}
}

// processBatch correlates and stores one batch. A correlation timeout is
// retried once with a fresh deadline; a second failure drops the batch and
// counts it, never crashing the consumer.
func (p *Pipeline) processBatch(ctx context.Context, events []*domain.TraceEvent) {
	correlated, err := p.correlateWithTimeout(ctx, events)
	if err != nil {
		p.batchesRetried.Add(1)
		p.logger.Warn("Batch correlation failed, retrying",
			zap.Int("events", len(events)),
			zap.Error(err))
		correlated, err = p.correlateWithTimeout(ctx, events)
		if err != nil {
			p.batchesDropped.Add(1)
			p.logger.Error("Batch correlation failed twice, dropping batch",
				zap.Int("events", len(events)),
				zap.Error(err))
			return
		}
	}

	p.store.PutBatch(correlated)
	p.batchesDrained.Add(1)

	if p.sink != nil {
		if err := p.sink.Publish(ctx, correlated); err != nil {
			p.logger.Warn("Sink publish failed",
				zap.Int("events", len(correlated)),
				zap.Error(err))
		}
	}
}

func (p *Pipeline) correlateWithTimeout(ctx context.Context, events []*domain.TraceEvent) ([]*domain.CorrelatedEvent, error) {
	batchCtx, cancel := context.WithTimeout(ctx, p.config.BatchTimeout.Std())
	defer cancel()
	return p.correlator.CorrelateBatch(batchCtx, events)
}

func (p *Pipeline) sweepLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.SweepInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.correlator.Sweep(p.ctx, time.Now())
		}
	}
}

func (p *Pipeline) pruneLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.PruneInterval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.store.Prune(time.Now().Add(-p.config.Retention.Std()))
		}
	}
}
