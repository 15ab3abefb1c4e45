package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/fraud-investigator/configs"
	"github.com/enterprise/fraud-investigator/internal/models"
	"github.com/enterprise/fraud-investigator/internal/queue"
	"github.com/enterprise/fraud-investigator/internal/scoring"
	"github.com/enterprise/fraud-investigator/internal/sink"
)

// ErrMalformedEvent marks stream entries whose transaction JSON could not be
// decoded. They are logged, counted, parked on the DLQ and acked.
var ErrMalformedEvent = errors.New("malformed_event")

// Stream is the queue as the pool consumes it.
type Stream interface {
	Consume(ctx context.Context, consumerName string, count int64, blockDuration time.Duration) ([]queue.StreamMessage, error)
	Acknowledge(ctx context.Context, messageID string) error
	SendToDeadLetter(ctx context.Context, msg queue.StreamMessage, cause error) error
}

// Investigator runs the scoring cascade for one case.
type Investigator interface {
	Investigate(ctx context.Context, caseID string, tx *models.Transaction) *scoring.Result
}

// Publisher delivers a verdict to the case-management sink.
type Publisher interface {
	Publish(ctx context.Context, payload sink.Payload) error
}

// Pool runs N workers over the investigation queue. Every well-formed entry
// produces exactly one verdict POST; malformed entries and internal faults
// are logged and acked so a bad case can never wedge the stream.
type Pool struct {
	cfg          configs.EngineConfig
	stream       Stream
	investigator Investigator
	publisher    Publisher
	discovery    *scoring.PatternDiscovery
	perf         *PerfTracker
	metrics      *Metrics

	blockDuration time.Duration
	wg            sync.WaitGroup
}

func NewPool(
	cfg configs.EngineConfig,
	redisCfg configs.RedisConfig,
	stream Stream,
	investigator Investigator,
	publisher Publisher,
	discovery *scoring.PatternDiscovery,
	perf *PerfTracker,
	metrics *Metrics,
) *Pool {
	return &Pool{
		cfg:           cfg,
		stream:        stream,
		investigator:  investigator,
		publisher:     publisher,
		discovery:     discovery,
		perf:          perf,
		metrics:       metrics,
		blockDuration: redisCfg.BlockDuration,
	}
}

// Start launches the workers plus the background pattern-mining and
// performance-report loops, and blocks until ctx is canceled and all
// in-flight investigations have drained.
func (p *Pool) Start(ctx context.Context) {
	log.Info().Int("workers", p.cfg.Workers).Msg("Starting investigation worker pool")

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, fmt.Sprintf("investigator-%d", i))
	}

	p.wg.Add(2)
	go p.runDiscoveryLoop(ctx)
	go p.runReportLoop(ctx)

	p.wg.Wait()
	log.Info().Msg("Worker pool drained")
}

func (p *Pool) runWorker(ctx context.Context, name string) {
	defer p.wg.Done()
	log.Info().Str("worker", name).Msg("Worker started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("worker", name).Msg("Worker stopping")
			return
		default:
		}

		messages, err := p.stream.Consume(ctx, name, 1, p.blockDuration)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Str("worker", name).Msg("Stream read failed")
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}

		for _, msg := range messages {
			p.handleMessage(ctx, name, msg)
		}
	}
}

// handleMessage processes one entry end to end. The stream id advances (ack)
// on every path, including failures: the sink is idempotent on case id and
// abandoned entries would otherwise be re-claimed forever.
func (p *Pool) handleMessage(ctx context.Context, name string, msg queue.StreamMessage) {
	defer func() {
		if rec := recover(); rec != nil {
			p.metrics.InternalFaults.Inc()
			log.Error().
				Str("worker", name).
				Str("caseId", msg.CaseID).
				Interface("panic", rec).
				Bytes("stack", debug.Stack()).
				Msg("Internal fault, case skipped")
			p.ack(ctx, msg.ID)
		}
	}()

	if msg.EventData == "" || msg.CaseID == "" {
		p.rejectMalformed(ctx, msg, errors.New("missing case_id or event_data"))
		return
	}

	tx, err := models.DecodeTransaction(msg.EventData)
	if err != nil {
		p.rejectMalformed(ctx, msg, err)
		return
	}

	result := p.investigator.Investigate(ctx, msg.CaseID, tx)

	p.perf.Observe(result.ProcessingTime)
	p.metrics.ProcessingSeconds.Observe(result.ProcessingTime.Seconds())
	p.metrics.CasesTotal.WithLabelValues(result.Decision).Inc()
	if len(result.SkippedLayers) > 0 {
		p.metrics.LayerSkipsTotal.Inc()
	}
	if result.LLMInvoked {
		p.metrics.LLMInvocations.Inc()
	}

	if err := p.publisher.Publish(ctx, sink.BuildPayload(result, tx)); err != nil {
		p.metrics.SinkFailuresTotal.Inc()
		log.Error().Err(err).Str("caseId", msg.CaseID).Msg("Verdict publish failed, advancing stream")
	}

	p.ack(ctx, msg.ID)
}

func (p *Pool) rejectMalformed(ctx context.Context, msg queue.StreamMessage, cause error) {
	p.metrics.MalformedTotal.Inc()
	wrapped := fmt.Errorf("%w: %v", ErrMalformedEvent, cause)
	log.Warn().Err(wrapped).Str("messageId", msg.ID).Str("caseId", msg.CaseID).
		Msg("Malformed stream entry, skipping")

	if err := p.stream.SendToDeadLetter(ctx, msg, wrapped); err != nil {
		log.Error().Err(err).Str("messageId", msg.ID).Msg("Dead-letter publish failed")
	}
	p.ack(ctx, msg.ID)
}

func (p *Pool) ack(ctx context.Context, messageID string) {
	// use a detached context so shutdown cancellation can't strand an
	// already-processed entry in the pending list
	ackCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ackCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := p.stream.Acknowledge(ackCtx, messageID); err != nil {
		log.Error().Err(err).Str("messageId", messageID).Msg("Failed to ack message")
	}
}

func (p *Pool) runDiscoveryLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.discovery.MaybeMine(now)
		}
	}
}

func (p *Pool) runReportLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.perf.Stats()
			if stats.TotalCasesProcessed == 0 {
				continue
			}
			log.Info().
				Float64("avgMs", stats.AvgProcessingTimeMs).
				Float64("p50Ms", stats.P50ProcessingTimeMs).
				Float64("p95Ms", stats.P95ProcessingTimeMs).
				Float64("p99Ms", stats.P99ProcessingTimeMs).
				Float64("maxMs", stats.MaxProcessingTimeMs).
				Int("totalCases", stats.TotalCasesProcessed).
				Msg("Performance report")
		}
	}
}
