/*
Package audit records a correlated security-event trail for bans,
rate-limit violations, and cost-throttle events. It is adapted from
the reference gateway's analytics ingestion pipeline: a buffered
channel absorbs bursts without blocking the request path, and a single
background worker batches and flushes on a ticker, same shape as the
reference's per-event-type workers, collapsed to one stream since
security events are lower-volume than LLM request/cost telemetry.
*/
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind classifies a security event.
type Kind string

const (
	KindBan            Kind = "ban"
	KindViolation       Kind = "violation"
	KindCostThrottle    Kind = "cost_throttle"
	KindChallengeReject Kind = "challenge_reject"
	KindBotCheckFail    Kind = "bot_check_fail"
	KindWebhookReject   Kind = "webhook_reject"
)

// Event is one recorded security occurrence.
type Event struct {
	Kind         Kind
	Scope        string
	StableIDHash string
	TrustedIP    string
	Timestamp    time.Time
}

// Sink is the destination for audit events (log sink by default;
// pluggable so a deployment can swap in a real store without the
// orchestrator knowing).
type Sink interface {
	WriteBatch(ctx context.Context, events []Event) error
}

// LogSink writes events as structured zerolog lines — the default
// sink when no external audit store is configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit").Logger()}
}

// WriteBatch logs each event at Warn level.
func (s *LogSink) WriteBatch(_ context.Context, events []Event) error {
	for _, e := range events {
		s.logger.Warn().
			Str("kind", string(e.Kind)).
			Str("scope", e.Scope).
			Str("stable_id_hash", e.StableIDHash).
			Str("trusted_ip", e.TrustedIP).
			Time("timestamp", e.Timestamp).
			Msg("security event")
	}
	return nil
}

const (
	bufferSize    = 10000
	batchSize     = 200
	flushInterval = 2 * time.Second
)

// Trail is the async security-event recorder.
type Trail struct {
	logger zerolog.Logger
	sink   Sink
	ch     chan Event
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Trail backed by sink.
func New(logger zerolog.Logger, sink Sink) *Trail {
	return &Trail{
		logger: logger.With().Str("component", "audit-trail").Logger(),
		sink:   sink,
		ch:     make(chan Event, bufferSize),
	}
}

// Start launches the background flush worker.
func (t *Trail) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.worker(ctx)
}

// Stop stops the worker, which flushes the batch it already holds;
// events still queued in the channel are not drained.
func (t *Trail) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Record submits an event. Non-blocking: drops the event (with a log
// line) if the buffer is full, since audit recording must never
// backpressure the request path.
func (t *Trail) Record(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case t.ch <- e:
	default:
		t.logger.Warn().Str("kind", string(e.Kind)).Msg("audit event dropped: buffer full")
	}
}

func (t *Trail) worker(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Event, 0, batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := t.sink.WriteBatch(fctx, batch); err != nil {
			t.logger.Warn().Err(err).Int("count", len(batch)).Msg("audit flush failed")
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case e := <-t.ch:
			batch = append(batch, e)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
