package worker

import (
	"context"
	"log/slog"

	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/models"
)

// Handler processes one decoded job envelope. A nil return acknowledges the
// message; a terminal error discards it; anything else is retried.
type Handler func(ctx context.Context, env *models.Envelope) error

// FailureHook runs when a job is abandoned for good, either terminally or
// after the retry cap; it is responsible for recording the Failed outcome.
type FailureHook func(ctx context.Context, env *models.Envelope, reason string)

// Worker is the generic consumer loop: one topic, one expected kind set, one
// handler. It owns error classification so no error ever escapes a handler
// without mapping to exactly one of ack, requeue, or discard.
type Worker struct {
	transport  core.Transport
	topic      string
	expected   map[models.JobKind]bool
	handle     Handler
	onAbandon  FailureHook
	maxRetries int
	pool       int
	log        *slog.Logger
}

func New(transport core.Transport, topic string, kinds []models.JobKind, handle Handler, onAbandon FailureHook, maxRetries, pool int, log *slog.Logger) *Worker {
	expected := make(map[models.JobKind]bool, len(kinds))
	for _, k := range kinds {
		expected[k] = true
	}
	return &Worker{
		transport:  transport,
		topic:      topic,
		expected:   expected,
		handle:     handle,
		onAbandon:  onAbandon,
		maxRetries: maxRetries,
		pool:       pool,
		log:        log,
	}
}

// Run blocks consuming the topic until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.transport.Consume(ctx, w.topic, w.pool, w.Dispatch)
}

// Dispatch classifies one delivery. Retryable failures republish the
// envelope with an incremented attempt_count and ack the original, so the
// retry budget survives broker-level redelivery untouched.
func (w *Worker) Dispatch(ctx context.Context, body []byte) core.Verdict {
	env, err := models.DecodeEnvelope(body)
	if err != nil {
		w.log.Error("discarding malformed message", "topic", w.topic, "error", err)
		return core.NackDiscard
	}
	log := w.log.With("topic", w.topic, "kind", env.Kind, "document_id", env.DocumentID, "attempt", env.AttemptCount)

	if !w.expected[env.Kind] {
		log.Error("discarding message of unexpected kind")
		w.abandon(ctx, env, "unexpected_kind")
		return core.NackDiscard
	}

	err = w.handle(ctx, env)
	if err == nil {
		return core.Ack
	}

	if core.IsTerminal(err) {
		log.Error("terminal failure", "error", err)
		w.abandon(ctx, env, core.TerminalReason(err))
		return core.NackDiscard
	}

	if env.AttemptCount >= w.maxRetries {
		log.Error("retries exhausted", "error", err, "max_retries", w.maxRetries)
		w.abandon(ctx, env, "retries_exhausted")
		return core.NackDiscard
	}

	retry := *env
	retry.AttemptCount++
	data, encErr := retry.Encode()
	if encErr != nil {
		log.Error("failed to encode retry envelope", "error", encErr)
		return core.NackRequeue
	}
	if pubErr := w.transport.Publish(ctx, w.topic, data); pubErr != nil {
		// Fall back to broker redelivery; the attempt count stays put.
		log.Warn("republish failed, requeueing via broker", "error", pubErr)
		return core.NackRequeue
	}
	log.Warn("transient failure, requeued", "error", err)
	return core.Ack
}

func (w *Worker) abandon(ctx context.Context, env *models.Envelope, reason string) {
	if w.onAbandon != nil {
		w.onAbandon(ctx, env, reason)
	}
}
