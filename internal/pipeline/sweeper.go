package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/models"
)

const stalledReason = "stalled"

// Sweeper fails documents stuck in a non-terminal working state, typically
// left behind by a worker that crashed without nacking. The timeout must
// comfortably exceed worst-case queue latency or slow documents get failed
// while still in line.
type Sweeper struct {
	store    core.DocumentStore
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger
}

func NewSweeper(store core.DocumentStore, interval, timeout time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{store: store, interval: interval, timeout: timeout, log: log}
}

// Run blocks sweeping on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep fails every document untouched past the timeout. The CAS against
// the observed state means a document that moved on since listing is left
// alone.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.timeout)
	docs, err := s.store.ListStalled(ctx, cutoff)
	if err != nil {
		s.log.Error("stall sweep failed", "error", err)
		return
	}
	for _, doc := range docs {
		reason := stalledReason
		ok, err := s.store.CompareAndSetState(ctx, doc.ID, doc.State, models.StateFailed,
			&core.TransitionExtra{FailureReason: &reason})
		if err != nil {
			s.log.Error("failed to fail stalled document", "document_id", doc.ID, "error", err)
			continue
		}
		if ok {
			s.log.Warn("failed stalled document", "document_id", doc.ID, "stuck_state", doc.State,
				"stuck_since", doc.UpdatedAt)
		}
	}
}
