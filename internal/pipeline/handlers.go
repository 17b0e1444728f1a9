package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/models"
	"github.com/papyrix/papyrix/internal/worker"
)

// ExtractHandler runs in the extraction worker: it claims the document,
// decodes the blob into chunks, persists the Extracted transition, and fans
// out the two index jobs.
type ExtractHandler struct {
	orch       *Orchestrator
	store      core.DocumentStore
	blobs      core.BlobStore
	extractors map[models.Format]core.Extractor
	log        *slog.Logger
}

func NewExtractHandler(orch *Orchestrator, store core.DocumentStore, blobs core.BlobStore, extractors map[models.Format]core.Extractor, log *slog.Logger) *ExtractHandler {
	return &ExtractHandler{orch: orch, store: store, blobs: blobs, extractors: extractors, log: log}
}

func (h *ExtractHandler) Handle(ctx context.Context, env *models.Envelope) error {
	doc, err := h.store.GetDocumentByID(ctx, env.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc == nil {
		h.log.Info("extract job for unknown document, acking", "document_id", env.DocumentID)
		return nil
	}

	claimed, err := h.orch.BeginExtraction(ctx, doc)
	if err != nil {
		return err
	}
	if !claimed {
		h.log.Info("document already past extraction, acking", "document_id", doc.ID, "state", doc.State)
		return nil
	}

	ex, ok := h.extractors[doc.Format]
	if !ok {
		return core.Terminal("unsupported_format", fmt.Errorf("no extractor for %q", doc.Format))
	}

	blob, err := h.blobs.Get(ctx, doc.StorageKey)
	if err != nil {
		return fmt.Errorf("fetch blob %s: %w", doc.StorageKey, err)
	}

	chunks, err := ex.Extract(ctx, blob)
	if err != nil {
		return err
	}
	for i := range chunks {
		chunks[i].DocumentID = doc.ID
	}

	return h.orch.CompleteExtraction(ctx, doc.ID, chunks)
}

// OnAbandon records the Failed outcome when the extract job is given up.
func (h *ExtractHandler) OnAbandon(ctx context.Context, env *models.Envelope, reason string) {
	h.orch.Fail(ctx, env.DocumentID, reason)
}

// IndexHandler runs in both indexing workers, parameterized by dispatcher.
type IndexHandler struct {
	orch       *Orchestrator
	store      core.DocumentStore
	dispatcher Dispatcher
	log        *slog.Logger
}

func NewIndexHandler(orch *Orchestrator, store core.DocumentStore, dispatcher Dispatcher, log *slog.Logger) *IndexHandler {
	return &IndexHandler{orch: orch, store: store, dispatcher: dispatcher, log: log}
}

func (h *IndexHandler) Handle(ctx context.Context, env *models.Envelope) error {
	stage := h.dispatcher.Stage()

	doc, err := h.store.GetDocumentByID(ctx, env.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc == nil {
		h.log.Info("index job for unknown document, acking", "document_id", env.DocumentID, "stage", stage)
		return nil
	}
	if doc.State.Terminal() {
		// Redelivery after the document settled; never touch the backend.
		h.log.Info("index job for settled document, acking", "document_id", doc.ID, "state", doc.State, "stage", stage)
		return nil
	}

	stages, err := h.store.CompletedStages(ctx, doc.ID)
	if err != nil {
		return fmt.Errorf("list completed stages: %w", err)
	}
	for _, s := range stages {
		if s == stage {
			h.log.Info("stage already completed, acking", "document_id", doc.ID, "stage", stage)
			return nil
		}
	}

	if err := h.orch.BeginIndexing(ctx, doc.ID); err != nil {
		return err
	}

	var payload models.IndexPayload
	if err := env.DecodePayload(&payload); err != nil {
		return core.Terminal("invalid_index_payload", err)
	}
	if len(payload.Chunks) == 0 {
		return core.Terminal("empty_index_payload", nil)
	}

	if err := h.dispatcher.Index(ctx, doc.ID, payload.Chunks); err != nil {
		return err
	}
	return h.orch.ReportCompletion(ctx, doc.ID, stage, env.CorrelationID)
}

// OnAbandon reports the stage failure to the completion topic so the
// orchestrator records the Failed outcome.
func (h *IndexHandler) OnAbandon(ctx context.Context, env *models.Envelope, reason string) {
	h.orch.ReportIndexFailure(ctx, env.DocumentID, h.dispatcher.Stage(), reason, env.CorrelationID)
}

// StatusHandler runs in the orchestrator process consuming the completion
// topic.
type StatusHandler struct {
	orch *Orchestrator
	log  *slog.Logger
}

func NewStatusHandler(orch *Orchestrator, log *slog.Logger) *StatusHandler {
	return &StatusHandler{orch: orch, log: log}
}

func (h *StatusHandler) Handle(ctx context.Context, env *models.Envelope) error {
	var payload models.StatusPayload
	if err := env.DecodePayload(&payload); err != nil {
		return core.Terminal("invalid_status_payload", err)
	}
	if payload.Stage != models.StageFulltext && payload.Stage != models.StageEmbedding {
		return core.Terminal("unknown_stage", fmt.Errorf("stage %q", payload.Stage))
	}

	switch env.Kind {
	case models.KindIndexCompleted:
		return h.orch.RecordCompletion(ctx, env.DocumentID, payload.Stage)
	case models.KindIndexFailed:
		reason := payload.Reason
		if reason == "" {
			reason = "index_failed"
		}
		h.orch.Fail(ctx, env.DocumentID, fmt.Sprintf("%s: %s", payload.Stage, reason))
		return nil
	default:
		return core.Terminal("unexpected_kind", fmt.Errorf("kind %q on status topic", env.Kind))
	}
}

// OnAbandon for status messages only logs: there is no further place to
// report to, and the sweeper catches documents that never settle.
func (h *StatusHandler) OnAbandon(ctx context.Context, env *models.Envelope, reason string) {
	h.log.Error("abandoned status report", "document_id", env.DocumentID, "reason", reason)
}

// Handler shapes line up with the worker runtime.
var (
	_ worker.Handler = (*ExtractHandler)(nil).Handle
	_ worker.Handler = (*IndexHandler)(nil).Handle
	_ worker.Handler = (*StatusHandler)(nil).Handle
)
