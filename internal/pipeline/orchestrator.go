package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/models"
)

// Dispatcher is the shape both indexing stages share.
type Dispatcher interface {
	Stage() string
	Index(ctx context.Context, documentID string, chunks []models.Chunk) error
	Remove(ctx context.Context, documentID string) error
}

// Remover cleans a deleted document out of one search backend.
type Remover interface {
	Remove(ctx context.Context, documentID string) error
}

// Orchestrator owns every Document.state transition. All moves go through
// compare-and-swap against the store, so duplicate and out-of-order messages
// degrade to silent no-ops instead of corrupting the lifecycle.
type Orchestrator struct {
	store     core.DocumentStore
	transport core.Transport
	topics    Topics
	log       *slog.Logger

	// Optional cleanup collaborators for document deletion.
	blobs    core.BlobStore
	removers []Remover
}

func NewOrchestrator(store core.DocumentStore, transport core.Transport, topics Topics, log *slog.Logger) *Orchestrator {
	return &Orchestrator{store: store, transport: transport, topics: topics, log: log}
}

// WithCleanup attaches the collaborators used for best-effort deletion.
func (o *Orchestrator) WithCleanup(blobs core.BlobStore, removers ...Remover) *Orchestrator {
	o.blobs = blobs
	o.removers = removers
	return o
}

// BeginExtraction claims a document for extraction. The bool result reports
// whether this worker should run extraction; false means someone else
// already moved the document along.
func (o *Orchestrator) BeginExtraction(ctx context.Context, doc *models.Document) (bool, error) {
	switch doc.State {
	case models.StateUploaded:
		ok, err := o.store.CompareAndSetState(ctx, doc.ID, models.StateUploaded, models.StateExtractionInProgress, nil)
		if err != nil {
			return false, fmt.Errorf("claim extraction: %w", err)
		}
		return ok, nil
	case models.StateExtractionInProgress:
		// Redelivery after a crashed worker; re-running is safe because
		// extraction is deterministic and indexing replaces wholesale.
		return true, nil
	default:
		// Extracted or later: re-acknowledge without re-running.
		return false, nil
	}
}

// CompleteExtraction persists the Extracted state with its one-time
// extracted_at stamp, then fans the chunk sequence out to both index queues.
// The state is persisted before any IndexRequested job becomes visible.
func (o *Orchestrator) CompleteExtraction(ctx context.Context, documentID string, chunks []models.Chunk) error {
	now := time.Now().UTC()
	ok, err := o.store.CompareAndSetState(ctx, documentID,
		models.StateExtractionInProgress, models.StateExtracted,
		&core.TransitionExtra{ExtractedAt: &now})
	if err != nil {
		return fmt.Errorf("persist extracted state: %w", err)
	}
	if !ok {
		// A concurrent worker finished first; its index jobs are in flight.
		o.log.Info("extraction already completed elsewhere", "document_id", documentID)
		return nil
	}

	payload := models.IndexPayload{Chunks: chunks}
	for _, topic := range []string{o.topics.IndexFulltext, o.topics.IndexEmbedding} {
		env, err := models.NewEnvelope(kindForTopic(topic, o.topics), documentID, payload)
		if err != nil {
			return core.Terminal("index_job_encode", err)
		}
		if err := o.publishEnvelope(ctx, topic, env); err != nil {
			return fmt.Errorf("publish index job to %s: %w", topic, err)
		}
	}
	o.log.Info("extraction completed", "document_id", documentID, "chunks", len(chunks))
	return nil
}

func kindForTopic(topic string, t Topics) models.JobKind {
	if topic == t.IndexFulltext {
		return models.KindIndexFulltextRequested
	}
	return models.KindIndexEmbeddingRequested
}

// BeginIndexing moves the document into IndexingInProgress on the first
// consumed IndexRequested job; losing the race is fine.
func (o *Orchestrator) BeginIndexing(ctx context.Context, documentID string) error {
	_, err := o.store.CompareAndSetState(ctx, documentID, models.StateExtracted, models.StateIndexingInProgress, nil)
	if err != nil {
		return fmt.Errorf("begin indexing: %w", err)
	}
	return nil
}

// ReportCompletion publishes an IndexCompleted message for one stage onto
// the completion topic, carrying the correlation ID of the triggering job.
func (o *Orchestrator) ReportCompletion(ctx context.Context, documentID, stage, correlationID string) error {
	env, err := models.NewEnvelope(models.KindIndexCompleted, documentID, models.StatusPayload{Stage: stage})
	if err != nil {
		return core.Terminal("status_encode", err)
	}
	if correlationID != "" {
		env.CorrelationID = correlationID
	}
	return o.publishEnvelope(ctx, o.topics.Status, env)
}

// ReportIndexFailure publishes an IndexFailed message; if even that cannot
// be published the document is failed directly so it never hangs.
func (o *Orchestrator) ReportIndexFailure(ctx context.Context, documentID, stage, reason, correlationID string) {
	env, err := models.NewEnvelope(models.KindIndexFailed, documentID, models.StatusPayload{Stage: stage, Reason: reason})
	if err == nil {
		if correlationID != "" {
			env.CorrelationID = correlationID
		}
		if err = o.publishEnvelope(ctx, o.topics.Status, env); err == nil {
			return
		}
	}
	o.log.Error("failed to publish index failure, failing document directly",
		"document_id", documentID, "stage", stage, "error", err)
	o.Fail(ctx, documentID, reason)
}

// RecordCompletion ingests one IndexCompleted report: records the stage
// (idempotently) and promotes the document once both stages have reported.
func (o *Orchestrator) RecordCompletion(ctx context.Context, documentID, stage string) error {
	doc, err := o.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc == nil || doc.State == models.StateIndexed {
		// Deleted or already done; duplicate report, ack silently.
		return nil
	}

	if err := o.store.RecordStageCompletion(ctx, documentID, stage); err != nil {
		return fmt.Errorf("record stage completion: %w", err)
	}
	stages, err := o.store.CompletedStages(ctx, documentID)
	if err != nil {
		return fmt.Errorf("list completed stages: %w", err)
	}
	done := map[string]bool{}
	for _, s := range stages {
		done[s] = true
	}
	if !done[models.StageFulltext] || !done[models.StageEmbedding] {
		return nil
	}

	ok, err := o.store.CompareAndSetState(ctx, documentID, models.StateIndexingInProgress, models.StateIndexed, nil)
	if err != nil {
		return fmt.Errorf("promote to indexed: %w", err)
	}
	if ok {
		o.log.Info("document fully indexed", "document_id", documentID)
	}
	return nil
}

// Fail moves a document to Failed from whichever non-terminal state it is
// in, recording the reason. Terminal documents are left untouched, so state
// never moves backward.
func (o *Orchestrator) Fail(ctx context.Context, documentID, reason string) {
	from := []models.State{
		models.StateExtractionInProgress,
		models.StateIndexingInProgress,
		models.StateExtracted,
		models.StateUploaded,
	}
	for _, s := range from {
		ok, err := o.store.CompareAndSetState(ctx, documentID, s, models.StateFailed,
			&core.TransitionExtra{FailureReason: &reason})
		if err != nil {
			o.log.Error("failed to record failure", "document_id", documentID, "error", err)
			return
		}
		if ok {
			o.log.Warn("document failed", "document_id", documentID, "reason", reason, "from_state", s)
			return
		}
	}
}

// DeleteDocument removes the metadata row, then cleans the blob and the
// search backends best effort. Stage completions arriving afterwards find
// no row and degrade to no-ops.
func (o *Orchestrator) DeleteDocument(ctx context.Context, documentID string) error {
	doc, err := o.store.GetDocumentByID(ctx, documentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}
	if doc == nil {
		return nil
	}
	if err := o.store.DeleteDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete document row: %w", err)
	}

	if o.blobs != nil {
		if err := o.blobs.Delete(ctx, doc.StorageKey); err != nil {
			o.log.Warn("blob cleanup failed", "document_id", documentID, "error", err)
		}
	}
	for _, r := range o.removers {
		if err := r.Remove(ctx, documentID); err != nil {
			o.log.Warn("index cleanup failed", "document_id", documentID, "error", err)
		}
	}
	o.log.Info("document deleted", "document_id", documentID)
	return nil
}

// HandleIndexReady answers the gateway's readiness probe over broker RPC.
func (o *Orchestrator) HandleIndexReady(ctx context.Context, body []byte) ([]byte, error) {
	var req models.IndexReadyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid index_ready request: %w", err)
	}
	resp := models.IndexReadyResponse{DocumentID: req.DocumentID}
	doc, err := o.store.GetDocumentByID(ctx, req.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if doc != nil {
		resp.State = doc.State
		resp.Ready = doc.State == models.StateIndexed
	}
	return json.Marshal(resp)
}

// HandleDeleteDocument serves deletion requests from the gateway over RPC.
func (o *Orchestrator) HandleDeleteDocument(ctx context.Context, body []byte) ([]byte, error) {
	var req models.IndexReadyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("invalid delete request: %w", err)
	}
	if err := o.DeleteDocument(ctx, req.DocumentID); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"document_id": req.DocumentID, "deleted": true})
}

func (o *Orchestrator) publishEnvelope(ctx context.Context, topic string, env *models.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return core.Terminal("envelope_encode", err)
	}
	return o.transport.Publish(ctx, topic, data)
}
