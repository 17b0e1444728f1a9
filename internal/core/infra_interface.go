package core

import (
	"context"
	"time"

	"github.com/papyrix/papyrix/internal/models"
)

// TransitionExtra carries the optional columns written together with a state
// transition. Nil fields are left untouched.
type TransitionExtra struct {
	ExtractedAt   *time.Time
	FailureReason *string
}

// DocumentStore defines all persistence the pipeline needs. It abstracts
// Postgres so higher layers never depend on a specific DB. The store is the
// single source of truth for document state; CompareAndSetState is the only
// way state moves, and a false return is a no-op, not an error.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	DeleteDocument(ctx context.Context, id string) error

	// CompareAndSetState atomically moves id from expected to next, touching
	// updated_at. Returns false when the persisted state no longer matches
	// expected (duplicate delivery, concurrent worker).
	CompareAndSetState(ctx context.Context, id string, expected, next models.State, extra *TransitionExtra) (bool, error)

	// RecordStageCompletion is idempotent; repeating a stage report is a no-op.
	RecordStageCompletion(ctx context.Context, id, stage string) error
	CompletedStages(ctx context.Context, id string) ([]string, error)

	// ListStalled returns in-progress documents untouched since the cutoff.
	ListStalled(ctx context.Context, cutoff time.Time) ([]models.Document, error)
}

// BlobStore defines interactions with S3 or any object storage holding the
// raw uploaded files, keyed by storage_key.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// FulltextEntry is one chunk as stored in the full-text engine.
type FulltextEntry struct {
	ID            string `json:"id"`
	DocumentID    string `json:"document_id"`
	SequenceIndex int    `json:"sequence_index"`
	Text          string `json:"text"`
	SourceLocator string `json:"source_locator"`
}

// FulltextEngine is the opaque upsert side of the full-text search backend.
// Queries are served elsewhere.
type FulltextEngine interface {
	UpsertEntries(ctx context.Context, entries []FulltextEntry) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

// VectorPoint is one embedded chunk as stored in the vector engine. ID must
// be deterministic for a given (document_id, sequence_index) so redelivered
// upserts overwrite in place.
type VectorPoint struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// VectorEngine is the opaque upsert side of the nearest-neighbour backend.
type VectorEngine interface {
	UpsertPoints(ctx context.Context, points []VectorPoint) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

// EmbeddingProvider computes one fixed-dimension vector per input text.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
}

// Extractor decodes one source format into an ordered chunk sequence.
// Extraction has no side effects on the document store.
type Extractor interface {
	Extract(ctx context.Context, blob []byte) ([]models.Chunk, error)
}

// Verdict is the outcome a consume handler reports for one delivery.
type Verdict int

const (
	Ack Verdict = iota
	// NackRequeue hands the message back for broker redelivery.
	NackRequeue
	// NackDiscard drops the message for good.
	NackDiscard
)

// MessageHandler processes one delivered message body.
type MessageHandler func(ctx context.Context, body []byte) Verdict

// RPCHandler answers one request body with a response body.
type RPCHandler func(ctx context.Context, body []byte) ([]byte, error)

// Transport abstracts the message broker: durable fire-and-forget publish,
// consume with acknowledgment and bounded concurrency, and request/response
// built on correlation IDs and reply-to addressing.
type Transport interface {
	Publish(ctx context.Context, topic string, body []byte) error
	// Consume blocks until ctx is cancelled, running at most pool handlers
	// concurrently.
	Consume(ctx context.Context, topic string, pool int, fn MessageHandler) error
	Call(ctx context.Context, topic string, body []byte, timeout time.Duration) ([]byte, error)
	// Serve blocks answering RPC requests on topic until ctx is cancelled.
	Serve(ctx context.Context, topic string, fn RPCHandler) error
}
