package embedding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/models"
)

// pointNamespace seeds the deterministic UUIDv5 point IDs, so an upsert for
// the same (document, sequence_index) always lands on the same point.
var pointNamespace = uuid.MustParse("9f2c1d52-7a4e-4bb0-a7c3-0d6a54d0e1f8")

// PointID derives the vector point ID for one chunk.
func PointID(documentID string, sequenceIndex int) string {
	return uuid.NewSHA1(pointNamespace, []byte(fmt.Sprintf("%s:%d", documentID, sequenceIndex))).String()
}

// Dispatcher embeds a document's chunks and pushes the vectors into the
// vector engine.
type Dispatcher struct {
	engine    core.VectorEngine
	embedder  core.EmbeddingProvider
	dimension int
	batchSize int
	log       *slog.Logger
}

func New(engine core.VectorEngine, embedder core.EmbeddingProvider, dimension, batchSize int, log *slog.Logger) *Dispatcher {
	if batchSize < 1 {
		batchSize = 32
	}
	return &Dispatcher{engine: engine, embedder: embedder, dimension: dimension, batchSize: batchSize, log: log}
}

func (d *Dispatcher) Stage() string { return models.StageEmbedding }

// Index replaces all prior points for the document, then embeds and upserts
// in bounded batches. A dimension mismatch is a contract violation with the
// embedding model, not a transient fault.
func (d *Dispatcher) Index(ctx context.Context, documentID string, chunks []models.Chunk) error {
	if err := d.engine.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete stale vector points: %w", err)
	}

	for start := 0; start < len(chunks); start += d.batchSize {
		end := start + d.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}
		vectors, err := d.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return fmt.Errorf("embed batch [%d:%d]: %w", start, end, err)
		}
		if len(vectors) != len(batch) {
			return core.Terminal("embedding_count_mismatch",
				fmt.Errorf("got %d vectors for %d chunks", len(vectors), len(batch)))
		}

		points := make([]core.VectorPoint, len(batch))
		for i, c := range batch {
			if d.dimension > 0 && len(vectors[i]) != d.dimension {
				return core.Terminal("embedding_dimension_mismatch",
					fmt.Errorf("got %d, want %d", len(vectors[i]), d.dimension))
			}
			points[i] = core.VectorPoint{
				ID:     PointID(documentID, c.SequenceIndex),
				Vector: vectors[i],
				Payload: map[string]any{
					"document_id":    documentID,
					"sequence_index": c.SequenceIndex,
					"text":           c.Text,
				},
			}
		}
		if err := d.engine.UpsertPoints(ctx, points); err != nil {
			return fmt.Errorf("upsert vector batch [%d:%d]: %w", start, end, err)
		}
	}

	d.log.Info("indexed document in vector engine", "document_id", documentID, "chunks", len(chunks))
	return nil
}

// Remove drops all points for a deleted document, best effort.
func (d *Dispatcher) Remove(ctx context.Context, documentID string) error {
	return d.engine.DeleteByDocument(ctx, documentID)
}
