package fulltext

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/models"
)

// Dispatcher pushes a document's chunk sequence into the full-text engine.
type Dispatcher struct {
	engine    core.FulltextEngine
	batchSize int
	log       *slog.Logger
}

func New(engine core.FulltextEngine, batchSize int, log *slog.Logger) *Dispatcher {
	if batchSize < 1 {
		batchSize = 32
	}
	return &Dispatcher{engine: engine, batchSize: batchSize, log: log}
}

func (d *Dispatcher) Stage() string { return models.StageFulltext }

// Index replaces all prior entries for the document, then upserts the chunks
// in bounded batches. Delete-then-insert keeps no stale entries around when
// re-extraction produced fewer chunks. Any batch failure fails the whole
// call; the worker retry plus deterministic entry IDs make the rerun safe.
func (d *Dispatcher) Index(ctx context.Context, documentID string, chunks []models.Chunk) error {
	if err := d.engine.DeleteByDocument(ctx, documentID); err != nil {
		return fmt.Errorf("delete stale fulltext entries: %w", err)
	}

	for start := 0; start < len(chunks); start += d.batchSize {
		end := start + d.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		entries := make([]core.FulltextEntry, len(batch))
		for i, c := range batch {
			entries[i] = core.FulltextEntry{
				ID:            fmt.Sprintf("%s-%d", documentID, c.SequenceIndex),
				DocumentID:    documentID,
				SequenceIndex: c.SequenceIndex,
				Text:          c.Text,
				SourceLocator: c.SourceLocator,
			}
		}
		if err := d.engine.UpsertEntries(ctx, entries); err != nil {
			return fmt.Errorf("upsert fulltext batch [%d:%d]: %w", start, end, err)
		}
	}

	d.log.Info("indexed document in fulltext engine", "document_id", documentID, "chunks", len(chunks))
	return nil
}

// Remove drops all entries for a deleted document, best effort.
func (d *Dispatcher) Remove(ctx context.Context, documentID string) error {
	return d.engine.DeleteByDocument(ctx, documentID)
}
