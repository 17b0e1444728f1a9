package search

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/meilisearch/meilisearch-go"

	"github.com/papyrix/papyrix/internal/core"
)

// MeilisearchEngine implements core.FulltextEngine on one Meilisearch index.
// Entries are keyed by their deterministic id, so re-adding is an upsert.
type MeilisearchEngine struct {
	index *meilisearch.Index
	log   *slog.Logger
}

func NewMeilisearchEngine(host, apiKey, indexName string, log *slog.Logger) (*MeilisearchEngine, error) {
	client := meilisearch.NewClient(meilisearch.ClientConfig{
		Host:   host,
		APIKey: apiKey,
	})
	index := client.Index(indexName)

	// document_id must be filterable for delete-by-document.
	if _, err := index.UpdateFilterableAttributes(&[]string{"document_id"}); err != nil {
		return nil, fmt.Errorf("update filterable attributes: %w", err)
	}

	return &MeilisearchEngine{index: index, log: log}, nil
}

func (e *MeilisearchEngine) UpsertEntries(ctx context.Context, entries []core.FulltextEntry) error {
	if len(entries) == 0 {
		return nil
	}
	task, err := e.index.AddDocuments(entries, "id")
	if err != nil {
		return fmt.Errorf("meilisearch add documents: %w", err)
	}
	e.log.Debug("queued fulltext upsert", "task_uid", task.TaskUID, "entries", len(entries))
	return nil
}

func (e *MeilisearchEngine) DeleteByDocument(ctx context.Context, documentID string) error {
	task, err := e.index.DeleteDocumentsByFilter(fmt.Sprintf("document_id = %q", documentID))
	if err != nil {
		return fmt.Errorf("meilisearch delete by document: %w", err)
	}
	e.log.Debug("queued fulltext delete", "task_uid", task.TaskUID, "document_id", documentID)
	return nil
}

var _ core.FulltextEngine = (*MeilisearchEngine)(nil)
