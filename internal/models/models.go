package models

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a document in the ingestion pipeline.
type State string

const (
	StateUploaded             State = "uploaded"
	StateExtractionInProgress State = "extraction_in_progress"
	StateExtracted            State = "extracted"
	StateIndexingInProgress   State = "indexing_in_progress"
	StateIndexed              State = "indexed"
	StateFailed               State = "failed"
)

// Terminal reports whether no further transitions are possible from s.
func (s State) Terminal() bool {
	return s == StateIndexed || s == StateFailed
}

// Format identifies the source file format of an uploaded document.
// The set is closed; adding a format means adding a constant and an
// extractor implementation.
type Format string

const (
	FormatEpub Format = "epub"
	FormatPdf  Format = "pdf"
	FormatText Format = "text"
)

// ParseFormat validates a raw format string coming from storage or a message.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatEpub, FormatPdf, FormatText:
		return Format(s), nil
	}
	return "", fmt.Errorf("invalid format: %q", s)
}

// Document is the metadata row for one uploaded source file (table source_meta).
type Document struct {
	ID            string     `db:"id" json:"id"`
	OwnerID       string     `db:"owner_id" json:"owner_id"`
	StorageKey    string     `db:"storage_key" json:"storage_key"`
	Format        Format     `db:"format" json:"format"`
	OriginalName  string     `db:"original_name" json:"original_name"`
	State         State      `db:"state" json:"state"`
	FailureReason string     `db:"failure_reason" json:"failure_reason,omitempty"`
	AddedAt       time.Time  `db:"added_at" json:"added_at"`
	ExtractedAt   *time.Time `db:"extracted_at" json:"extracted_at,omitempty"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updated_at"`
}

// Chunk is one unit of extracted text in reading order. Chunks are pipeline
// values: they travel inside index job payloads and end up in the search
// engines, they are not persisted as rows of their own.
type Chunk struct {
	DocumentID    string `json:"document_id"`
	SequenceIndex int    `json:"sequence_index"`
	Text          string `json:"text"`
	SourceLocator string `json:"source_locator"`
}

// Stage names the two independent indexing stages a document goes through.
const (
	StageFulltext  = "fulltext"
	StageEmbedding = "embedding"
)
