package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// JobKind tags a job envelope on the broker. Unknown tags are rejected as a
// terminal error by the worker runtime.
type JobKind string

const (
	KindExtractRequested        JobKind = "ExtractRequested"
	KindIndexFulltextRequested  JobKind = "IndexFulltextRequested"
	KindIndexEmbeddingRequested JobKind = "IndexEmbeddingRequested"
	KindIndexCompleted          JobKind = "IndexCompleted"
	KindIndexFailed             JobKind = "IndexFailed"
)

func knownKind(k JobKind) bool {
	switch k {
	case KindExtractRequested, KindIndexFulltextRequested, KindIndexEmbeddingRequested,
		KindIndexCompleted, KindIndexFailed:
		return true
	}
	return false
}

// Envelope is the wire format of every queue job. CorrelationID ties a
// completion or failure report back to the index job that triggered it; it is
// optional on freshly published jobs. AttemptCount counts worker republishes,
// not broker-level redeliveries.
type Envelope struct {
	Kind          JobKind         `json:"kind"`
	DocumentID    string          `json:"document_id"`
	AttemptCount  int             `json:"attempt_count"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope builds an envelope with a fresh correlation ID and a marshalled
// payload.
func NewEnvelope(kind JobKind, documentID string, payload any) (*Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return &Envelope{
		Kind:          kind,
		DocumentID:    documentID,
		CorrelationID: uuid.NewString(),
		Payload:       body,
	}, nil
}

// DecodeEnvelope parses and validates a raw broker message. A decode error
// here is a contract violation, never a transient condition.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope json: %w", err)
	}
	if !knownKind(env.Kind) {
		return nil, fmt.Errorf("unknown job kind: %q", env.Kind)
	}
	if _, err := uuid.Parse(env.DocumentID); err != nil {
		return nil, fmt.Errorf("invalid document_id %q: %w", env.DocumentID, err)
	}
	if env.AttemptCount < 0 {
		return nil, fmt.Errorf("negative attempt_count: %d", env.AttemptCount)
	}
	return &env, nil
}

// Encode marshals the envelope for publishing.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals the kind-specific payload into v.
func (e *Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s: invalid payload: %w", e.Kind, err)
	}
	return nil
}

// ExtractPayload accompanies ExtractRequested. The metadata row stays the
// source of truth; the copied fields make the job self-describing in logs
// and on the broker.
type ExtractPayload struct {
	StorageKey   string `json:"storage_key"`
	Format       Format `json:"format"`
	OriginalName string `json:"original_name"`
}

// IndexPayload accompanies IndexFulltextRequested and
// IndexEmbeddingRequested; it carries the full replacement chunk sequence.
type IndexPayload struct {
	Chunks []Chunk `json:"chunks"`
}

// StatusPayload accompanies IndexCompleted and IndexFailed on the completion
// topic. Reason is set only on failures.
type StatusPayload struct {
	Stage  string `json:"stage"`
	Reason string `json:"reason,omitempty"`
}

// IndexReadyRequest and IndexReadyResponse are the bodies of the index_ready
// RPC used by the gateway to probe whether a document is searchable.
type IndexReadyRequest struct {
	DocumentID string `json:"document_id"`
}

type IndexReadyResponse struct {
	DocumentID string `json:"document_id"`
	State      State  `json:"state"`
	Ready      bool   `json:"ready"`
}
