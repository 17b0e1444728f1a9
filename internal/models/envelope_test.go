package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelopeAssignsCorrelationID(t *testing.T) {
	docID := uuid.NewString()
	env, err := NewEnvelope(KindExtractRequested, docID, ExtractPayload{StorageKey: "k", Format: FormatEpub})
	require.NoError(t, err)

	assert.Equal(t, KindExtractRequested, env.Kind)
	assert.Equal(t, docID, env.DocumentID)
	assert.Zero(t, env.AttemptCount)
	_, err = uuid.Parse(env.CorrelationID)
	assert.NoError(t, err)
}

func TestEnvelopeRoundtrip(t *testing.T) {
	docID := uuid.NewString()
	env, err := NewEnvelope(KindIndexFulltextRequested, docID, IndexPayload{
		Chunks: []Chunk{{DocumentID: docID, SequenceIndex: 0, Text: "hello", SourceLocator: "ch1.xhtml"}},
	})
	require.NoError(t, err)

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.Kind, decoded.Kind)
	assert.Equal(t, env.CorrelationID, decoded.CorrelationID)

	var payload IndexPayload
	require.NoError(t, decoded.DecodePayload(&payload))
	require.Len(t, payload.Chunks, 1)
	assert.Equal(t, "hello", payload.Chunks[0].Text)
}

func TestDecodeEnvelopeRejects(t *testing.T) {
	docID := uuid.NewString()
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"unknown kind", `{"kind":"SomethingElse","document_id":"` + docID + `","attempt_count":0}`},
		{"missing kind", `{"document_id":"` + docID + `","attempt_count":0}`},
		{"bad document id", `{"kind":"ExtractRequested","document_id":"not-a-uuid","attempt_count":0}`},
		{"negative attempts", `{"kind":"ExtractRequested","document_id":"` + docID + `","attempt_count":-1}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	env := &Envelope{Kind: KindIndexCompleted, DocumentID: uuid.NewString()}
	var payload StatusPayload
	assert.Error(t, env.DecodePayload(&payload))
}

func TestParseFormat(t *testing.T) {
	for _, valid := range []string{"epub", "pdf", "text"} {
		f, err := ParseFormat(valid)
		require.NoError(t, err)
		assert.Equal(t, Format(valid), f)
	}
	_, err := ParseFormat("docx")
	assert.Error(t, err)
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateIndexed.Terminal())
	assert.True(t, StateFailed.Terminal())
	for _, s := range []State{StateUploaded, StateExtractionInProgress, StateExtracted, StateIndexingInProgress} {
		assert.False(t, s.Terminal(), string(s))
	}
}
