package embedding

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/models"
)

type fakeEngine struct {
	deleted  []string
	upserted [][]core.VectorPoint
}

func (e *fakeEngine) UpsertPoints(_ context.Context, points []core.VectorPoint) error {
	e.upserted = append(e.upserted, points)
	return nil
}

func (e *fakeEngine) DeleteByDocument(_ context.Context, documentID string) error {
	e.deleted = append(e.deleted, documentID)
	return nil
}

type fakeEmbedder struct {
	dim   int
	err   error
	calls int
}

func (e *fakeEmbedder) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = make([]float32, e.dim)
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chunks(n int) []models.Chunk {
	out := make([]models.Chunk, n)
	for i := range out {
		out[i] = models.Chunk{SequenceIndex: i, Text: "chunk text", SourceLocator: "ch1.xhtml"}
	}
	return out
}

func TestPointIDDeterministic(t *testing.T) {
	docID := uuid.NewString()
	assert.Equal(t, PointID(docID, 3), PointID(docID, 3))
	assert.NotEqual(t, PointID(docID, 3), PointID(docID, 4))
	assert.NotEqual(t, PointID(docID, 3), PointID(uuid.NewString(), 3))

	// Point IDs must be valid UUIDs for engines that require them.
	_, err := uuid.Parse(PointID(docID, 0))
	assert.NoError(t, err)
}

func TestIndexDeletesThenUpsertsInBatches(t *testing.T) {
	engine := &fakeEngine{}
	embedder := &fakeEmbedder{dim: 4}
	d := New(engine, embedder, 4, 2, testLogger())

	docID := uuid.NewString()
	require.NoError(t, d.Index(context.Background(), docID, chunks(5)))

	assert.Equal(t, []string{docID}, engine.deleted)
	require.Len(t, engine.upserted, 3, "5 chunks at batch size 2")
	assert.Equal(t, 3, embedder.calls)

	total := 0
	for _, batch := range engine.upserted {
		for _, p := range batch {
			assert.Len(t, p.Vector, 4)
			assert.Equal(t, docID, p.Payload["document_id"])
			total++
		}
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, PointID(docID, 0), engine.upserted[0][0].ID)
}

func TestIndexDimensionMismatchIsTerminal(t *testing.T) {
	d := New(&fakeEngine{}, &fakeEmbedder{dim: 3}, 4, 8, testLogger())
	err := d.Index(context.Background(), uuid.NewString(), chunks(2))
	require.Error(t, err)
	assert.True(t, core.IsTerminal(err))
	assert.Equal(t, "embedding_dimension_mismatch", core.TerminalReason(err))
}

func TestIndexEmbedderErrorIsTransient(t *testing.T) {
	d := New(&fakeEngine{}, &fakeEmbedder{err: errors.New("quota exceeded")}, 4, 8, testLogger())
	err := d.Index(context.Background(), uuid.NewString(), chunks(2))
	require.Error(t, err)
	assert.False(t, core.IsTerminal(err), "provider errors must stay retryable")
}

func TestRemove(t *testing.T) {
	engine := &fakeEngine{}
	d := New(engine, nil, 4, 8, testLogger())
	docID := uuid.NewString()
	require.NoError(t, d.Remove(context.Background(), docID))
	assert.Equal(t, []string{docID}, engine.deleted)
}
