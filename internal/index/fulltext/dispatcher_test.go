package fulltext

import (
	"context"
	"errors"
	"fmt"
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
	deleted   []string
	upserted  [][]core.FulltextEntry
	upsertErr error
}

func (e *fakeEngine) UpsertEntries(_ context.Context, entries []core.FulltextEntry) error {
	if e.upsertErr != nil {
		return e.upsertErr
	}
	e.upserted = append(e.upserted, entries)
	return nil
}

func (e *fakeEngine) DeleteByDocument(_ context.Context, documentID string) error {
	e.deleted = append(e.deleted, documentID)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIndexDeletesThenUpserts(t *testing.T) {
	engine := &fakeEngine{}
	d := New(engine, 2, testLogger())

	docID := uuid.NewString()
	chunks := []models.Chunk{
		{SequenceIndex: 0, Text: "alpha", SourceLocator: "ch1.xhtml"},
		{SequenceIndex: 1, Text: "beta", SourceLocator: "ch1.xhtml"},
		{SequenceIndex: 2, Text: "gamma", SourceLocator: "ch2.xhtml"},
	}
	require.NoError(t, d.Index(context.Background(), docID, chunks))

	assert.Equal(t, []string{docID}, engine.deleted)
	require.Len(t, engine.upserted, 2, "3 chunks at batch size 2")

	first := engine.upserted[0][0]
	assert.Equal(t, fmt.Sprintf("%s-0", docID), first.ID)
	assert.Equal(t, docID, first.DocumentID)
	assert.Equal(t, "alpha", first.Text)
	assert.Equal(t, "ch1.xhtml", first.SourceLocator)
}

func TestIndexPropagatesEngineErrors(t *testing.T) {
	engine := &fakeEngine{upsertErr: errors.New("engine unavailable")}
	d := New(engine, 8, testLogger())
	err := d.Index(context.Background(), uuid.NewString(), []models.Chunk{{Text: "x"}})
	require.Error(t, err)
	assert.False(t, core.IsTerminal(err))
}

func TestStage(t *testing.T) {
	assert.Equal(t, models.StageFulltext, New(&fakeEngine{}, 8, testLogger()).Stage())
}
