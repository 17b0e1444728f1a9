package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papyrix/papyrix/internal/core"
	"github.com/papyrix/papyrix/internal/models"
)

type fakeTransport struct {
	published  map[string][][]byte
	publishErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{published: map[string][][]byte{}}
}

func (f *fakeTransport) Publish(_ context.Context, topic string, body []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published[topic] = append(f.published[topic], body)
	return nil
}

func (f *fakeTransport) Consume(ctx context.Context, _ string, _ int, _ core.MessageHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeTransport) Call(context.Context, string, []byte, time.Duration) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeTransport) Serve(ctx context.Context, _ string, _ core.RPCHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

type abandonRecord struct {
	docID  string
	reason string
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func encodedJob(t *testing.T, kind models.JobKind, attempts int) ([]byte, string) {
	t.Helper()
	env, err := models.NewEnvelope(kind, uuid.NewString(), models.StatusPayload{Stage: models.StageFulltext})
	require.NoError(t, err)
	env.AttemptCount = attempts
	data, err := env.Encode()
	require.NoError(t, err)
	return data, env.DocumentID
}

func newTestWorker(transport core.Transport, handle Handler, abandoned *[]abandonRecord) *Worker {
	hook := func(_ context.Context, env *models.Envelope, reason string) {
		*abandoned = append(*abandoned, abandonRecord{docID: env.DocumentID, reason: reason})
	}
	return New(transport, "jobs", []models.JobKind{models.KindIndexCompleted}, handle, hook, 3, 1, testLogger())
}

func TestDispatchAcksOnSuccess(t *testing.T) {
	transport := newFakeTransport()
	var abandoned []abandonRecord
	w := newTestWorker(transport, func(context.Context, *models.Envelope) error { return nil }, &abandoned)

	body, _ := encodedJob(t, models.KindIndexCompleted, 0)
	assert.Equal(t, core.Ack, w.Dispatch(context.Background(), body))
	assert.Empty(t, abandoned)
	assert.Empty(t, transport.published)
}

func TestDispatchDiscardsMalformed(t *testing.T) {
	transport := newFakeTransport()
	var abandoned []abandonRecord
	w := newTestWorker(transport, func(context.Context, *models.Envelope) error {
		t.Fatal("handler must not run for malformed messages")
		return nil
	}, &abandoned)

	assert.Equal(t, core.NackDiscard, w.Dispatch(context.Background(), []byte("not json")))
	assert.Empty(t, abandoned)
}

func TestDispatchDiscardsUnexpectedKind(t *testing.T) {
	transport := newFakeTransport()
	var abandoned []abandonRecord
	w := newTestWorker(transport, func(context.Context, *models.Envelope) error {
		t.Fatal("handler must not run for unexpected kinds")
		return nil
	}, &abandoned)

	body, docID := encodedJob(t, models.KindIndexFailed, 0)
	assert.Equal(t, core.NackDiscard, w.Dispatch(context.Background(), body))
	require.Len(t, abandoned, 1)
	assert.Equal(t, docID, abandoned[0].docID)
	assert.Equal(t, "unexpected_kind", abandoned[0].reason)
}

func TestDispatchTerminalAbandonsImmediately(t *testing.T) {
	transport := newFakeTransport()
	var abandoned []abandonRecord
	w := newTestWorker(transport, func(context.Context, *models.Envelope) error {
		return core.Terminal("malformed_source", errors.New("bad epub"))
	}, &abandoned)

	body, docID := encodedJob(t, models.KindIndexCompleted, 0)
	assert.Equal(t, core.NackDiscard, w.Dispatch(context.Background(), body))
	require.Len(t, abandoned, 1)
	assert.Equal(t, docID, abandoned[0].docID)
	assert.Equal(t, "malformed_source", abandoned[0].reason)
	assert.Empty(t, transport.published, "terminal failures must not republish")
}

func TestDispatchTransientRepublishesWithBumpedAttempt(t *testing.T) {
	transport := newFakeTransport()
	var abandoned []abandonRecord
	w := newTestWorker(transport, func(context.Context, *models.Envelope) error {
		return errors.New("engine unavailable")
	}, &abandoned)

	body, docID := encodedJob(t, models.KindIndexCompleted, 1)
	assert.Equal(t, core.Ack, w.Dispatch(context.Background(), body))
	assert.Empty(t, abandoned)

	require.Len(t, transport.published["jobs"], 1)
	retry, err := models.DecodeEnvelope(transport.published["jobs"][0])
	require.NoError(t, err)
	assert.Equal(t, docID, retry.DocumentID)
	assert.Equal(t, 2, retry.AttemptCount)
}

func TestDispatchExhaustedRetriesAbandon(t *testing.T) {
	transport := newFakeTransport()
	var abandoned []abandonRecord
	w := newTestWorker(transport, func(context.Context, *models.Envelope) error {
		return errors.New("engine unavailable")
	}, &abandoned)

	body, docID := encodedJob(t, models.KindIndexCompleted, 3)
	assert.Equal(t, core.NackDiscard, w.Dispatch(context.Background(), body))
	require.Len(t, abandoned, 1)
	assert.Equal(t, docID, abandoned[0].docID)
	assert.Equal(t, "retries_exhausted", abandoned[0].reason)
	assert.Empty(t, transport.published)
}

func TestDispatchRetryBudgetEndsInAbandon(t *testing.T) {
	// Drive one job through its whole life: initial attempt plus three
	// republished retries, then abandonment.
	transport := newFakeTransport()
	var abandoned []abandonRecord
	w := newTestWorker(transport, func(context.Context, *models.Envelope) error {
		return errors.New("still down")
	}, &abandoned)

	body, _ := encodedJob(t, models.KindIndexCompleted, 0)
	deliveries := 0
	for {
		deliveries++
		verdict := w.Dispatch(context.Background(), body)
		if verdict == core.NackDiscard {
			break
		}
		require.Equal(t, core.Ack, verdict)
		n := len(transport.published["jobs"])
		body = transport.published["jobs"][n-1]
	}
	assert.Equal(t, 4, deliveries, "three republished retries, then the abandoned delivery")
	require.Len(t, abandoned, 1)
	assert.Equal(t, "retries_exhausted", abandoned[0].reason)
	assert.Len(t, transport.published["jobs"], 3)
}

func TestDispatchRequeuesWhenRepublishFails(t *testing.T) {
	transport := newFakeTransport()
	transport.publishErr = errors.New("broker gone")
	var abandoned []abandonRecord
	w := newTestWorker(transport, func(context.Context, *models.Envelope) error {
		return errors.New("transient")
	}, &abandoned)

	body, _ := encodedJob(t, models.KindIndexCompleted, 0)
	assert.Equal(t, core.NackRequeue, w.Dispatch(context.Background(), body))
	assert.Empty(t, abandoned)
}
