package vector

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papyrix/papyrix/internal/core"
)

type recordedRequest struct {
	method string
	path   string
	query  string
	apiKey string
	body   map[string]any
}

func recordingServer(t *testing.T, status int) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var body map[string]any
		require.NoError(t, json.Unmarshal(data, &body))
		requests = append(requests, recordedRequest{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			apiKey: r.Header.Get("api-key"),
			body:   body,
		})
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestEnsureCollection(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusOK)
	e := NewQdrantEngine(QdrantConfig{URL: srv.URL, APIKey: "secret", Collection: "content_points"})

	require.NoError(t, e.EnsureCollection(context.Background(), 768))

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/collections/content_points", req.path)
	assert.Equal(t, "secret", req.apiKey)

	vectors := req.body["vectors"].(map[string]any)
	assert.Equal(t, float64(768), vectors["size"])
	assert.Equal(t, "Cosine", vectors["distance"])
}

func TestEnsureCollectionRejectsBadDimension(t *testing.T) {
	e := NewQdrantEngine(QdrantConfig{URL: "http://localhost:1", Collection: "c"})
	assert.Error(t, e.EnsureCollection(context.Background(), 0))
}

func TestUpsertPoints(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusOK)
	e := NewQdrantEngine(QdrantConfig{URL: srv.URL, Collection: "content_points"})

	points := []core.VectorPoint{
		{ID: "11111111-1111-1111-1111-111111111111", Vector: []float32{0.1, 0.2},
			Payload: map[string]any{"document_id": "doc-1", "sequence_index": 0}},
	}
	require.NoError(t, e.UpsertPoints(context.Background(), points))

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/collections/content_points/points", req.path)
	assert.Equal(t, "wait=true", req.query)

	sent := req.body["points"].([]any)
	require.Len(t, sent, 1)
	point := sent[0].(map[string]any)
	assert.Equal(t, "11111111-1111-1111-1111-111111111111", point["id"])
}

func TestUpsertPointsEmptyIsNoop(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusOK)
	e := NewQdrantEngine(QdrantConfig{URL: srv.URL, Collection: "content_points"})
	require.NoError(t, e.UpsertPoints(context.Background(), nil))
	assert.Empty(t, *requests)
}

func TestDeleteByDocument(t *testing.T) {
	srv, requests := recordingServer(t, http.StatusOK)
	e := NewQdrantEngine(QdrantConfig{URL: srv.URL, Collection: "content_points"})

	require.NoError(t, e.DeleteByDocument(context.Background(), "doc-1"))

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodPost, req.method)
	assert.Equal(t, "/collections/content_points/points/delete", req.path)

	filter := req.body["filter"].(map[string]any)
	must := filter["must"].([]any)
	require.Len(t, must, 1)
	clause := must[0].(map[string]any)
	assert.Equal(t, "document_id", clause["key"])
	assert.Equal(t, "doc-1", clause["match"].(map[string]any)["value"])
}

func TestErrorStatusSurfaces(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusBadRequest)
	e := NewQdrantEngine(QdrantConfig{URL: srv.URL, Collection: "content_points"})
	assert.Error(t, e.DeleteByDocument(context.Background(), "doc-1"))
}
