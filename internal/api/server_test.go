package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvilhena/vigia/internal/config"
	"github.com/jvilhena/vigia/internal/dispatcher"
	"github.com/jvilhena/vigia/internal/incident"
	"github.com/jvilhena/vigia/internal/queue"
	"github.com/jvilhena/vigia/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeIDs struct{ n int }

func (g *fakeIDs) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("req-%d", g.n), nil
}

type testServer struct {
	server *Server
	store  *memory.Store
	queue  *queue.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	clock := &fakeClock{now: time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)}
	store := memory.New(clock)
	q := queue.NewMemory(64)

	cfg := config.Config{
		Pipeline: config.PipelineConfig{DefaultBatch: 50},
	}
	srv := NewServer(store, dispatcher.New(q, nil), &fakeIDs{}, clock,
		[]string{"Rio de Janeiro RJ", "Niterói RJ"}, cfg, nil)

	return &testServer{server: srv, store: store, queue: q}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusReportsDepthAndRecentJobs(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/discover", map[string]string{"region": "Niterói RJ"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, float64(1), body["queue_depth"])
	require.Len(t, body["recent_jobs"], 1)
}

func TestTriggerDiscoverAllRegions(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/discover", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	body := decodeBody(t, rec)
	require.Len(t, body["job_ids"], 2, "empty body fans out to every configured region")

	depth, err := ts.queue.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestTriggerDiscoverOneRegion(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/discover", map[string]string{"region": "Niterói RJ"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	d, err := ts.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, incident.StageDiscover, d.Job.Stage)
	assert.Equal(t, "Niterói RJ", d.Job.Region)
	assert.NotEmpty(t, d.Job.ID)
	assert.False(t, d.Job.EnqueuedAt.IsZero())
}

func TestTriggerSweep(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/sweep", map[string]any{"stage": "download"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	d, err := ts.queue.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, incident.StageDownload, d.Job.Stage)
	assert.Equal(t, 50, d.Job.Limit, "limit defaults to the configured batch size")
}

func TestTriggerSweepRejectsDiscover(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodPost, "/v1/sweep", map[string]any{"stage": "discover"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndGetSources(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx := context.Background()

	src := incident.Source{FeedID: "f1", Headline: "Homem é morto", Status: incident.StatusReadyForDownload}
	require.NoError(t, ts.store.CreateSource(ctx, &src))
	other := incident.Source{FeedID: "f2", Status: incident.StatusDiscarded}
	require.NoError(t, ts.store.CreateSource(ctx, &other))

	rec := ts.do(t, http.MethodGet, "/v1/sources?status=ready_for_download", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Len(t, body["sources"], 1)

	rec = ts.do(t, http.MethodGet, "/v1/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	require.Len(t, body["sources"], 2)

	rec = ts.do(t, http.MethodGet, fmt.Sprintf("/v1/sources/%d", src.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/sources/99999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/sources/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetrySource(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx := context.Background()

	failed := incident.Source{FeedID: "f1", Status: incident.StatusFailedInDownload}
	require.NoError(t, ts.store.CreateSource(ctx, &failed))

	rec := ts.do(t, http.MethodPost, fmt.Sprintf("/v1/sources/%d/retry", failed.ID), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	got, err := ts.store.GetSource(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusReadyForDownload, got.Status)

	d, err := ts.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, incident.StageDownload, d.Job.Stage)
	assert.Equal(t, failed.ID, d.Job.SourceID)
}

func TestRetrySourceAfterExtractionFailure(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx := context.Background()

	failed := incident.Source{FeedID: "f1", Status: incident.StatusFailedInExtraction}
	require.NoError(t, ts.store.CreateSource(ctx, &failed))

	rec := ts.do(t, http.MethodPost, fmt.Sprintf("/v1/sources/%d/retry", failed.ID), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	d, err := ts.queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, incident.StageExtract, d.Job.Stage,
		"extraction failures go straight back to extract")
}

func TestRetrySourceConflicts(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx := context.Background()

	healthy := incident.Source{FeedID: "f1", Status: incident.StatusExtracted}
	require.NoError(t, ts.store.CreateSource(ctx, &healthy))

	rec := ts.do(t, http.MethodPost, fmt.Sprintf("/v1/sources/%d/retry", healthy.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/v1/sources/99999/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegionsEndpoints(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx := context.Background()

	_, err := ts.store.WithRegionStats(ctx, "Niteroi", func(st *incident.RegionStats) error {
		st.NeedsSharding = true
		return nil
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, "/v1/regions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Len(t, body["regions"], 1)

	rec = ts.do(t, http.MethodPost, "/v1/regions/Niteroi/reset-sharding", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stats, err := ts.store.ListRegionStats(ctx)
	require.NoError(t, err)
	assert.False(t, stats[0].NeedsSharding)

	rec = ts.do(t, http.MethodPost, "/v1/regions/nowhere/reset-sharding", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetUniqueEvent(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	ctx := context.Background()

	src := incident.Source{FeedID: "f1"}
	require.NoError(t, ts.store.CreateSource(ctx, &src))
	raw := incident.RawEvent{SourceID: src.ID, ExtractionSuccess: true}
	require.NoError(t, ts.store.CreateRawEvent(ctx, &raw))
	ue := incident.UniqueEvent{Fields: incident.EventFields{City: "Rio de Janeiro"}}
	ueID, err := ts.store.CreateUniqueEventFrom(ctx, &raw, &ue)
	require.NoError(t, err)

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/v1/events/%d", ueID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/v1/events/99999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
