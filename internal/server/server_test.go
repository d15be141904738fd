package server

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/kpiledger/internal/db/memory"
	"github.com/raphaelgruber/kpiledger/internal/metrics"
	"github.com/raphaelgruber/kpiledger/internal/service"
	"github.com/raphaelgruber/kpiledger/internal/tabular"
)

type testServer struct {
	srv       *httptest.Server
	evaluator *service.FixtureEvaluator
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewStore()
	collector := metrics.NewCollector()

	auditor := service.NewQualityAuditor(store, log)
	tracker := service.NewIngestTracker(store, log)
	evaluator := service.NewFixtureEvaluator()
	engine := service.NewSnapshotEngine(store, auditor, evaluator, service.EngineConfig{
		LeaseTTL:     time.Second,
		EvalTimeout:  time.Second,
		PollInterval: 10 * time.Millisecond,
	}, log, collector)
	recorder := service.NewAgentRecorder(store, log, collector)
	tracer := service.NewTraceService(store, log, collector)

	s := New(":0", log, collector, tracker, auditor, engine, recorder, tracer)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	return &testServer{srv: ts, evaluator: evaluator}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_ = resp.Body.Close()
	return resp, data
}

func (ts *testServer) startRun(t *testing.T, hash string) string {
	t.Helper()

	resp, data := ts.do(t, http.MethodPost, "/ingest/runs", map[string]string{
		"source_system": "warehouse",
		"input_hash":    hash,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	var out startRunResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out.Run.ID
}

func (ts *testServer) completeRun(t *testing.T, runID string) {
	t.Helper()

	resp, data := ts.do(t, http.MethodPost, "/ingest/runs/"+runID+"/complete", map[string]any{
		"status":         "succeeded",
		"records_loaded": 100,
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(data))
}

// computeSnapshot computes revenue@v1 over HTTP and returns the snapshot view.
func (ts *testServer) computeSnapshot(t *testing.T, runID string, value float64) snapshotView {
	t.Helper()

	ts.evaluator.Set("revenue", "v1", fixtureResult(value))
	resp, data := ts.do(t, http.MethodPost, "/compute", map[string]string{
		"kpi_id":              "revenue",
		"calculation_version": "v1",
		"ingest_run_id":       runID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))

	var snap snapshotView
	require.NoError(t, json.Unmarshal(data, &snap))
	return snap
}

func fixtureResult(value float64) *tabular.Result {
	return &tabular.Result{
		Value:       value,
		SourceTable: "orders",
		Steps: []tabular.Step{
			{Name: "load", InputTable: "orders", Checksum: "cs-load"},
			{Name: "aggregate", Checksum: "cs-agg"},
		},
	}
}

func TestIngestLifecycle(t *testing.T) {
	ts := newTestServer(t)

	runID := ts.startRun(t, "hash-http-1")
	ts.completeRun(t, runID)

	resp, data := ts.do(t, http.MethodGet, "/ingest/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run runView
	require.NoError(t, json.Unmarshal(data, &run))
	assert.Equal(t, "succeeded", run.Status)
	assert.Equal(t, int64(100), run.RecordsLoaded)

	// Replay dedupes with 200 instead of 201
	resp, data = ts.do(t, http.MethodPost, "/ingest/runs", map[string]string{
		"source_system": "warehouse",
		"input_hash":    "hash-http-1",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var dedup startRunResponse
	require.NoError(t, json.Unmarshal(data, &dedup))
	assert.True(t, dedup.Deduped)
	assert.Equal(t, runID, dedup.Run.ID)
}

func TestDoubleCompletionConflict(t *testing.T) {
	ts := newTestServer(t)

	runID := ts.startRun(t, "hash-http-2")
	ts.completeRun(t, runID)

	resp, data := ts.do(t, http.MethodPost, "/ingest/runs/"+runID+"/complete", map[string]any{
		"status": "failed",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "already_completed", body.Error)
}

func TestComputeAndTrace(t *testing.T) {
	ts := newTestServer(t)

	runID := ts.startRun(t, "hash-http-3")
	ts.completeRun(t, runID)
	snap := ts.computeSnapshot(t, runID, 12500)
	assert.Equal(t, 12500.0, snap.Value)
	assert.NotEmpty(t, snap.ChainHash)

	resp, data := ts.do(t, http.MethodGet, "/trace?kpi_id=revenue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	var trace service.TraceResult
	require.NoError(t, json.Unmarshal(data, &trace))
	assert.Equal(t, 12500.0, trace.Value)
	assert.Equal(t, snap.ID, trace.SnapshotID)
	assert.Len(t, trace.Lineage, 2)
	require.NotNil(t, trace.IngestRun)
	assert.Equal(t, runID, trace.IngestRun.ID)
}

func TestComputeUnavailableIsTyped(t *testing.T) {
	ts := newTestServer(t)

	runID := ts.startRun(t, "hash-http-4")
	// Run never completed: source_unresolved
	ts.evaluator.Set("revenue", "v1", fixtureResult(1))
	resp, data := ts.do(t, http.MethodPost, "/compute", map[string]string{
		"kpi_id":              "revenue",
		"calculation_version": "v1",
		"ingest_run_id":       runID,
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "data_unavailable", body.Error)
	assert.Equal(t, service.ReasonSourceUnresolved, body.Reason)
}

func TestTraceMissingKpiParam(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/trace", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTraceNoSnapshotIsTyped(t *testing.T) {
	ts := newTestServer(t)
	resp, data := ts.do(t, http.MethodGet, "/trace?kpi_id=unknown", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, service.ReasonNoSnapshot, body.Reason)
}

func TestIssueEndpoints(t *testing.T) {
	ts := newTestServer(t)
	runID := ts.startRun(t, "hash-http-5")

	resp, data := ts.do(t, http.MethodPost, "/ingest/runs/"+runID+"/issues", map[string]any{
		"severity":   "critical",
		"issue_type": "row_count_mismatch",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var issue issueView
	require.NoError(t, json.Unmarshal(data, &issue))

	resp, _ = ts.do(t, http.MethodPost, "/issues/"+issue.ID+"/resolve", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, data = ts.do(t, http.MethodGet, "/ingest/runs/"+runID+"/issues", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var issues []issueView
	require.NoError(t, json.Unmarshal(data, &issues))
	require.Len(t, issues, 1)
	assert.NotNil(t, issues[0].ResolvedAt)
}

func TestAgentRunEndpoint(t *testing.T) {
	ts := newTestServer(t)

	runID := ts.startRun(t, "hash-http-6")
	ts.completeRun(t, runID)
	snap := ts.computeSnapshot(t, runID, 4200)

	resp, data := ts.do(t, http.MethodPost, "/agent-runs", map[string]any{
		"narrative": "Revenue was " + snap.ValueString + ".",
		"citations": []map[string]string{
			{"kpi_id": "revenue", "snapshot_id": snap.ID},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	var run agentRunView
	require.NoError(t, json.Unmarshal(data, &run))
	require.NotNil(t, run.KpiSnapshotID)
	assert.Equal(t, snap.ID, *run.KpiSnapshotID)

	// Unbacked claim is rejected before persistence
	resp, data = ts.do(t, http.MethodPost, "/agent-runs", map[string]any{
		"narrative": "Revenue was 1.",
		"citations": []map[string]string{
			{"kpi_id": "revenue", "snapshot_id": snap.ID},
		},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	var body errorBody
	require.NoError(t, json.Unmarshal(data, &body))
	assert.Equal(t, "invalid_citation", body.Error)
}

func TestHealthAndStats(t *testing.T) {
	ts := newTestServer(t)

	resp, data := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "ok")

	resp, data = ts.do(t, http.MethodGet, "/stats", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var stats metrics.Snapshot
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.GreaterOrEqual(t, stats.UptimeSeconds, 0.0)
}
