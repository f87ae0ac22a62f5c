//go:build !integration

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogops/enrich-cli/internal/config"
	"github.com/catalogops/enrich-cli/internal/gate"
	"github.com/catalogops/enrich-cli/internal/model"
	"github.com/catalogops/enrich-cli/internal/monitoring"
	"github.com/catalogops/enrich-cli/internal/policy"
	"github.com/catalogops/enrich-cli/internal/publish"
	"github.com/catalogops/enrich-cli/internal/stage"
	"github.com/catalogops/enrich-cli/internal/store"
	"github.com/catalogops/enrich-cli/internal/supervisor"
)

// newTestEnv wires a full pipeline against the in-memory store and a
// file dispatcher, and points the package-level config at test values.
func newTestEnv(t *testing.T) *pipelineEnv {
	t.Helper()

	cfg = &config.Config{Server: config.ServerConfig{Port: 0}}

	st := store.NewMemory()
	registry := stage.DefaultRegistry(stage.Options{
		Catalog:    stage.NewStoreCatalog(st),
		Dispatcher: publish.NewFileDispatcher(filepath.Join(t.TempDir(), "published.jsonl")),
		Locales:    []string{"es-ES"},
	})
	engine := policy.NewEngine(policy.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})

	sup, err := supervisor.New(st, registry, engine, gate.New(gate.NopNotifier{}), supervisor.Config{Workers: 2, ConflictRetries: 3})
	require.NoError(t, err)

	return &pipelineEnv{
		store:      st,
		supervisor: sup,
		collector:  monitoring.NewCollector(st),
		alerter:    monitoring.NewAlerter(monitoring.DefaultConfig()),
	}
}

func testRouter(t *testing.T) (*pipelineEnv, http.Handler) {
	t.Helper()
	env := newTestEnv(t)
	return env, newRouter(context.Background(), env)
}

func postBody(t *testing.T, router http.Handler, path string, v any) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(v)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

// submitAndWait posts the envelope and waits for every thread in the
// batch to settle, returning the thread rows.
func submitAndWait(t *testing.T, env *pipelineEnv, router http.Handler, envelope model.BatchEnvelope) []model.Thread {
	t.Helper()

	rr := postBody(t, router, "/api/batches", envelope)
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp struct {
		Status  string `json:"status"`
		BatchID string `json:"batch_id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp.Status)
	require.NotEmpty(t, resp.BatchID)

	var threads []model.Thread
	require.Eventually(t, func() bool {
		var err error
		threads, err = env.store.ListThreads(context.Background(), store.ThreadFilter{BatchID: resp.BatchID})
		if err != nil || len(threads) != len(envelope.Skus) {
			return false
		}
		for _, th := range threads {
			if !th.Status.Settled() {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	return threads
}

func TestRouter_Health(t *testing.T) {
	_, router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_SubmitBatch_RunsToCompletion(t *testing.T) {
	env, router := testRouter(t)

	threads := submitAndWait(t, env, router, model.BatchEnvelope{
		BatchID: "batch-http",
		Skus: []model.RawSku{{
			SKUID:      "SKU-HTTP-1",
			Name:       "Steel Water Bottle",
			Category:   "Drinkware",
			Price:      19.99,
			Currency:   "USD",
			Attributes: map[string]any{"volume": "20 oz"},
		}},
	})

	require.Len(t, threads, 1)
	assert.Equal(t, model.StatusDone, threads[0].Status)
	assert.Equal(t, model.StagePublish, threads[0].Stage)
}

func TestRouter_SubmitBatch_InvalidBody(t *testing.T) {
	_, router := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/batches", bytes.NewReader([]byte("not json")))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "invalid request body")
}

func TestRouter_SubmitBatch_EmptySkus(t *testing.T) {
	_, router := testRouter(t)

	rr := postBody(t, router, "/api/batches", model.BatchEnvelope{BatchID: "empty"})

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, rr.Body.String(), "skus is required")
}

func TestRouter_ThreadLookupAndAudit(t *testing.T) {
	env, router := testRouter(t)

	threads := submitAndWait(t, env, router, model.BatchEnvelope{
		Skus: []model.RawSku{{
			SKUID:      "SKU-HTTP-2",
			Name:       "Canvas Tote",
			Price:      12.50,
			Attributes: map[string]any{"weight": "1.5 lb"},
		}},
	})
	require.Len(t, threads, 1)
	threadID := threads[0].ID

	req := httptest.NewRequest(http.MethodGet, "/api/threads/"+threadID, nil)
	get := httptest.NewRecorder()
	router.ServeHTTP(get, req)
	require.Equal(t, http.StatusOK, get.Code)

	var thread model.Thread
	require.NoError(t, json.Unmarshal(get.Body.Bytes(), &thread))
	assert.Equal(t, "SKU-HTTP-2", thread.SKUID)
	assert.Equal(t, model.StatusDone, thread.Status)

	req = httptest.NewRequest(http.MethodGet, "/api/threads/"+threadID+"/audit", nil)
	audit := httptest.NewRecorder()
	router.ServeHTTP(audit, req)
	require.Equal(t, http.StatusOK, audit.Code)

	var trail []model.AuditEvent
	require.NoError(t, json.Unmarshal(audit.Body.Bytes(), &trail))
	require.NotEmpty(t, trail)
	assert.Equal(t, model.EventCreated, trail[0].Type)
}

func TestRouter_GetThread_NotFound(t *testing.T) {
	_, router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/threads/no-such-thread", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "thread not found")
}

func TestRouter_ListThreads_StatusFilter(t *testing.T) {
	env, router := testRouter(t)

	submitAndWait(t, env, router, model.BatchEnvelope{
		Skus: []model.RawSku{{
			SKUID:      "SKU-HTTP-3",
			Name:       "Desk Lamp",
			Price:      39.00,
			Attributes: map[string]any{"material": "aluminum"},
		}},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/threads?status=done", nil)
	list := httptest.NewRecorder()
	router.ServeHTTP(list, req)
	require.Equal(t, http.StatusOK, list.Code)

	var threads []model.Thread
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &threads))
	require.Len(t, threads, 1)
	assert.Equal(t, "SKU-HTTP-3", threads[0].SKUID)

	req = httptest.NewRequest(http.MethodGet, "/api/threads?status=dead_letter", nil)
	empty := httptest.NewRecorder()
	router.ServeHTTP(empty, req)
	require.Equal(t, http.StatusOK, empty.Code)

	require.NoError(t, json.Unmarshal(empty.Body.Bytes(), &threads))
	assert.Empty(t, threads)
}

func TestRouter_Resume_NotHeld(t *testing.T) {
	env, router := testRouter(t)

	threads := submitAndWait(t, env, router, model.BatchEnvelope{
		Skus: []model.RawSku{{
			SKUID:      "SKU-HTTP-4",
			Name:       "Travel Mug",
			Price:      24.00,
			Attributes: map[string]any{"volume": "12 oz"},
		}},
	})
	require.Len(t, threads, 1)

	resume := postBody(t, router, "/api/qa/resume", model.ResumeSignal{
		ThreadID: threads[0].ID,
		Decision: model.DecisionApprove,
		Reviewer: "qa-1",
	})

	assert.Equal(t, http.StatusConflict, resume.Code)
	assert.Contains(t, resume.Body.String(), "not awaiting review")
}

func TestRouter_Resume_MissingThreadID(t *testing.T) {
	_, router := testRouter(t)

	resume := postBody(t, router, "/api/qa/resume", model.ResumeSignal{Decision: model.DecisionApprove})

	assert.Equal(t, http.StatusBadRequest, resume.Code)
	assert.Contains(t, resume.Body.String(), "thread_id is required")
}

func TestRouter_Metrics(t *testing.T) {
	env, router := testRouter(t)

	submitAndWait(t, env, router, model.BatchEnvelope{
		Skus: []model.RawSku{{
			SKUID:      "SKU-HTTP-5",
			Name:       "Notebook",
			Price:      6.00,
			Attributes: map[string]any{"pages": "120"},
		}},
	})

	req := httptest.NewRequest(http.MethodGet, "/api/metrics", nil)
	metrics := httptest.NewRecorder()
	router.ServeHTTP(metrics, req)
	require.Equal(t, http.StatusOK, metrics.Code)

	var snap monitoring.MetricsSnapshot
	require.NoError(t, json.Unmarshal(metrics.Body.Bytes(), &snap))
	assert.Equal(t, 1, snap.ThreadsTotal)
	assert.Equal(t, 1, snap.Done)
}
