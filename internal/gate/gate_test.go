package gate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogops/enrich-cli/internal/model"
)

func escalatingThread() *model.Thread {
	return &model.Thread{
		ID:     "t-1",
		SKUID:  "SKU-1",
		Stage:  model.StageValidate,
		Status: model.StatusInProgress,
		Payload: model.Payload{
			model.PayloadSectionRaw: json.RawMessage(`{"sku_id":"SKU-1"}`),
		},
	}
}

func TestEscalate_BuildsPackage(t *testing.T) {
	g := New(nil)
	outcome := model.StageOutcome{
		Status:     model.OutcomeSuccess,
		Confidence: 0.4,
		Evidence:   []string{"confidence 0.4 below threshold 0.8"},
	}

	pkg := g.Escalate(context.Background(), escalatingThread(), outcome, "confidence below stage threshold")

	assert.Equal(t, "SKU-1", pkg.SKUID)
	assert.Equal(t, "t-1", pkg.ThreadID)
	assert.Equal(t, model.StatusNeedsHumanReview, pkg.CurrentStatus)
	assert.Equal(t, model.StageValidate, pkg.Stage)
	assert.Equal(t, outcome.Evidence, pkg.Evidence)
	assert.Equal(t, "confidence below stage threshold", pkg.Reason)
	require.Contains(t, pkg.PayloadSnapshot, model.PayloadSectionRaw)
}

func TestEscalate_PackageSnapshotIsDetached(t *testing.T) {
	g := New(nil)
	th := escalatingThread()

	pkg := g.Escalate(context.Background(), th, model.StageOutcome{}, "r")
	th.Payload[model.PayloadSectionRaw] = json.RawMessage(`{"mutated":true}`)

	assert.JSONEq(t, `{"sku_id":"SKU-1"}`, string(pkg.PayloadSnapshot[model.PayloadSectionRaw]))
}

func TestWebhookNotifier_DeliversPackage(t *testing.T) {
	var got model.QAPackage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.NotifyEscalation(context.Background(), model.QAPackage{SKUID: "SKU-9", ThreadID: "t-9", Reason: "r"})
	require.NoError(t, err)
	assert.Equal(t, "SKU-9", got.SKUID)
}

func TestWebhookNotifier_RetriesTransientStatus(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.retry.InitialBackoff = 1 // keep the test fast

	err := n.NotifyEscalation(context.Background(), model.QAPackage{SKUID: "SKU-10"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookNotifier_DoesNotRetryClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	err := n.NotifyEscalation(context.Background(), model.QAPackage{SKUID: "SKU-11"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEscalate_SurvivesNotifierFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	g := New(NewWebhookNotifier(srv.URL))
	pkg := g.Escalate(context.Background(), escalatingThread(), model.StageOutcome{}, "r")
	assert.Equal(t, "SKU-1", pkg.SKUID)
}
