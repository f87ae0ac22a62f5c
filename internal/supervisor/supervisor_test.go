package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogops/enrich-cli/internal/gate"
	"github.com/catalogops/enrich-cli/internal/model"
	"github.com/catalogops/enrich-cli/internal/policy"
	"github.com/catalogops/enrich-cli/internal/stage"
	"github.com/catalogops/enrich-cli/internal/store"
)

// outcomeSeq replays a scripted sequence of outcomes, repeating the
// last one once exhausted.
type outcomeSeq struct {
	mu       sync.Mutex
	outcomes []model.StageOutcome
	i        int
}

func (q *outcomeSeq) next() model.StageOutcome {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.outcomes[q.i]
	if q.i < len(q.outcomes)-1 {
		q.i++
	}
	return out
}

func confident() model.StageOutcome {
	return model.StageOutcome{
		Status:     model.OutcomeSuccess,
		Confidence: 0.95,
		Data:       json.RawMessage(`{"ok":true}`),
	}
}

func failure(msg string) model.StageOutcome {
	return model.StageOutcome{Status: model.OutcomeFailure, Err: msg}
}

// script maps stage -> sku -> outcome sequence. Unscripted executions
// succeed with high confidence.
type script map[model.Stage]map[string]*outcomeSeq

func testRegistry(sc script) *stage.Registry {
	r := stage.NewRegistry()
	for _, st := range model.StageOrder {
		r.Register(stage.Spec{
			Stage:       st,
			Threshold:   0.8,
			MaxAttempts: 3,
			Timeout:     5 * time.Second,
		}, stage.NodeFunc(func(_ context.Context, snap model.ThreadSnapshot) (model.StageOutcome, error) {
			if seq, ok := sc[snap.Stage][snap.SKUID]; ok {
				return seq.next(), nil
			}
			return confident(), nil
		}))
	}
	return r
}

type captureNotifier struct {
	mu   sync.Mutex
	pkgs []model.QAPackage
}

func (c *captureNotifier) NotifyEscalation(_ context.Context, pkg model.QAPackage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pkgs = append(c.pkgs, pkg)
	return nil
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (d *delayRecorder) sleep(_ context.Context, delay time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delays = append(d.delays, delay)
	return nil
}

func newTestSupervisor(t *testing.T, st store.Store, sc script, notifier gate.Notifier) (*Supervisor, *delayRecorder) {
	t.Helper()
	rec := &delayRecorder{}
	engine := policy.NewEngine(policy.Config{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	sv, err := New(st, testRegistry(sc), engine, gate.New(notifier),
		Config{Workers: 2}, WithSleeper(rec.sleep))
	require.NoError(t, err)
	return sv, rec
}

func batchOf(skus ...model.RawSku) model.BatchEnvelope {
	return model.BatchEnvelope{BatchID: "batch-1", Skus: skus}
}

func rawSku(id string) model.RawSku {
	return model.RawSku{SKUID: id, Name: "Product " + id, Price: 10}
}

func summaryFor(t *testing.T, result *model.BatchResult, skuID string) model.ThreadSummary {
	t.Helper()
	for _, s := range result.Threads {
		if s.SKUID == skuID {
			return s
		}
	}
	t.Fatalf("no thread summary for %s", skuID)
	return model.ThreadSummary{}
}

func TestRunBatch_MixedOutcomes(t *testing.T) {
	st := store.NewMemory()
	notifier := &captureNotifier{}
	sc := script{
		model.StageExtract: {
			"A": {outcomes: []model.StageOutcome{
				failure("upstream timeout"),
				failure("upstream timeout"),
				{Status: model.OutcomeSuccess, Confidence: 0.9, Data: json.RawMessage(`{"a":1}`)},
			}},
		},
		model.StageValidate: {
			"B": {outcomes: []model.StageOutcome{
				{Status: model.OutcomeSuccess, Confidence: 0.4, Evidence: []string{"weak match"}},
			}},
		},
		model.StageCopywrite: {
			"C": {outcomes: []model.StageOutcome{failure("generator unavailable")}},
		},
	}
	sv, rec := newTestSupervisor(t, st, sc, notifier)

	result, err := sv.RunBatch(context.Background(), batchOf(rawSku("A"), rawSku("B"), rawSku("C")))
	require.NoError(t, err)

	assert.Equal(t, 3, result.Submitted)
	assert.Equal(t, 1, result.Done)
	assert.Equal(t, 1, result.NeedsReview)
	assert.Equal(t, 1, result.DeadLetter)
	assert.Equal(t, 0, result.Rejected)

	// A recovered from two transient failures and finished.
	a := summaryFor(t, result, "A")
	assert.Equal(t, model.StatusDone, a.Status)

	// B is held at validate with a QA package on the review channel.
	b := summaryFor(t, result, "B")
	assert.Equal(t, model.StatusNeedsHumanReview, b.Status)
	assert.Equal(t, model.StageValidate, b.Stage)
	require.Len(t, notifier.pkgs, 1)
	assert.Equal(t, "B", notifier.pkgs[0].SKUID)
	assert.Equal(t, model.StageValidate, notifier.pkgs[0].Stage)
	assert.Contains(t, notifier.pkgs[0].Evidence, "weak match")

	// C spent its attempt budget at copywrite.
	c := summaryFor(t, result, "C")
	assert.Equal(t, model.StatusDeadLetter, c.Status)
	assert.Equal(t, model.StageCopywrite, c.Stage)
	assert.Contains(t, c.Reason, "attempts exhausted")

	// Backoff delays doubled: A's two extract retries plus C's two
	// copywrite retries.
	assert.ElementsMatch(t,
		[]time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond},
		rec.delays)
}

func TestRunBatch_ResubmitWhileActiveIsRejected(t *testing.T) {
	st := store.NewMemory()
	sc := script{
		model.StageValidate: {
			"DUP": {outcomes: []model.StageOutcome{
				{Status: model.OutcomeSuccess, Confidence: 0.1},
			}},
		},
	}
	sv, _ := newTestSupervisor(t, st, sc, nil)

	// First submission parks the thread in review.
	first, err := sv.RunBatch(context.Background(), batchOf(rawSku("DUP")))
	require.NoError(t, err)
	require.Equal(t, 1, first.NeedsReview)

	second, err := sv.RunBatch(context.Background(), model.BatchEnvelope{BatchID: "batch-2", Skus: []model.RawSku{rawSku("DUP")}})
	require.NoError(t, err)
	require.Len(t, second.NotAdmitted, 1)
	assert.Equal(t, "DUP", second.NotAdmitted[0].SKUID)
	assert.Empty(t, second.Threads)
}

func TestRunBatch_ResubmitAfterTerminalCreatesNewThread(t *testing.T) {
	st := store.NewMemory()
	sv, _ := newTestSupervisor(t, st, script{}, nil)

	first, err := sv.RunBatch(context.Background(), batchOf(rawSku("S")))
	require.NoError(t, err)
	require.Equal(t, 1, first.Done)

	second, err := sv.RunBatch(context.Background(), model.BatchEnvelope{BatchID: "batch-2", Skus: []model.RawSku{rawSku("S")}})
	require.NoError(t, err)
	require.Len(t, second.Threads, 1)
	assert.Empty(t, second.NotAdmitted)
	assert.NotEqual(t, first.Threads[0].ThreadID, second.Threads[0].ThreadID)
}

func TestRunBatch_QueueDepthCap(t *testing.T) {
	st := store.NewMemory()
	rec := &delayRecorder{}
	engine := policy.NewEngine(policy.DefaultConfig())
	sv, err := New(st, testRegistry(script{}), engine, nil,
		Config{Workers: 2, QueueDepth: 2}, WithSleeper(rec.sleep))
	require.NoError(t, err)

	result, err := sv.RunBatch(context.Background(), batchOf(rawSku("1"), rawSku("2"), rawSku("3")))
	require.NoError(t, err)
	assert.Len(t, result.Threads, 2)
	require.Len(t, result.NotAdmitted, 1)
	assert.Equal(t, "3", result.NotAdmitted[0].SKUID)
	assert.Equal(t, "queue depth exceeded", result.NotAdmitted[0].Reason)
}

func TestRunBatch_BarrierReportsOnlySettledThreads(t *testing.T) {
	st := store.NewMemory()
	sv, _ := newTestSupervisor(t, st, script{}, nil)

	result, err := sv.RunBatch(context.Background(), batchOf(rawSku("X"), rawSku("Y")))
	require.NoError(t, err)

	for _, s := range result.Threads {
		assert.True(t, s.Status.Settled(), "thread %s reported unsettled status %s", s.ThreadID, s.Status)
	}
}

func TestResume_ApproveContinuesFromSuccessorStage(t *testing.T) {
	st := store.NewMemory()
	notifier := &captureNotifier{}
	sc := script{
		model.StageValidate: {
			"R": {outcomes: []model.StageOutcome{
				{Status: model.OutcomeSuccess, Confidence: 0.3, Data: json.RawMessage(`{"checks":"partial"}`)},
			}},
		},
	}
	sv, _ := newTestSupervisor(t, st, sc, notifier)

	result, err := sv.RunBatch(context.Background(), batchOf(rawSku("R")))
	require.NoError(t, err)
	held := summaryFor(t, result, "R")
	require.Equal(t, model.StatusNeedsHumanReview, held.Status)

	conf := 0.85
	final, err := sv.Resume(context.Background(), model.ResumeSignal{
		ThreadID:   held.ThreadID,
		Decision:   model.DecisionApprove,
		Confidence: &conf,
		Reviewer:   "qa@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, model.StatusDone, final.Status)
	assert.Empty(t, final.EscalatedFrom)

	// The validate section folded at escalation time survives resume.
	assert.Contains(t, final.Payload, string(model.StageValidate))

	// Audit shows escalation followed by resume, never a re-run of the
	// escalated stage.
	trail, err := st.AuditTrail(context.Background(), held.ThreadID)
	require.NoError(t, err)
	var sawEscalated, sawResumed bool
	for _, ev := range trail {
		switch ev.Type {
		case model.EventEscalated:
			sawEscalated = true
			assert.Equal(t, model.StageValidate, ev.Stage)
		case model.EventResumed:
			sawResumed = true
			assert.True(t, sawEscalated, "resumed before escalated")
			assert.Equal(t, model.StageCopywrite, ev.Stage)
		}
	}
	assert.True(t, sawResumed)
}

func TestResume_ApproveWithEditsMergesPayload(t *testing.T) {
	st := store.NewMemory()
	sc := script{
		model.StageValidate: {
			"E": {outcomes: []model.StageOutcome{
				{Status: model.OutcomeSuccess, Confidence: 0.3},
			}},
		},
	}
	sv, _ := newTestSupervisor(t, st, sc, nil)

	result, err := sv.RunBatch(context.Background(), batchOf(rawSku("E")))
	require.NoError(t, err)
	held := summaryFor(t, result, "E")

	final, err := sv.Resume(context.Background(), model.ResumeSignal{
		ThreadID: held.ThreadID,
		Decision: model.DecisionApprove,
		EditedPayload: model.Payload{
			"reviewer_notes": json.RawMessage(`{"corrected":true}`),
		},
		Reviewer: "qa@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, final.Status)
	assert.JSONEq(t, `{"corrected":true}`, string(final.Payload["reviewer_notes"]))
}

func TestResume_RejectTerminates(t *testing.T) {
	st := store.NewMemory()
	sc := script{
		model.StageValidate: {
			"J": {outcomes: []model.StageOutcome{
				{Status: model.OutcomeSuccess, Confidence: 0.9, Violation: model.ViolationSuspectedDuplicate},
			}},
		},
	}
	sv, _ := newTestSupervisor(t, st, sc, nil)

	result, err := sv.RunBatch(context.Background(), batchOf(rawSku("J")))
	require.NoError(t, err)
	held := summaryFor(t, result, "J")
	require.Equal(t, model.StatusNeedsHumanReview, held.Status)

	final, err := sv.Resume(context.Background(), model.ResumeSignal{
		ThreadID: held.ThreadID,
		Decision: model.DecisionReject,
		Reviewer: "qa@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRejectedDuplicate, final.Status)
}

func TestResume_OverrideRequiresConfidence(t *testing.T) {
	st := store.NewMemory()
	sc := script{
		model.StageValidate: {
			"O": {outcomes: []model.StageOutcome{
				{Status: model.OutcomeSuccess, Confidence: 0.3},
			}},
		},
	}
	sv, _ := newTestSupervisor(t, st, sc, nil)

	result, err := sv.RunBatch(context.Background(), batchOf(rawSku("O")))
	require.NoError(t, err)
	held := summaryFor(t, result, "O")

	_, err = sv.Resume(context.Background(), model.ResumeSignal{
		ThreadID: held.ThreadID,
		Decision: model.DecisionOverride,
	})
	require.Error(t, err)

	conf := 0.99
	final, err := sv.Resume(context.Background(), model.ResumeSignal{
		ThreadID:   held.ThreadID,
		Decision:   model.DecisionOverride,
		Confidence: &conf,
		Reviewer:   "lead@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusDone, final.Status)
}

func TestResume_NonHeldThreadErrors(t *testing.T) {
	st := store.NewMemory()
	sv, _ := newTestSupervisor(t, st, script{}, nil)

	result, err := sv.RunBatch(context.Background(), batchOf(rawSku("Z")))
	require.NoError(t, err)
	done := summaryFor(t, result, "Z")

	_, err = sv.Resume(context.Background(), model.ResumeSignal{
		ThreadID: done.ThreadID,
		Decision: model.DecisionApprove,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not awaiting review")
}
