package supervisor

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/catalogops/enrich-cli/internal/model"
)

// Resume applies a reviewer decision to a held thread and, for approvals
// and overrides, continues the pipeline from the stage after the one
// that escalated. It returns the thread in its final settled state.
func (s *Supervisor) Resume(ctx context.Context, sig model.ResumeSignal) (*model.Thread, error) {
	t, err := s.st.GetThread(ctx, sig.ThreadID)
	if err != nil {
		return nil, eris.Wrapf(err, "supervisor: resume %s", sig.ThreadID)
	}
	if t.Status != model.StatusNeedsHumanReview {
		return nil, eris.Errorf("supervisor: thread %s is %s, not awaiting review", t.ID, t.Status)
	}

	detail := fmt.Sprintf("decision=%s reviewer=%s", sig.Decision, sig.Reviewer)
	if sig.Note != "" {
		detail += " note=" + sig.Note
	}

	switch sig.Decision {
	case model.DecisionReject:
		if err := s.audit(ctx, t, model.EventResumed, t.Attempts, detail); err != nil {
			return nil, err
		}
		if err := s.terminate(ctx, t, t.Attempts, model.StatusRejectedDuplicate,
			"rejected by reviewer "+sig.Reviewer); err != nil {
			return nil, err
		}

	case model.DecisionApprove, model.DecisionOverride:
		if sig.Decision == model.DecisionOverride && sig.Confidence == nil {
			return nil, eris.New("supervisor: override decision requires a confidence value")
		}
		from := t.EscalatedFrom
		if !from.Valid() {
			from = t.Stage
		}
		updated, err := s.update(ctx, t, func(cur *model.Thread) {
			for k, v := range sig.EditedPayload.Clone() {
				cur.Payload[k] = v
			}
			if sig.Confidence != nil {
				cur.Confidence = *sig.Confidence
			}
			if next, ok := from.Next(); ok {
				cur.Stage = next
				cur.Status = model.StatusInProgress
			} else {
				cur.Status = model.StatusDone
			}
			cur.EscalatedFrom = ""
			cur.StatusReason = ""
			cur.Attempts = 0
			cur.UpdatedAt = s.now().UTC()
		})
		if err != nil {
			return nil, err
		}
		if err := s.audit(ctx, updated, model.EventResumed, 0, detail); err != nil {
			return nil, err
		}
		if err := s.runThread(ctx, t.ID); err != nil {
			return nil, err
		}

	default:
		return nil, eris.Errorf("supervisor: unknown review decision %q", sig.Decision)
	}

	return s.st.GetThread(ctx, sig.ThreadID)
}

// ResumeThread continues an in_progress thread from its persisted state.
// Crash recovery: a restarted process calls this for every thread the
// store still reports as runnable.
func (s *Supervisor) ResumeThread(ctx context.Context, id string) (*model.Thread, error) {
	t, err := s.st.GetThread(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "supervisor: resume thread %s", id)
	}
	if t.Status.Settled() {
		return t, nil
	}
	if err := s.runThread(ctx, id); err != nil {
		return nil, err
	}
	return s.st.GetThread(ctx, id)
}
