package supervisor

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/catalogops/enrich-cli/internal/model"
	"github.com/catalogops/enrich-cli/internal/policy"
	"github.com/catalogops/enrich-cli/internal/stage"
	"github.com/catalogops/enrich-cli/internal/store"
)

// runThread drives one thread until it settles. The loop reloads the
// thread at every iteration, so a crashed-and-restarted supervisor
// continues exactly where the persisted state says it stopped.
func (s *Supervisor) runThread(ctx context.Context, id string) error {
	for {
		t, err := s.st.GetThread(ctx, id)
		if err != nil {
			return eris.Wrapf(err, "supervisor: load thread %s", id)
		}
		if t.Status.Settled() {
			return nil
		}

		if ctx.Err() != nil {
			return s.terminate(context.WithoutCancel(ctx), t, t.Attempts,
				model.StatusDeadLetter, "batch canceled before completion")
		}

		spec, ok := s.reg.Spec(t.Stage)
		if !ok {
			return s.terminate(ctx, t, t.Attempts, model.StatusDeadLetter,
				fmt.Sprintf("no node registered for stage %s", t.Stage))
		}
		node, _ := s.reg.Node(t.Stage)

		attempt := t.Attempts + 1
		outcome := s.execute(ctx, node, spec, t.Snapshot())
		limits := policy.Limits{
			MaxAttempts: spec.MaxAttempts,
			Threshold:   spec.Threshold,
			HasFallback: spec.Fallback != nil,
		}
		dec := s.engine.Decide(attempt, outcome, limits)

		if dec.Kind == policy.Fallback {
			// One shot with the alternate node; its outcome is final for
			// this stage, no further retries or fallbacks.
			outcome = s.execute(ctx, spec.Fallback, spec, t.Snapshot())
			dec = s.engine.Decide(1, outcome, policy.Limits{
				MaxAttempts: 1,
				Threshold:   spec.Threshold,
			})
			if err := s.audit(ctx, t, model.EventRetryScheduled, attempt, "alternate node invoked after attempts exhausted"); err != nil {
				return err
			}
		}

		switch dec.Kind {
		case policy.Advance:
			if err := s.advance(ctx, t, attempt, outcome); err != nil {
				return err
			}

		case policy.Retry:
			if err := s.scheduleRetry(ctx, t, attempt, dec); err != nil {
				return err
			}
			if err := s.sleep(ctx, dec.Delay); err != nil {
				// Canceled mid-backoff; next iteration terminates.
				continue
			}

		case policy.Escalate:
			return s.escalate(ctx, t, attempt, outcome, dec.Reason)

		case policy.Terminate:
			return s.terminate(ctx, t, attempt, dec.Status, dec.Reason)

		default:
			return eris.Errorf("supervisor: unknown policy decision %q", dec.Kind)
		}
	}
}

// execute runs a node under the stage timeout. Node errors and timeouts
// come back as failure outcomes so the policy engine owns their fate.
func (s *Supervisor) execute(ctx context.Context, node stage.Node, spec stage.Spec, snap model.ThreadSnapshot) model.StageOutcome {
	sctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	outcome, err := node.Execute(sctx, snap)
	if err != nil {
		reason := err.Error()
		if sctx.Err() == context.DeadlineExceeded {
			reason = fmt.Sprintf("stage timed out after %s", spec.Timeout)
		}
		zap.L().Warn("stage execution error",
			zap.String("thread_id", snap.ThreadID),
			zap.String("stage", string(snap.Stage)),
			zap.Error(err))
		return model.StageOutcome{Status: model.OutcomeFailure, Err: reason}
	}
	return outcome
}

// advance folds the stage output into the payload and moves the thread
// forward, or marks it done after the final stage.
func (s *Supervisor) advance(ctx context.Context, t *model.Thread, attempt int, outcome model.StageOutcome) error {
	completed := t.Stage
	updated, err := s.update(ctx, t, func(cur *model.Thread) {
		foldSection(cur, completed, outcome)
		cur.Confidence = outcome.Confidence
		cur.Attempts = 0
		cur.StatusReason = ""
		if next, ok := completed.Next(); ok {
			cur.Stage = next
		} else {
			cur.Status = model.StatusDone
		}
		cur.UpdatedAt = s.now().UTC()
	})
	if err != nil {
		return err
	}
	return s.audit(ctx, updated, model.EventAdvanced, attempt,
		fmt.Sprintf("completed %s with confidence %.2f", completed, outcome.Confidence))
}

// scheduleRetry records the spent attempt so a restarted supervisor
// resumes with the correct budget.
func (s *Supervisor) scheduleRetry(ctx context.Context, t *model.Thread, attempt int, dec policy.Decision) error {
	updated, err := s.update(ctx, t, func(cur *model.Thread) {
		cur.Attempts = attempt
		cur.StatusReason = dec.Reason
		cur.UpdatedAt = s.now().UTC()
	})
	if err != nil {
		return err
	}
	return s.audit(ctx, updated, model.EventRetryScheduled, attempt,
		fmt.Sprintf("retry in %s: %s", dec.Delay, dec.Reason))
}

// escalate holds the thread for human review and hands the QA package
// to the gate.
func (s *Supervisor) escalate(ctx context.Context, t *model.Thread, attempt int, outcome model.StageOutcome, reason string) error {
	from := t.Stage
	updated, err := s.update(ctx, t, func(cur *model.Thread) {
		foldSection(cur, from, outcome)
		cur.Status = model.StatusNeedsHumanReview
		cur.EscalatedFrom = from
		cur.StatusReason = reason
		cur.Confidence = outcome.Confidence
		cur.Attempts = attempt
		cur.UpdatedAt = s.now().UTC()
	})
	if err != nil {
		return err
	}
	if err := s.audit(ctx, updated, model.EventEscalated, attempt, reason); err != nil {
		return err
	}
	s.gate.Escalate(ctx, updated, outcome, reason)
	return nil
}

// terminate moves the thread to a terminal status.
func (s *Supervisor) terminate(ctx context.Context, t *model.Thread, attempt int, status model.ThreadStatus, reason string) error {
	updated, err := s.update(ctx, t, func(cur *model.Thread) {
		cur.Status = status
		cur.StatusReason = reason
		cur.Attempts = attempt
		cur.UpdatedAt = s.now().UTC()
	})
	if err != nil {
		return err
	}
	return s.audit(ctx, updated, model.EventTerminated, attempt, reason)
}

// update applies mutate and persists through compare-and-swap, retrying
// a bounded number of times on version conflicts with a fresh reload.
func (s *Supervisor) update(ctx context.Context, t *model.Thread, mutate func(*model.Thread)) (*model.Thread, error) {
	cur := t
	for i := 0; ; i++ {
		mutate(cur)
		err := s.st.CompareAndSwap(ctx, cur)
		if err == nil {
			return cur, nil
		}
		if !eris.Is(err, store.ErrVersionConflict) || i >= s.cfg.ConflictRetries-1 {
			return nil, eris.Wrapf(err, "supervisor: persist thread %s", t.ID)
		}
		cur, err = s.st.GetThread(ctx, t.ID)
		if err != nil {
			return nil, eris.Wrapf(err, "supervisor: reload thread %s after conflict", t.ID)
		}
	}
}

// foldSection writes the stage's output into its payload section.
// Sections are append-only: an already-present section is kept.
func foldSection(t *model.Thread, s model.Stage, outcome model.StageOutcome) {
	if len(outcome.Data) == 0 {
		return
	}
	key := string(s)
	if _, exists := t.Payload[key]; exists {
		return
	}
	if t.Payload == nil {
		t.Payload = model.Payload{}
	}
	t.Payload[key] = outcome.Data
}
