// Package gate implements the escalation gate: the single chokepoint
// through which a thread leaves automated processing and enters human
// review. The gate materializes the QA handoff package and notifies the
// review channel; it never mutates thread state itself.
package gate

import (
	"context"

	"go.uber.org/zap"

	"github.com/catalogops/enrich-cli/internal/model"
)

// Notifier delivers an escalation package to the review channel.
type Notifier interface {
	NotifyEscalation(ctx context.Context, pkg model.QAPackage) error
}

// NopNotifier discards notifications. Used when no review webhook is
// configured; the escalation itself is still recorded in the store.
type NopNotifier struct{}

func (NopNotifier) NotifyEscalation(context.Context, model.QAPackage) error { return nil }

// Gate packages escalations for human review.
type Gate struct {
	notifier Notifier
}

// New creates a gate. A nil notifier means NopNotifier.
func New(notifier Notifier) *Gate {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Gate{notifier: notifier}
}

// Escalate builds the QA package for a thread leaving the pipeline and
// pushes it to the review channel. Notification is best effort: the
// package is returned (and the thread held) even when delivery fails,
// since reviewers can always pull pending threads from the store.
func (g *Gate) Escalate(ctx context.Context, t *model.Thread, outcome model.StageOutcome, reason string) model.QAPackage {
	pkg := model.QAPackage{
		SKUID:           t.SKUID,
		ThreadID:        t.ID,
		CurrentStatus:   model.StatusNeedsHumanReview,
		Stage:           t.Stage,
		PayloadSnapshot: t.Payload.Clone(),
		Evidence:        append([]string(nil), outcome.Evidence...),
		Reason:          reason,
	}

	if err := g.notifier.NotifyEscalation(ctx, pkg); err != nil {
		zap.L().Warn("escalation notification failed",
			zap.String("thread_id", t.ID),
			zap.String("sku_id", t.SKUID),
			zap.Error(err))
	}

	return pkg
}
