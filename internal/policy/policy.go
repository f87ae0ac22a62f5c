// Package policy implements the retry policy engine: given a stage
// outcome and attempt count it decides between retrying with backoff,
// advancing, falling back to an alternate node, or terminating the
// thread. It never decides human escalation — low-confidence and
// needs_review outcomes are deferred to the escalation gate.
package policy

import (
	"time"

	"github.com/catalogops/enrich-cli/internal/model"
)

// Kind enumerates the possible decisions.
type Kind string

const (
	// Advance moves the thread to the next stage.
	Advance Kind = "advance"
	// Retry re-executes the same stage after Decision.Delay.
	Retry Kind = "retry"
	// Fallback swaps in the stage's alternate node and re-executes.
	Fallback Kind = "fallback"
	// Escalate defers the outcome to the escalation gate.
	Escalate Kind = "escalate"
	// Terminate moves the thread to Decision.Status.
	Terminate Kind = "terminate"
)

// Decision is the engine's verdict for one stage outcome.
type Decision struct {
	Kind   Kind
	Delay  time.Duration      // set for Retry
	Status model.ThreadStatus // set for Terminate
	Reason string
}

// Limits are the per-stage inputs the engine needs: how many attempts
// the stage allows, the confidence threshold below which success is
// treated as needs_review, and whether an alternate node exists.
type Limits struct {
	MaxAttempts int
	Threshold   float64
	HasFallback bool
}

// Config controls backoff timing. Delays are returned as data and
// applied by the supervisor's sleeper, keeping the engine free of any
// wall-clock dependency.
type Config struct {
	BaseDelay time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
}

// DefaultConfig returns the standard backoff timing.
func DefaultConfig() Config {
	return Config{
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  30 * time.Second,
	}
}

// Engine decides retry/advance/terminate for stage outcomes.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine with the given backoff config.
func NewEngine(cfg Config) *Engine {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	return &Engine{cfg: cfg}
}

// Decide maps a stage outcome to a decision. attempt is the 1-based
// number of the attempt that produced the outcome.
//
// Failures retry until the stage's attempt budget is spent, then fall
// back once if the stage has an alternate node, then terminate to
// dead_letter. An exact duplicate is a business-rule terminal, not a
// failure: the thread is rejected without burning retries. Successful
// outcomes advance when confident; anything needing judgment is
// escalated to the gate rather than decided here.
func (e *Engine) Decide(attempt int, outcome model.StageOutcome, limits Limits) Decision {
	if outcome.Violation == model.ViolationDuplicate {
		return Decision{
			Kind:   Terminate,
			Status: model.StatusRejectedDuplicate,
			Reason: "duplicate sku detected",
		}
	}

	switch outcome.Status {
	case model.OutcomeFailure:
		if attempt < limits.MaxAttempts {
			return Decision{
				Kind:   Retry,
				Delay:  e.Backoff(attempt),
				Reason: outcome.Err,
			}
		}
		if limits.HasFallback {
			return Decision{Kind: Fallback, Reason: "attempts exhausted, alternate node available"}
		}
		return Decision{
			Kind:   Terminate,
			Status: model.StatusDeadLetter,
			Reason: "attempts exhausted",
		}

	case model.OutcomeSuccess:
		if outcome.Violation != "" {
			return Decision{Kind: Escalate, Reason: "policy violation: " + string(outcome.Violation)}
		}
		if outcome.Confidence >= limits.Threshold {
			return Decision{Kind: Advance}
		}
		return Decision{Kind: Escalate, Reason: "confidence below stage threshold"}

	case model.OutcomeNeedsReview:
		return Decision{Kind: Escalate, Reason: "stage flagged needs_review"}

	default:
		// An outcome the contract doesn't name is a stage bug; treat it
		// as a failure so it hits the retry budget instead of wedging.
		if attempt < limits.MaxAttempts {
			return Decision{Kind: Retry, Delay: e.Backoff(attempt), Reason: "unrecognized outcome status"}
		}
		return Decision{
			Kind:   Terminate,
			Status: model.StatusDeadLetter,
			Reason: "unrecognized outcome status",
		}
	}
}

// Backoff returns baseDelay * 2^(attempt-1) capped at the configured
// ceiling. attempt is 1-based.
func (e *Engine) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := e.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.cfg.MaxDelay {
			return e.cfg.MaxDelay
		}
	}
	if delay > e.cfg.MaxDelay {
		delay = e.cfg.MaxDelay
	}
	return delay
}
