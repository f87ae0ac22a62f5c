package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/catalogops/enrich-cli/internal/model"
)

// Dispatcher is the publishing boundary. Implementations deliver the
// enriched record to the downstream catalog and report a receipt; they
// own their own transient retries, rate limiting, and circuit breaking.
type Dispatcher interface {
	Dispatch(ctx context.Context, skuID string, record json.RawMessage) (model.Receipt, error)
}

// PublishNode assembles the final enriched record from the accumulated
// payload sections and hands it to the dispatcher.
type PublishNode struct {
	dispatcher Dispatcher
}

// NewPublishNode creates a publish node bound to the given dispatcher.
func NewPublishNode(d Dispatcher) *PublishNode {
	return &PublishNode{dispatcher: d}
}

func (n *PublishNode) Execute(ctx context.Context, snap model.ThreadSnapshot) (model.StageOutcome, error) {
	record, err := assembleRecord(snap)
	if err != nil {
		return model.StageOutcome{Status: model.OutcomeFailure, Err: "publish: " + err.Error()}, nil
	}

	receipt, err := n.dispatcher.Dispatch(ctx, snap.SKUID, record)
	if err != nil {
		// Dispatcher errors have already exhausted its internal transient
		// retries; surface as a stage failure so the attempt budget applies.
		return model.StageOutcome{Status: model.OutcomeFailure, Err: "publish: " + err.Error()}, nil
	}
	if receipt.DispatchStatus != model.DispatchSuccess {
		return model.StageOutcome{
			Status: model.OutcomeFailure,
			Err:    fmt.Sprintf("publish: dispatch reported %s", receipt.DispatchStatus),
		}, nil
	}

	data, err := json.Marshal(map[string]any{
		"receipt": receipt,
		"record":  json.RawMessage(record),
	})
	if err != nil {
		return model.StageOutcome{}, err
	}

	return model.StageOutcome{
		Status:     model.OutcomeSuccess,
		Confidence: 1.0,
		Evidence:   []string{fmt.Sprintf("dispatched to %s in %d attempts", receipt.Destination, receipt.AttemptCount)},
		Data:       data,
	}, nil
}

// assembleRecord merges the per-stage payload sections into the single
// enriched record the downstream catalog receives.
func assembleRecord(snap model.ThreadSnapshot) (json.RawMessage, error) {
	raw, err := decodeRaw(snap.Payload)
	if err != nil {
		return nil, err
	}

	record := map[string]any{
		"sku":  raw.SKUID,
		"name": raw.Name,
	}
	for _, section := range []model.Stage{model.StageExtract, model.StageValidate, model.StageCopywrite, model.StageLocalize} {
		blob, ok := snap.Payload[string(section)]
		if !ok {
			continue
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(blob, &fields); err != nil {
			return nil, eris.Wrapf(err, "bad %s section", section)
		}
		for k, v := range fields {
			record[k] = v
		}
	}

	return json.Marshal(record)
}
