package stage

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/catalogops/enrich-cli/internal/model"
)

var errMissingRaw = eris.New("payload has no raw section")

// IngestNode validates the raw submission and seeds the working record
// every later stage builds on.
type IngestNode struct{}

// NewIngestNode creates the default ingest node.
func NewIngestNode() *IngestNode {
	return &IngestNode{}
}

func (n *IngestNode) Execute(_ context.Context, snap model.ThreadSnapshot) (model.StageOutcome, error) {
	raw, err := decodeRaw(snap.Payload)
	if err != nil {
		return model.StageOutcome{Status: model.OutcomeFailure, Err: "ingest: " + err.Error()}, nil
	}

	if strings.TrimSpace(raw.SKUID) == "" {
		return model.StageOutcome{
			Status: model.OutcomeFailure,
			Err:    "ingest: submission has no sku id",
		}, nil
	}

	record := map[string]any{
		"sku":      raw.SKUID,
		"name":     strings.TrimSpace(raw.Name),
		"category": strings.TrimSpace(raw.Category),
		"source":   "batch",
	}
	evidence := []string{"accepted raw submission for " + raw.SKUID}
	if raw.Name == "" {
		evidence = append(evidence, "submission carries no product name")
	}

	data, err := json.Marshal(record)
	if err != nil {
		return model.StageOutcome{}, err
	}

	zap.L().Debug("ingested sku",
		zap.String("sku_id", raw.SKUID),
		zap.Int("attribute_count", len(raw.Attributes)))

	return model.StageOutcome{
		Status:     model.OutcomeSuccess,
		Confidence: 1.0,
		Evidence:   evidence,
		Data:       data,
	}, nil
}

// decodeRaw reads the raw SKU section that the supervisor seeds into
// every new thread's payload.
func decodeRaw(p model.Payload) (*model.RawSku, error) {
	blob, ok := p[model.PayloadSectionRaw]
	if !ok {
		return nil, errMissingRaw
	}
	var raw model.RawSku
	if err := json.Unmarshal(blob, &raw); err != nil {
		return nil, err
	}
	return &raw, nil
}
