package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/catalogops/enrich-cli/internal/model"
)

// restrictedTerms flag content that cannot be published without human
// compliance review.
var restrictedTerms = []string{
	"cure", "miracle", "fda approved", "prescription",
	"weapon", "cbd", "nicotine",
}

/// ValidateNode enforces business rules before copy is generated:
// required fields, pricing sanity, duplicate detection against the
// published catalog, and content compliance.
type ValidateNode struct {
	catalog CatalogIndex
}

// NewValidateNode creates a validate node backed by the given catalog
// index.
func NewValidateNode(catalog CatalogIndex) *ValidateNode {
	return &ValidateNode{catalog: catalog}
}

func (n *ValidateNode) Execute(ctx context.Context, snap model.ThreadSnapshot) (model.StageOutcome, error) {
	raw, err := decodeRaw(snap.Payload)
	if err != nil {
		return model.StageOutcome{Status: model.OutcomeFailure, Err: "validate: " + err.Error()}, nil
	}

	if missing := missingFields(raw); len(missing) > 0 {
		return model.StageOutcome{
			Status:     model.OutcomeNeedsReview,
			Confidence: 0.2,
			Evidence:   []string{"missing required fields: " + strings.Join(missing, ", ")},
		}, nil
	}

	published, err := n.catalog.Published(ctx, raw.SKUID)
	if err != nil {
		return model.StageOutcome{}, err
	}
	if published {
		return model.StageOutcome{
			Status:    model.OutcomeFailure,
			Violation: model.ViolationDuplicate,
			Evidence:  []string{fmt.Sprintf("sku %s already exists in the published catalog", raw.SKUID)},
			Err:       "duplicate sku",
		}, nil
	}

	if owner, suspected, err := n.catalog.SimilarName(ctx, raw.SKUID, raw.Name); err != nil {
		return model.StageOutcome{}, err
	} else if suspected {
		return model.StageOutcome{
			Status:     model.OutcomeSuccess,
			Confidence: 0.9,
			Violation:  model.ViolationSuspectedDuplicate,
			Evidence:   []string{fmt.Sprintf("name matches published sku %s", owner)},
		}, nil
	}

	if term, flagged := restrictedContent(raw); flagged {
		return model.StageOutcome{
			Status:     model.OutcomeSuccess,
			Confidence: 0.9,
			Violation:  model.ViolationCompliance,
			Evidence:   []string{fmt.Sprintf("restricted term %q in product content", term)},
		}, nil
	}

	data, err := json.Marshal(map[string]any{
		"pricing": map[string]any{
			"price":    raw.Price,
			"currency": currencyOrDefault(raw.Currency),
		},
		"checks_passed": []string{"required_fields", "pricing", "duplicates", "compliance"},
	})
	if err != nil {
		return model.StageOutcome{}, err
	}

	return model.StageOutcome{
		Status:     model.OutcomeSuccess,
		Confidence: 0.95,
		Evidence:   []string{"all validation checks passed"},
		Data:       data,
	}, nil
}

func missingFields(raw *model.RawSku) []string {
	var missing []string
	if strings.TrimSpace(raw.SKUID) == "" {
		missing = append(missing, "sku_id")
	}
	if strings.TrimSpace(raw.Name) == "" {
		missing = append(missing, "name")
	}
	if raw.Price <= 0 || math.IsNaN(raw.Price) || math.IsInf(raw.Price, 0) {
		missing = append(missing, "price")
	}
	return missing
}

func restrictedContent(raw *model.RawSku) (string, bool) {
	haystack := strings.ToLower(raw.Name + " " + raw.Description)
	for _, term := range restrictedTerms {
		if strings.Contains(haystack, term) {
			return term, true
		}
	}
	return "", false
}

func currencyOrDefault(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return "USD"
	}
	return c
}
