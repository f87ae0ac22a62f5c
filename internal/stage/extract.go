package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/catalogops/enrich-cli/internal/model"
)

// Unit conversion factors for attribute normalization.
const (
	ozToMl = 29.5735
	lbToKg = 0.453592
)

// ExtractNode normalizes raw product attributes into a canonical form:
// snake_case keys, lowercased categorical values, and metric units
// (fluid ounces to milliliters, pounds to kilograms).
type ExtractNode struct{}

// NewExtractNode creates the default extract node.
func NewExtractNode() *ExtractNode {
	return &ExtractNode{}
}

func (n *ExtractNode) Execute(_ context.Context, snap model.ThreadSnapshot) (model.StageOutcome, error) {
	raw, err := decodeRaw(snap.Payload)
	if err != nil {
		return model.StageOutcome{Status: model.OutcomeFailure, Err: "extract: " + err.Error()}, nil
	}

	normalized := make(map[string]any, len(raw.Attributes))
	var evidence []string
	recognized := 0

	for key, value := range raw.Attributes {
		k := normalizeKey(key)
		v, converted, note := normalizeValue(k, value)
		normalized[k] = v
		if note != "" {
			evidence = append(evidence, note)
		}
		if converted {
			recognized++
		}
	}

	data, err := json.Marshal(map[string]any{
		"normalized_attributes": normalized,
		"category":              strings.ToLower(strings.TrimSpace(raw.Category)),
	})
	if err != nil {
		return model.StageOutcome{}, err
	}

	return model.StageOutcome{
		Status:     model.OutcomeSuccess,
		Confidence: extractConfidence(len(raw.Attributes), recognized),
		Evidence:   evidence,
		Data:       data,
	}, nil
}

// extractConfidence scores how much of the input the normalizer actually
// understood. No attributes at all is still a success, but a weak one.
func extractConfidence(total, recognized int) float64 {
	if total == 0 {
		return 0.5
	}
	return 0.6 + 0.35*(float64(recognized)/float64(total))
}

func normalizeKey(key string) string {
	k := strings.ToLower(strings.TrimSpace(key))
	k = strings.ReplaceAll(k, " ", "_")
	k = strings.ReplaceAll(k, "-", "_")
	return k
}

// normalizeValue converts measurement strings like "20 oz" or "1.5 lb"
// to metric. Unrecognized values pass through untouched.
func normalizeValue(key string, value any) (out any, recognized bool, note string) {
	s, ok := value.(string)
	if !ok {
		return value, true, ""
	}

	amount, unit, ok := splitMeasurement(s)
	if !ok {
		return strings.TrimSpace(s), true, ""
	}

	switch unit {
	case "oz", "floz":
		ml := roundTo(amount*ozToMl, 2)
		return fmt.Sprintf("%s ml", trimFloat(ml)), true,
			fmt.Sprintf("converted %s %s to %s ml", trimFloat(amount), unit, trimFloat(ml))
	case "lb", "lbs":
		kg := roundTo(amount*lbToKg, 4)
		return fmt.Sprintf("%s kg", trimFloat(kg)), true,
			fmt.Sprintf("converted %s %s to %s kg", trimFloat(amount), unit, trimFloat(kg))
	case "ml", "l", "kg", "g", "cm", "mm":
		return strings.TrimSpace(s), true, ""
	default:
		return strings.TrimSpace(s), false,
			fmt.Sprintf("unrecognized unit %q in attribute %s", unit, key)
	}
}

// splitMeasurement parses "<number> <unit>" or "<number><unit>".
func splitMeasurement(s string) (float64, string, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	i := 0
	for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.' || s[i] == '-') {
		i++
	}
	if i == 0 {
		return 0, "", false
	}
	amount, err := strconv.ParseFloat(s[:i], 64)
	if err != nil {
		return 0, "", false
	}
	unit := strings.ReplaceAll(strings.TrimSpace(s[i:]), " ", "")
	unit = strings.ReplaceAll(unit, ".", "")
	if unit == "" {
		return 0, "", false
	}
	return amount, unit, true
}

func roundTo(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
