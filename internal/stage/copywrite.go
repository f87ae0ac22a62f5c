package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/catalogops/enrich-cli/internal/model"
)

// CopywriteNode generates the SEO copy block: title, meta description,
// and keywords derived from the product name, category, and normalized
// attributes.
type CopywriteNode struct{}

// NewCopywriteNode creates the default copywrite node.
func NewCopywriteNode() *CopywriteNode {
	return &CopywriteNode{}
}

// extractSection mirrors the data block the extract node emits.
type extractSection struct {
	NormalizedAttributes map[string]any `json:"normalized_attributes"`
	Category             string         `json:"category"`
}

func (n *CopywriteNode) Execute(_ context.Context, snap model.ThreadSnapshot) (model.StageOutcome, error) {
	raw, err := decodeRaw(snap.Payload)
	if err != nil {
		return model.StageOutcome{Status: model.OutcomeFailure, Err: "copywrite: " + err.Error()}, nil
	}

	var extracted extractSection
	if blob, ok := snap.Payload[string(model.StageExtract)]; ok {
		if err := json.Unmarshal(blob, &extracted); err != nil {
			return model.StageOutcome{Status: model.OutcomeFailure, Err: "copywrite: bad extract section: " + err.Error()}, nil
		}
	}

	category := extracted.Category
	if category == "" {
		category = strings.ToLower(strings.TrimSpace(raw.Category))
	}

	title := seoTitle(raw.Name, category)
	description := metaDescription(raw, extracted.NormalizedAttributes)
	keywords := keywordSet(raw.Name, category, extracted.NormalizedAttributes)

	data, err := json.Marshal(map[string]any{
		"seo": map[string]any{
			"title":            title,
			"meta_description": description,
			"keywords":         keywords,
		},
	})
	if err != nil {
		return model.StageOutcome{}, err
	}

	confidence := 0.9
	evidence := []string{"generated seo copy from structured fields"}
	if raw.Description == "" && len(extracted.NormalizedAttributes) == 0 {
		// Nothing beyond the name to write from.
		confidence = 0.5
		evidence = append(evidence, "no source description or attributes, copy is name-only")
	}

	return model.StageOutcome{
		Status:     model.OutcomeSuccess,
		Confidence: confidence,
		Evidence:   evidence,
		Data:       data,
	}, nil
}

// seoTitle renders "Name | Category" with the category title-cased.
// Products without a category get the bare name.
func seoTitle(name, category string) string {
	name = strings.TrimSpace(name)
	if category == "" {
		return name
	}
	return name + " | " + titleCase(category)
}

func metaDescription(raw *model.RawSku, attrs map[string]any) string {
	base := strings.TrimSpace(raw.Description)
	if base == "" {
		base = fmt.Sprintf("Shop %s.", strings.TrimSpace(raw.Name))
	}
	if !strings.HasSuffix(base, ".") {
		base += "."
	}
	if len(attrs) > 0 {
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, strings.ReplaceAll(k, "_", " "))
		}
		sort.Strings(keys)
		base += " Details: " + strings.Join(keys, ", ") + "."
	}
	if len(base) > 160 {
		base = base[:157] + "..."
	}
	return base
}

func keywordSet(name, category string, attrs map[string]any) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(w string) {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			return
		}
		if _, dup := seen[w]; dup {
			return
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}

	for _, w := range strings.Fields(name) {
		add(w)
	}
	add(category)
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(strings.ReplaceAll(k, "_", " "))
	}
	return out
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
