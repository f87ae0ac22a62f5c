package stage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/catalogops/enrich-cli/internal/model"
)

// DefaultLocales are the target locales produced when none are
// configured. en-US is always emitted as the source locale.
var DefaultLocales = []string{"es-ES", "fr-FR"}

// LocalizeNode produces per-locale variants of the SEO copy block. The
// built-in node carries the source copy to every target locale tagged
// for downstream translation; a deployment with a real translation
// backend registers its own node in its place.
type LocalizeNode struct {
	locales []string
}

// NewLocalizeNode creates a localize node for the given target locales.
// Empty means DefaultLocales.
func NewLocalizeNode(locales []string) *LocalizeNode {
	if len(locales) == 0 {
		locales = DefaultLocales
	}
	return &LocalizeNode{locales: locales}
}

type seoSection struct {
	SEO struct {
		Title           string   `json:"title"`
		MetaDescription string   `json:"meta_description"`
		Keywords        []string `json:"keywords"`
	} `json:"seo"`
}

type localeCopy struct {
	Title           string `json:"title"`
	MetaDescription string `json:"meta_description"`
	Translated      bool   `json:"translated"`
}

func (n *LocalizeNode) Execute(_ context.Context, snap model.ThreadSnapshot) (model.StageOutcome, error) {
	blob, ok := snap.Payload[string(model.StageCopywrite)]
	if !ok {
		return model.StageOutcome{Status: model.OutcomeFailure, Err: "localize: no copywrite section in payload"}, nil
	}
	var sec seoSection
	if err := json.Unmarshal(blob, &sec); err != nil {
		return model.StageOutcome{Status: model.OutcomeFailure, Err: "localize: bad copywrite section: " + err.Error()}, nil
	}

	localizations := map[string]localeCopy{
		"en-US": {
			Title:           sec.SEO.Title,
			MetaDescription: sec.SEO.MetaDescription,
			Translated:      true,
		},
	}
	for _, locale := range n.locales {
		if locale == "en-US" {
			continue
		}
		localizations[locale] = localeCopy{
			Title:           sec.SEO.Title,
			MetaDescription: sec.SEO.MetaDescription,
			Translated:      false,
		}
	}

	data, err := json.Marshal(map[string]any{"localizations": localizations})
	if err != nil {
		return model.StageOutcome{}, err
	}

	// Untranslated passthrough copy is usable but below full confidence.
	confidence := 0.85
	if len(localizations) == 1 {
		confidence = 1.0
	}

	return model.StageOutcome{
		Status:     model.OutcomeSuccess,
		Confidence: confidence,
		Evidence:   []string{fmt.Sprintf("produced copy for %d locales", len(localizations))},
		Data:       data,
	}, nil
}
