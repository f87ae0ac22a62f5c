package stage

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/catalogops/enrich-cli/internal/model"
)

// Override adjusts one stage's orchestration parameters from config.
// Zero fields keep the built-in default.
type Override struct {
	Threshold   float64       `yaml:"threshold" mapstructure:"threshold"`
	MaxAttempts int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	Timeout     time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

// Options configures DefaultRegistry.
type Options struct {
	Catalog    CatalogIndex
	Dispatcher Dispatcher
	Locales    []string
	Overrides  map[model.Stage]Override
}

// DefaultRegistry builds a registry with the built-in node for every
// pipeline stage. Per-stage thresholds reflect how much judgment each
// stage's output needs: mechanical stages run near 0.5, content stages
// at 0.7, and publish demands certainty.
func DefaultRegistry(opts Options) *Registry {
	catalog := opts.Catalog
	if catalog == nil {
		catalog = NewMemoryCatalog()
	}

	r := NewRegistry()
	register := func(spec Spec, node Node) {
		if o, ok := opts.Overrides[spec.Stage]; ok {
			if o.Threshold > 0 {
				spec.Threshold = o.Threshold
			}
			if o.MaxAttempts > 0 {
				spec.MaxAttempts = o.MaxAttempts
			}
			if o.Timeout > 0 {
				spec.Timeout = o.Timeout
			}
		}
		r.Register(spec, node)
	}

	register(Spec{Stage: model.StageIngest, Threshold: 0.5, MaxAttempts: 3, Timeout: 10 * time.Second}, NewIngestNode())
	register(Spec{Stage: model.StageExtract, Threshold: 0.7, MaxAttempts: 3, Timeout: 30 * time.Second}, NewExtractNode())
	register(Spec{Stage: model.StageValidate, Threshold: 0.8, MaxAttempts: 3, Timeout: 30 * time.Second}, NewValidateNode(catalog))
	register(Spec{
		Stage:       model.StageCopywrite,
		Threshold:   0.7,
		MaxAttempts: 3,
		Timeout:     60 * time.Second,
		Fallback:    NodeFunc(minimalCopy),
	}, NewCopywriteNode())
	register(Spec{Stage: model.StageLocalize, Threshold: 0.7, MaxAttempts: 3, Timeout: 60 * time.Second}, NewLocalizeNode(opts.Locales))
	register(Spec{Stage: model.StagePublish, Threshold: 0.9, MaxAttempts: 3, Timeout: 30 * time.Second}, NewPublishNode(opts.Dispatcher))

	return r
}

// minimalCopy is the copywrite alternate node: a bare name-only copy
// block emitted when the primary node's attempt budget is spent. Low
// confidence on purpose so the gate sees it before publication.
func minimalCopy(_ context.Context, snap model.ThreadSnapshot) (model.StageOutcome, error) {
	raw, err := decodeRaw(snap.Payload)
	if err != nil {
		return model.StageOutcome{Status: model.OutcomeFailure, Err: "copywrite fallback: " + err.Error()}, nil
	}

	name := strings.TrimSpace(raw.Name)
	data, err := json.Marshal(map[string]any{
		"seo": map[string]any{
			"title":            name,
			"meta_description": "Shop " + name + ".",
			"keywords":         strings.Fields(strings.ToLower(name)),
		},
	})
	if err != nil {
		return model.StageOutcome{}, err
	}

	return model.StageOutcome{
		Status:     model.OutcomeSuccess,
		Confidence: 0.4,
		Evidence:   []string{"minimal copy from product name only"},
		Data:       data,
	}, nil
}
