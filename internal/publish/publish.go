// Package publish delivers enriched records to the downstream catalog.
// The webhook dispatcher owns its transport concerns: rate limiting,
// circuit breaking, and transient retry all live here, behind the
// receipt contract the pipeline sees.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/catalogops/enrich-cli/internal/model"
	"github.com/catalogops/enrich-cli/internal/resilience"
)

// Config controls the webhook dispatcher.
type Config struct {
	Endpoint       string        `yaml:"endpoint" mapstructure:"endpoint"`
	Timeout        time.Duration `yaml:"timeout" mapstructure:"timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst          int           `yaml:"burst" mapstructure:"burst"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
	BreakerEnabled bool          `yaml:"breaker_enabled" mapstructure:"breaker_enabled"`
}

// DefaultConfig returns the standard dispatcher settings.
func DefaultConfig() Config {
	return Config{
		Timeout:        15 * time.Second,
		RatePerSecond:  10,
		Burst:          5,
		MaxRetries:     3,
		BreakerEnabled: true,
	}
}

// WebhookDispatcher POSTs enriched records to the catalog endpoint.
type WebhookDispatcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
}

// NewWebhookDispatcher creates a dispatcher for cfg.Endpoint.
func NewWebhookDispatcher(cfg Config) *WebhookDispatcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries
	retry.ShouldRetry = resilience.IsTransient
	retry.OnRetry = resilience.RetryLogger("catalog", "dispatch")

	var breaker *resilience.CircuitBreaker
	if cfg.BreakerEnabled {
		bcfg := resilience.DefaultCircuitBreakerConfig()
		bcfg.OnStateChange = func(from, to resilience.CircuitState) {
			zap.L().Warn("catalog circuit state changed",
				zap.Stringer("from", from), zap.Stringer("to", to))
		}
		breaker = resilience.NewCircuitBreaker(bcfg)
	}

	return &WebhookDispatcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker: breaker,
		retry:   retry,
	}
}

// Dispatch delivers one record. A receipt with DispatchRetryPending
// means the transport gave up on transient errors and the caller may
// try again later; a hard rejection comes back as an error.
func (d *WebhookDispatcher) Dispatch(ctx context.Context, skuID string, record json.RawMessage) (model.Receipt, error) {
	attempts := 0
	post := func(ctx context.Context) error {
		if err := d.limiter.Wait(ctx); err != nil {
			return err
		}
		attempts++
		return d.postOnce(ctx, record)
	}

	var err error
	if d.breaker != nil {
		err = d.breaker.Execute(ctx, func(ctx context.Context) error {
			return resilience.Do(ctx, d.retry, post)
		})
	} else {
		err = resilience.Do(ctx, d.retry, post)
	}

	receipt := model.Receipt{Destination: d.cfg.Endpoint, AttemptCount: attempts}
	switch {
	case err == nil:
		receipt.DispatchStatus = model.DispatchSuccess
		return receipt, nil
	case eris.Is(err, resilience.ErrCircuitOpen) || resilience.IsTransient(err):
		receipt.DispatchStatus = model.DispatchRetryPending
		return receipt, nil
	default:
		return receipt, eris.Wrapf(err, "publish: dispatch %s", skuID)
	}
}

func (d *WebhookDispatcher) postOnce(ctx context.Context, record json.RawMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.Endpoint, bytes.NewReader(record))
	if err != nil {
		return eris.Wrap(err, "publish: build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(err, 0)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = eris.Errorf("publish: catalog returned %d", resp.StatusCode)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(err, resp.StatusCode)
	}
	return err
}
