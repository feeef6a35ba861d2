// Package forecast talks to the external demand forecasting service.
package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"salesdash/backend/internal/cache"
	"salesdash/backend/internal/domain"
)

// ErrUnavailable covers every way the forecast can fail: disabled, timed out,
// non-2xx, or an unparsable body. Callers treat it as "no forecast".
var ErrUnavailable = errors.New("forecast unavailable")

const (
	OutcomeOK       = "ok"
	OutcomeCacheHit = "cache_hit"
	OutcomeError    = "error"
)

type Client struct {
	http      *resty.Client
	cache     cache.Cache
	ttl       time.Duration
	logger    *zap.Logger
	onOutcome func(outcome string)
}

type payload struct {
	Products map[string]json.RawMessage `json:"products"`
	Error    string                     `json:"error"`
}

// New returns a client for the service at baseURL. An empty baseURL yields a
// client that always reports ErrUnavailable.
func New(baseURL string, timeout time.Duration, c cache.Cache, ttl time.Duration, logger *zap.Logger) *Client {
	if c == nil {
		c = cache.NoopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var httpClient *resty.Client
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		httpClient = resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json")
	}

	return &Client{
		http:   httpClient,
		cache:  c,
		ttl:    ttl,
		logger: logger.Named("forecast"),
	}
}

// OnOutcome registers a hook called once per GetForecast with one of the
// Outcome constants.
func (c *Client) OnOutcome(fn func(outcome string)) {
	c.onOutcome = fn
}

func (c *Client) Close() error {
	if c.http == nil {
		return nil
	}
	return c.http.Close()
}

func (c *Client) GetForecast(ctx context.Context, userID string) (domain.Forecast, error) {
	if c.http == nil {
		c.observe(OutcomeError)
		return nil, fmt.Errorf("%w: no forecast url configured", ErrUnavailable)
	}

	key := cache.ForecastKey(userID)
	var cached domain.Forecast
	hit, err := c.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		c.logger.Warn("forecast cache read failed", zap.String("user_id", userID), zap.Error(err))
	}
	if hit && err == nil {
		c.observe(OutcomeCacheHit)
		return cached, nil
	}

	result, err := c.fetch(ctx, userID)
	if err != nil {
		c.observe(OutcomeError)
		c.logger.Warn("forecast request failed", zap.String("user_id", userID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.observe(OutcomeOK)

	if c.ttl > 0 {
		if err := c.cache.SetJSON(ctx, key, result, c.ttl); err != nil {
			c.logger.Warn("forecast cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return result, nil
}

func (c *Client) fetch(ctx context.Context, userID string) (domain.Forecast, error) {
	var body payload
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("userID", userID).
		SetResult(&body).
		Get("/forecast/{userID}")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("forecast service returned status %d", resp.StatusCode())
	}
	if body.Error != "" {
		return nil, fmt.Errorf("forecast service error: %s", body.Error)
	}
	if body.Products == nil {
		return nil, errors.New("forecast response has no products")
	}
	return Normalize(body.Products), nil
}

// Normalize keys the raw per-product values by trimmed lowercase name. Numeric
// values and numeric strings are kept, negative predictions clamp to zero and
// anything else is dropped.
func Normalize(raw map[string]json.RawMessage) domain.Forecast {
	out := make(domain.Forecast, len(raw))
	for name, value := range raw {
		key := domain.NormalizeProductName(name)
		if key == "" {
			continue
		}
		qty, ok := parseQuantity(value)
		if !ok {
			continue
		}
		out[key] = qty
	}
	return out
}

func parseQuantity(value json.RawMessage) (float64, bool) {
	if len(value) == 0 || string(value) == "null" {
		return 0, false
	}
	var qty float64
	if err := json.Unmarshal(value, &qty); err != nil {
		var text string
		if err := json.Unmarshal(value, &text); err != nil {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return 0, false
		}
		qty = parsed
	}
	if math.IsNaN(qty) || math.IsInf(qty, 0) {
		return 0, false
	}
	if qty < 0 {
		qty = 0
	}
	return qty, true
}

func (c *Client) observe(outcome string) {
	if c.onOutcome != nil {
		c.onOutcome(outcome)
	}
}
