package cache

import (
	"context"
	"net/url"
	"time"
)

// Cache stores JSON encoded values under string keys. A miss is reported as
// (false, nil).
type Cache interface {
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
}

type NoopCache struct{}

func (NoopCache) GetJSON(_ context.Context, _ string, _ any) (bool, error) {
	return false, nil
}

func (NoopCache) SetJSON(_ context.Context, _ string, _ any, _ time.Duration) error {
	return nil
}

// BarcodeKey escapes both parts so that a ':' inside a user id or barcode
// cannot make two different pairs share a key.
func BarcodeKey(userID string, barcode string) string {
	return "barcode:" + url.QueryEscape(userID) + ":" + url.QueryEscape(barcode)
}

func ForecastKey(userID string) string {
	return "forecast:" + url.QueryEscape(userID)
}
