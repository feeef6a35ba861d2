package store

import (
	"context"
	"errors"

	"salesdash/backend/internal/domain"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnavailable  = errors.New("store unavailable")
	ErrInvalidInput = errors.New("invalid input")
)

type Repository interface {
	// NextSaleID reports the id the next batch would receive. It does not
	// reserve anything.
	NextSaleID(ctx context.Context) (int64, error)
	// CreateSale allocates a fresh sale id and persists every item under it
	// in one atomic step. The returned items carry the assigned sale id.
	CreateSale(ctx context.Context, userID string, items []domain.LineItem) (int64, []domain.LineItem, error)
	// ListLineItems returns the user's line items in insertion order. A month
	// of 0 disables the month-of-year filter.
	ListLineItems(ctx context.Context, userID string, month int) ([]domain.LineItem, error)
	GetBarcode(ctx context.Context, barcode string, userID string) (*domain.BarcodeRecord, error)
	CreateBarcode(ctx context.Context, record domain.BarcodeRecord) (*domain.BarcodeRecord, error)
	Ping(ctx context.Context) error
}
