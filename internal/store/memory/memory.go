package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"salesdash/backend/internal/domain"
	"salesdash/backend/internal/store"
)

type Store struct {
	mu        sync.RWMutex
	lineItems []domain.LineItem
	maxSaleID int64
	barcodes  map[string]domain.BarcodeRecord
	now       func() time.Time
}

func New() *Store {
	return &Store{
		barcodes: make(map[string]domain.BarcodeRecord),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// NewSeeded returns a store holding a few demo sales for local runs.
func NewSeeded() *Store {
	s := New()
	price := decimal.RequireFromString
	seed := []struct {
		userID string
		items  []domain.LineItem
	}{
		{"demo", []domain.LineItem{
			{Date: domain.NewDate(2024, time.January, 5), ProductName: "Pen", Quantity: 3, UnitPrice: price("2.00")},
			{Date: domain.NewDate(2024, time.January, 5), ProductName: "Pad", Quantity: 1, UnitPrice: price("5.00")},
		}},
		{"demo", []domain.LineItem{
			{Date: domain.NewDate(2024, time.February, 11), ProductName: "pen ", Quantity: 2, UnitPrice: price("2.00")},
			{Date: domain.NewDate(2024, time.February, 11), ProductName: "Stapler", Quantity: 1, UnitPrice: price("12.50")},
		}},
	}
	for _, sale := range seed {
		for i := range sale.items {
			sale.items[i].TotalPrice = sale.items[i].UnitPrice.Mul(decimal.NewFromInt(int64(sale.items[i].Quantity)))
		}
		_, _, _ = s.CreateSale(context.Background(), sale.userID, sale.items)
	}
	return s
}

func (s *Store) NextSaleID(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSaleID + 1, nil
}

func (s *Store) CreateSale(_ context.Context, userID string, items []domain.LineItem) (int64, []domain.LineItem, error) {
	if strings.TrimSpace(userID) == "" || len(items) == 0 {
		return 0, nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	saleID := s.maxSaleID + 1
	createdAt := s.now()
	staged := make([]domain.LineItem, 0, len(items))
	for i, item := range items {
		if item.Quantity < 1 || item.UnitPrice.IsNegative() || strings.TrimSpace(item.ProductName) == "" {
			return 0, nil, store.ErrInvalidInput
		}
		item.UserID = userID
		item.SaleID = saleID
		item.LineNo = i + 1
		item.CreatedAt = createdAt
		staged = append(staged, item)
	}

	s.lineItems = append(s.lineItems, staged...)
	s.maxSaleID = saleID

	return saleID, cloneLineItems(staged), nil
}

func (s *Store) ListLineItems(_ context.Context, userID string, month int) ([]domain.LineItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.LineItem, 0, 32)
	for _, item := range s.lineItems {
		if item.UserID != userID {
			continue
		}
		if month != 0 && int(item.Date.Month()) != month {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

func (s *Store) GetBarcode(_ context.Context, barcode string, userID string) (*domain.BarcodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.barcodes[barcodeKey(barcode, userID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &record, nil
}

func (s *Store) CreateBarcode(_ context.Context, record domain.BarcodeRecord) (*domain.BarcodeRecord, error) {
	if record.Barcode == "" || record.UserID == "" || record.ProductName == "" || record.Price.IsNegative() {
		return nil, store.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := barcodeKey(record.Barcode, record.UserID)
	if _, exists := s.barcodes[key]; exists {
		return nil, store.ErrConflict
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = s.now()
	}
	s.barcodes[key] = record

	created := record
	return &created, nil
}

func (s *Store) Ping(_ context.Context) error {
	return nil
}

func barcodeKey(barcode string, userID string) string {
	return userID + "\x00" + barcode
}

func cloneLineItems(src []domain.LineItem) []domain.LineItem {
	out := make([]domain.LineItem, len(src))
	copy(out, src)
	return out
}
