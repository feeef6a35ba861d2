package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"salesdash/backend/internal/cache"
	"salesdash/backend/internal/domain"
	"salesdash/backend/internal/metrics"
	"salesdash/backend/internal/store"
)

const (
	DefaultStoreTimeout    = 5 * time.Second
	DefaultBarcodeCacheTTL = time.Hour
	DefaultMaxBatchItems   = 500
)

// Forecaster returns predicted quantities keyed by normalized product name.
type Forecaster interface {
	GetForecast(ctx context.Context, userID string) (domain.Forecast, error)
}

type Options struct {
	StoreTimeout    time.Duration
	BarcodeCacheTTL time.Duration
	MaxBatchItems   int
	Metrics         *metrics.Metrics
}

type Service struct {
	repo       store.Repository
	forecaster Forecaster
	cache      cache.Cache
	opts       Options
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func New(repo store.Repository, forecaster Forecaster, c cache.Cache, opts Options, logger *zap.Logger) *Service {
	if c == nil {
		c = cache.NoopCache{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = DefaultStoreTimeout
	}
	if opts.BarcodeCacheTTL <= 0 {
		opts.BarcodeCacheTTL = DefaultBarcodeCacheTTL
	}
	if opts.MaxBatchItems < 1 {
		opts.MaxBatchItems = DefaultMaxBatchItems
	}

	return &Service{
		repo:       repo,
		forecaster: forecaster,
		cache:      c,
		opts:       opts,
		metrics:    opts.Metrics,
		logger:     logger.Named("service"),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()
	return s.repo.Ping(storeCtx)
}

func (s *Service) NextSaleID(ctx context.Context) (domain.NextSaleIDResponse, error) {
	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	next, err := s.repo.NextSaleID(storeCtx)
	if err != nil {
		return domain.NextSaleIDResponse{}, s.storeError("next sale id", err)
	}
	return domain.NextSaleIDResponse{NextSaleID: next}, nil
}

// StoreBatch validates every item, then persists the whole batch under one
// freshly allocated sale id. Nothing is written when any item is rejected.
func (s *Service) StoreBatch(ctx context.Context, userID string, inputs []domain.LineItemInput) (domain.SaleResult, error) {
	items, err := s.prepareBatch(userID, inputs)
	if err != nil {
		return domain.SaleResult{}, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	saleID, saved, err := s.repo.CreateSale(storeCtx, userID, items)
	if err != nil {
		return domain.SaleResult{}, s.storeError("create sale", err)
	}

	total := decimal.Zero
	for _, item := range saved {
		total = total.Add(item.TotalPrice)
	}
	s.metrics.BatchStored(len(saved))
	s.logger.Info("sale stored",
		zap.String("user_id", userID),
		zap.Int64("sale_id", saleID),
		zap.Int("items", len(saved)),
	)

	return domain.SaleResult{
		SaleID:     saleID,
		ItemCount:  len(saved),
		TotalPrice: total,
	}, nil
}

func (s *Service) prepareBatch(userID string, inputs []domain.LineItemInput) ([]domain.LineItem, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalidField("user_id", "is required")
	}
	if len(inputs) == 0 {
		return nil, invalidField("items", "must contain at least one item")
	}
	if len(inputs) > s.opts.MaxBatchItems {
		return nil, invalidField("items", fmt.Sprintf("must contain at most %d items", s.opts.MaxBatchItems))
	}

	var problems []FieldError
	items := make([]domain.LineItem, 0, len(inputs))
	for i, input := range inputs {
		pos := i + 1
		input.Date = strings.TrimSpace(input.Date)
		input.ProductName = strings.TrimSpace(input.ProductName)

		itemProblems := fieldErrors(pos, input)
		if len(itemProblems) > 0 {
			problems = append(problems, itemProblems...)
			continue
		}

		if msg := checkMoney(*input.UnitPrice, maxUnitPrice); msg != "" {
			problems = append(problems, FieldError{Item: pos, Field: "unit_price", Message: msg})
			continue
		}
		total := input.UnitPrice.Mul(decimal.NewFromInt(int64(input.Quantity)))
		if input.TotalPrice != nil && !input.TotalPrice.Equal(total) {
			problems = append(problems, FieldError{
				Item:    pos,
				Field:   "total_price",
				Message: fmt.Sprintf("must equal quantity x unit_price (%s)", total.StringFixed(2)),
			})
			continue
		}
		if total.GreaterThanOrEqual(maxTotalPrice) {
			problems = append(problems, FieldError{Item: pos, Field: "total_price", Message: "is too large"})
			continue
		}

		date, err := domain.ParseDate(input.Date)
		if err != nil {
			problems = append(problems, FieldError{Item: pos, Field: "date", Message: "must be a date in YYYY-MM-DD format"})
			continue
		}

		items = append(items, domain.LineItem{
			Date:        date,
			ProductName: input.ProductName,
			Quantity:    input.Quantity,
			UnitPrice:   *input.UnitPrice,
			TotalPrice:  total,
		})
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Fields: problems}
	}
	return items, nil
}

// GetDashboard reads the user's line items and the forecast concurrently. A
// failed forecast leaves Dashboard.Forecast empty and never fails the call.
func (s *Service) GetDashboard(ctx context.Context, userID string, month int) (domain.Dashboard, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Dashboard{}, invalidField("user_id", "is required")
	}
	if err := validateMonth(month); err != nil {
		return domain.Dashboard{}, err
	}

	var (
		items    []domain.LineItem
		forecast domain.Forecast
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		storeCtx, cancel := context.WithTimeout(gctx, s.opts.StoreTimeout)
		defer cancel()
		list, err := s.repo.ListLineItems(storeCtx, userID, month)
		if err != nil {
			return s.storeError("list line items", err)
		}
		items = list
		return nil
	})
	if s.forecaster != nil {
		g.Go(func() error {
			result, err := s.forecaster.GetForecast(gctx, userID)
			if err != nil {
				s.logger.Debug("dashboard without forecast", zap.String("user_id", userID), zap.Error(err))
				return nil
			}
			forecast = result
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.Dashboard{}, err
	}

	if items == nil {
		items = []domain.LineItem{}
	}
	dashboard := domain.Dashboard{
		UserID:    userID,
		Month:     month,
		Items:     items,
		ItemCount: len(items),
		Summary:   Summarize(items),
	}
	if len(forecast) > 0 {
		dashboard.Forecast = forecast.Rows()
	}
	return dashboard, nil
}

// GetForecast never fails on forecast errors; unavailability is reported
// through ForecastResponse.Available.
func (s *Service) GetForecast(ctx context.Context, userID string) (domain.ForecastResponse, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.ForecastResponse{}, invalidField("user_id", "is required")
	}
	if s.forecaster == nil {
		return domain.ForecastResponse{Available: false, Forecast: domain.Forecast{}}, nil
	}

	result, err := s.forecaster.GetForecast(ctx, userID)
	if err != nil {
		s.logger.Debug("forecast unavailable", zap.String("user_id", userID), zap.Error(err))
		return domain.ForecastResponse{Available: false, Forecast: domain.Forecast{}}, nil
	}
	if result == nil {
		result = domain.Forecast{}
	}
	return domain.ForecastResponse{Available: true, Forecast: result}, nil
}

// GetSalesHistory returns every line item of the user as (date, product,
// quantity) rows, the shape the forecasting service trains on.
func (s *Service) GetSalesHistory(ctx context.Context, userID string) ([]domain.HistoryRow, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalidField("user_id", "is required")
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	items, err := s.repo.ListLineItems(storeCtx, userID, 0)
	if err != nil {
		return nil, s.storeError("sales history", err)
	}

	rows := make([]domain.HistoryRow, 0, len(items))
	for _, item := range items {
		rows = append(rows, domain.HistoryRow{
			Date:        item.Date.String(),
			ProductName: item.ProductName,
			Quantity:    item.Quantity,
		})
	}
	return rows, nil
}

func (s *Service) LookupBarcode(ctx context.Context, barcode string, userID string) (domain.BarcodeRecord, error) {
	barcode = strings.TrimSpace(barcode)
	if barcode == "" {
		return domain.BarcodeRecord{}, invalidField("barcode", "is required")
	}
	if strings.TrimSpace(userID) == "" {
		return domain.BarcodeRecord{}, invalidField("user_id", "is required")
	}

	key := cache.BarcodeKey(userID, barcode)
	var cached domain.BarcodeRecord
	hit, err := s.cache.GetJSON(ctx, key, &cached)
	if err != nil {
		s.logger.Warn("barcode cache read failed", zap.String("barcode", barcode), zap.Error(err))
	}
	if hit && err == nil && cached.UserID == userID && cached.Barcode == barcode {
		s.metrics.CacheLookup("barcode", true)
		return cached, nil
	}
	s.metrics.CacheLookup("barcode", false)

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	record, err := s.repo.GetBarcode(storeCtx, barcode, userID)
	if err != nil {
		return domain.BarcodeRecord{}, s.storeError("lookup barcode", err)
	}

	s.primeBarcode(ctx, *record)
	return *record, nil
}

func (s *Service) RegisterBarcode(ctx context.Context, req domain.BarcodeRegistration) (domain.BarcodeRecord, error) {
	req.Barcode = strings.TrimSpace(req.Barcode)
	req.ProductName = strings.TrimSpace(req.ProductName)
	if strings.TrimSpace(req.UserID) == "" {
		return domain.BarcodeRecord{}, invalidField("user_id", "is required")
	}
	if problems := fieldErrors(0, req); len(problems) > 0 {
		return domain.BarcodeRecord{}, &ValidationError{Fields: problems}
	}
	if msg := checkMoney(*req.Price, maxUnitPrice); msg != "" {
		return domain.BarcodeRecord{}, invalidField("price", msg)
	}

	storeCtx, cancel := context.WithTimeout(ctx, s.opts.StoreTimeout)
	defer cancel()

	created, err := s.repo.CreateBarcode(storeCtx, domain.BarcodeRecord{
		Barcode:     req.Barcode,
		UserID:      req.UserID,
		ProductName: req.ProductName,
		Price:       *req.Price,
	})
	if err != nil {
		return domain.BarcodeRecord{}, s.storeError("register barcode", err)
	}

	s.primeBarcode(ctx, *created)
	return *created, nil
}

func (s *Service) primeBarcode(ctx context.Context, record domain.BarcodeRecord) {
	key := cache.BarcodeKey(record.UserID, record.Barcode)
	if err := s.cache.SetJSON(ctx, key, record, s.opts.BarcodeCacheTTL); err != nil {
		s.logger.Warn("barcode cache write failed", zap.String("barcode", record.Barcode), zap.Error(err))
	}
}

// storeError keeps domain sentinels and folds everything else, deadlines
// included, into store.ErrUnavailable.
func (s *Service) storeError(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrInvalidInput):
		return fmt.Errorf("%s: %w", op, err)
	}
	s.logger.Error("store call failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w: %w", op, store.ErrUnavailable, err)
}

func validateMonth(month int) error {
	if month < 0 || month > 12 {
		return invalidField("month", "must be between 1 and 12, or 0 for all months")
	}
	return nil
}

// ParseMonth converts the month query parameter. An empty value means all
// months.
func ParseMonth(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	month, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidField("month", "must be an integer between 1 and 12")
	}
	if err := validateMonth(month); err != nil {
		return 0, err
	}
	return month, nil
}
