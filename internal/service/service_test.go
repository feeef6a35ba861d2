package service

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"salesdash/backend/internal/cache"
	"salesdash/backend/internal/domain"
	"salesdash/backend/internal/forecast"
	"salesdash/backend/internal/store"
	"salesdash/backend/internal/store/memory"
)

type stubForecaster struct {
	result domain.Forecast
	err    error
	delay  time.Duration
}

func (f stubForecaster) GetForecast(ctx context.Context, _ string) (domain.Forecast, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	return f.result, f.err
}

// failingRepo wraps a real store and fails the selected operations.
type failingRepo struct {
	store.Repository
	createErr error
	listErr   error
	getCalls  int
	mu        sync.Mutex
}

func (r *failingRepo) CreateSale(ctx context.Context, userID string, items []domain.LineItem) (int64, []domain.LineItem, error) {
	if r.createErr != nil {
		return 0, nil, r.createErr
	}
	return r.Repository.CreateSale(ctx, userID, items)
}

func (r *failingRepo) ListLineItems(ctx context.Context, userID string, month int) ([]domain.LineItem, error) {
	if r.listErr != nil {
		return nil, r.listErr
	}
	return r.Repository.ListLineItems(ctx, userID, month)
}

func (r *failingRepo) GetBarcode(ctx context.Context, barcode string, userID string) (*domain.BarcodeRecord, error) {
	r.mu.Lock()
	r.getCalls++
	r.mu.Unlock()
	return r.Repository.GetBarcode(ctx, barcode, userID)
}

type mapCache struct {
	mu     sync.Mutex
	values map[string][]byte
	err    error
}

func (c *mapCache) GetJSON(_ context.Context, key string, dest any) (bool, error) {
	if c.err != nil {
		return false, c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.values[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *mapCache) SetJSON(_ context.Context, key string, value any, _ time.Duration) error {
	if c.err != nil {
		return c.err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = map[string][]byte{}
	}
	c.values[key] = raw
	return nil
}

func newTestService(t *testing.T, repo store.Repository, forecaster Forecaster) *Service {
	t.Helper()
	if repo == nil {
		repo = memory.New()
	}
	return New(repo, forecaster, &mapCache{}, Options{}, zaptest.NewLogger(t))
}

func price(raw string) *decimal.Decimal {
	d := decimal.RequireFromString(raw)
	return &d
}

func penPad() []domain.LineItemInput {
	return []domain.LineItemInput{
		{Date: "2024-01-05", ProductName: "Pen", Quantity: 3, UnitPrice: price("2.00")},
		{Date: "2024-01-05", ProductName: "Pad", Quantity: 1, UnitPrice: price("5.00")},
	}
}

func TestStoreBatchAndDashboardPenPadExample(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	result, err := svc.StoreBatch(ctx, "u1", penPad())
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.SaleID)
	assert.Equal(t, 2, result.ItemCount)
	assert.True(t, result.TotalPrice.Equal(decimal.RequireFromString("11.00")), result.TotalPrice.String())

	dash, err := svc.GetDashboard(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, dash.ItemCount)
	assert.True(t, dash.TotalEarnings.Equal(decimal.NewFromInt(11)))
	assert.Equal(t, 4, dash.TotalQuantity)
	require.NotNil(t, dash.MostSoldProduct)
	assert.Equal(t, "Pen", dash.MostSoldProduct.ProductName)
	require.NotNil(t, dash.HighestSaleItem)
	assert.Equal(t, "Pen", dash.HighestSaleItem.ProductName)
	for _, item := range dash.Items {
		assert.Equal(t, int64(1), item.SaleID)
	}

	encoded, err := json.Marshal(dash.PerProductQuantity)
	require.NoError(t, err)
	assert.JSONEq(t, `{"pen":3,"pad":1}`, string(encoded))
	assert.Equal(t, []string{"pen", "pad"}, dash.PerProductQuantity.Keys())
}

func TestStoreBatchRejectsWholeBatchAndReportsEveryItem(t *testing.T) {
	repo := memory.New()
	svc := newTestService(t, repo, nil)
	ctx := context.Background()

	_, err := svc.StoreBatch(ctx, "u1", []domain.LineItemInput{
		{Date: "2024-01-05", ProductName: "Pen", Quantity: 3, UnitPrice: price("2.00")},
		{Date: "05/01/2024", ProductName: "Pad", Quantity: 1, UnitPrice: price("5.00")},
		{Date: "2024-01-05", ProductName: "   ", Quantity: 0},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	fields := map[string]bool{}
	for _, f := range verr.Fields {
		assert.NotZero(t, f.Item)
		fields[f.Field] = true
	}
	assert.True(t, fields["date"])
	assert.True(t, fields["product_name"])
	assert.True(t, fields["quantity"])
	assert.True(t, fields["unit_price"])

	items, err := repo.ListLineItems(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestStoreBatchRequestLevelValidation(t *testing.T) {
	svc := New(memory.New(), nil, nil, Options{MaxBatchItems: 2}, zaptest.NewLogger(t))
	ctx := context.Background()

	_, err := svc.StoreBatch(ctx, "", penPad())
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	_, err = svc.StoreBatch(ctx, "u1", nil)
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	tooMany := append(penPad(), penPad()[0])
	_, err = svc.StoreBatch(ctx, "u1", tooMany)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "items", verr.Fields[0].Field)
}

func TestStoreBatchTotalPriceMustMatch(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	items := penPad()
	items[0].TotalPrice = price("6")
	_, err := svc.StoreBatch(ctx, "u1", items)
	require.NoError(t, err, "6 equals 3 x 2.00")

	items = penPad()
	items[1].TotalPrice = price("4.00")
	_, err = svc.StoreBatch(ctx, "u1", items)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, FieldError{Item: 2, Field: "total_price", Message: "must equal quantity x unit_price (5.00)"}, verr.Fields[0])
}

func TestStoreBatchRejectsSubCentPrices(t *testing.T) {
	svc := newTestService(t, nil, nil)
	_, err := svc.StoreBatch(context.Background(), "u1", []domain.LineItemInput{
		{Date: "2024-01-05", ProductName: "Pen", Quantity: 1, UnitPrice: price("0.001")},
	})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "unit_price", verr.Fields[0].Field)
}

func TestStoreBatchAcceptsZeroPrice(t *testing.T) {
	svc := newTestService(t, nil, nil)
	result, err := svc.StoreBatch(context.Background(), "u1", []domain.LineItemInput{
		{Date: "2024-01-05", ProductName: "Sample", Quantity: 2, UnitPrice: price("0")},
	})
	require.NoError(t, err)
	assert.True(t, result.TotalPrice.IsZero())
}

func TestStoreBatchMapsStoreFailureToUnavailable(t *testing.T) {
	repo := &failingRepo{Repository: memory.New(), createErr: errors.New("connection refused")}
	svc := newTestService(t, repo, nil)

	_, err := svc.StoreBatch(context.Background(), "u1", penPad())
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestConcurrentBatchesGetDistinctSaleIDs(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	const writers = 40
	ids := make([]int64, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := "u1"
			if i%2 == 1 {
				user = "u2"
			}
			result, err := svc.StoreBatch(ctx, user, penPad())
			if err != nil {
				t.Errorf("store batch: %v", err)
				return
			}
			ids[i] = result.SaleID
		}(i)
	}
	wg.Wait()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for i, id := range ids {
		assert.Equal(t, int64(i+1), id)
	}

	next, err := svc.NextSaleID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(writers+1), next.NextSaleID)
}

func TestGetDashboardEmpty(t *testing.T) {
	svc := newTestService(t, nil, nil)

	dash, err := svc.GetDashboard(context.Background(), "nobody", 0)
	require.NoError(t, err)
	assert.Empty(t, dash.Items)
	assert.NotNil(t, dash.Items)
	assert.Equal(t, 0, dash.ItemCount)
	assert.True(t, dash.TotalEarnings.IsZero())
	assert.Equal(t, 0, dash.TotalQuantity)
	assert.Nil(t, dash.MostSoldProduct)
	assert.Nil(t, dash.HighestSaleItem)
	assert.Equal(t, 0, dash.PerProductQuantity.Len())
	assert.Nil(t, dash.Forecast)
}

func TestGetDashboardMonthFilter(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.StoreBatch(ctx, "u1", []domain.LineItemInput{
		{Date: "2023-01-20", ProductName: "Pen", Quantity: 1, UnitPrice: price("1.00")},
		{Date: "2024-02-01", ProductName: "Pad", Quantity: 2, UnitPrice: price("1.00")},
		{Date: "2024-01-02", ProductName: "Ink", Quantity: 3, UnitPrice: price("1.00")},
	})
	require.NoError(t, err)

	dash, err := svc.GetDashboard(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, dash.Month)
	assert.Equal(t, 2, dash.ItemCount)
	assert.Equal(t, 4, dash.TotalQuantity)

	_, err = svc.GetDashboard(ctx, "u1", 13)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
	_, err = svc.GetDashboard(ctx, "u1", -1)
	assert.ErrorIs(t, err, store.ErrInvalidInput)
}

func TestGetDashboardGroupsNamesCaseInsensitively(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.StoreBatch(ctx, "u1", []domain.LineItemInput{
		{Date: "2024-01-05", ProductName: "Pen", Quantity: 2, UnitPrice: price("1.00")},
	})
	require.NoError(t, err)
	_, err = svc.StoreBatch(ctx, "u1", []domain.LineItemInput{
		{Date: "2024-01-06", ProductName: "  PEN", Quantity: 5, UnitPrice: price("1.00")},
		{Date: "2024-01-06", ProductName: "pad", Quantity: 5, UnitPrice: price("1.00")},
	})
	require.NoError(t, err)

	dash, err := svc.GetDashboard(ctx, "u1", 0)
	require.NoError(t, err)
	qty, ok := dash.PerProductQuantity.Get("pen")
	require.True(t, ok)
	assert.Equal(t, 7, qty)
	assert.Equal(t, 2, dash.PerProductQuantity.Len())
	require.NotNil(t, dash.MostSoldProduct)
	assert.Equal(t, "PEN", dash.MostSoldProduct.ProductName, "ties keep the first row seen")
}

func TestGetDashboardIncludesForecast(t *testing.T) {
	svc := newTestService(t, nil, stubForecaster{result: domain.Forecast{"pen": 4, "ink": 1.5}})

	dash, err := svc.GetDashboard(context.Background(), "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, []domain.ForecastRow{
		{ProductName: "ink", PredictedQuantity: 1.5},
		{ProductName: "pen", PredictedQuantity: 4},
	}, dash.Forecast)
}

func TestGetDashboardSurvivesForecastFailure(t *testing.T) {
	svc := newTestService(t, nil, stubForecaster{err: forecast.ErrUnavailable})
	ctx := context.Background()

	_, err := svc.StoreBatch(ctx, "u1", penPad())
	require.NoError(t, err)

	dash, err := svc.GetDashboard(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, dash.ItemCount)
	assert.Nil(t, dash.Forecast)

	raw, err := json.Marshal(dash)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"forecast"`)
}

func TestForecastFailureIsNotWarnedAgain(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	svc := New(memory.New(), stubForecaster{err: forecast.ErrUnavailable}, &mapCache{}, Options{}, zap.New(core))
	ctx := context.Background()

	_, err := svc.GetDashboard(ctx, "u1", 0)
	require.NoError(t, err)
	resp, err := svc.GetForecast(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, resp.Available)

	assert.Zero(t, logs.Len(), "the forecast client already warns about its own failures")
}

func TestGetDashboardStoreFailure(t *testing.T) {
	repo := &failingRepo{Repository: memory.New(), listErr: context.DeadlineExceeded}
	svc := newTestService(t, repo, stubForecaster{delay: time.Second})

	start := time.Now()
	_, err := svc.GetDashboard(context.Background(), "u1", 0)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Less(t, time.Since(start), 500*time.Millisecond, "store failure cancels the forecast branch")
}

func TestGetForecastReportsAvailability(t *testing.T) {
	ctx := context.Background()

	up := newTestService(t, nil, stubForecaster{result: domain.Forecast{"pen": 2}})
	resp, err := up.GetForecast(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, resp.Available)
	assert.Equal(t, 2.0, resp.Forecast["pen"])

	down := newTestService(t, nil, stubForecaster{err: forecast.ErrUnavailable})
	resp, err = down.GetForecast(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, resp.Available)
	assert.Empty(t, resp.Forecast)
}

func TestGetSalesHistory(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.StoreBatch(ctx, "u1", penPad())
	require.NoError(t, err)
	_, err = svc.StoreBatch(ctx, "u2", penPad())
	require.NoError(t, err)

	rows, err := svc.GetSalesHistory(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []domain.HistoryRow{
		{Date: "2024-01-05", ProductName: "Pen", Quantity: 3},
		{Date: "2024-01-05", ProductName: "Pad", Quantity: 1},
	}, rows)
}

func TestBarcodeRegisterAndLookupUsesCache(t *testing.T) {
	repo := &failingRepo{Repository: memory.New()}
	svc := newTestService(t, repo, nil)
	ctx := context.Background()

	created, err := svc.RegisterBarcode(ctx, domain.BarcodeRegistration{
		Barcode: " 8991234 ", UserID: "u1", ProductName: "Pen", Price: price("2.50"),
	})
	require.NoError(t, err)
	assert.Equal(t, "8991234", created.Barcode)

	found, err := svc.LookupBarcode(ctx, "8991234", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Pen", found.ProductName)
	assert.Equal(t, 0, repo.getCalls, "registration primes the cache")

	_, err = svc.LookupBarcode(ctx, "8991234", "u2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, repo.getCalls)
}

func TestBarcodeLookupDoesNotCrossUsersThroughSeparators(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.RegisterBarcode(ctx, domain.BarcodeRegistration{
		Barcode: "456", UserID: "google:123", ProductName: "Secret", Price: price("9.99"),
	})
	require.NoError(t, err)

	_, err = svc.LookupBarcode(ctx, "123:456", "google")
	assert.ErrorIs(t, err, store.ErrNotFound)

	found, err := svc.LookupBarcode(ctx, "456", "google:123")
	require.NoError(t, err)
	assert.Equal(t, "Secret", found.ProductName)
}

func TestBarcodeLookupIgnoresCachedRecordOfAnotherUser(t *testing.T) {
	c := &mapCache{}
	require.NoError(t, c.SetJSON(context.Background(), cache.BarcodeKey("u1", "777"), domain.BarcodeRecord{
		Barcode: "777", UserID: "u2", ProductName: "Foreign", Price: decimal.RequireFromString("1"),
	}, time.Minute))

	svc := New(memory.New(), nil, c, Options{}, zaptest.NewLogger(t))
	_, err := svc.LookupBarcode(context.Background(), "777", "u1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBarcodeLookupFallsBackToStoreWhenCacheFails(t *testing.T) {
	repo := memory.New()
	_, err := repo.CreateBarcode(context.Background(), domain.BarcodeRecord{
		Barcode: "123", UserID: "u1", ProductName: "Pad", Price: decimal.RequireFromString("5"),
	})
	require.NoError(t, err)

	svc := New(repo, nil, &mapCache{err: errors.New("redis down")}, Options{}, zaptest.NewLogger(t))
	found, err := svc.LookupBarcode(context.Background(), "123", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Pad", found.ProductName)
}

func TestRegisterBarcodeConflictKeepsOriginal(t *testing.T) {
	svc := newTestService(t, nil, nil)
	ctx := context.Background()

	_, err := svc.RegisterBarcode(ctx, domain.BarcodeRegistration{Barcode: "123", UserID: "u1", ProductName: "Pen", Price: price("2.00")})
	require.NoError(t, err)

	_, err = svc.RegisterBarcode(ctx, domain.BarcodeRegistration{Barcode: "123", UserID: "u1", ProductName: "Marker", Price: price("9.00")})
	assert.ErrorIs(t, err, store.ErrConflict)

	found, err := svc.LookupBarcode(ctx, "123", "u1")
	require.NoError(t, err)
	assert.Equal(t, "Pen", found.ProductName)
}

func TestRegisterBarcodeValidation(t *testing.T) {
	svc := newTestService(t, nil, nil)

	_, err := svc.RegisterBarcode(context.Background(), domain.BarcodeRegistration{Barcode: "", UserID: "u1", ProductName: "Pen"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	fields := map[string]bool{}
	for _, f := range verr.Fields {
		fields[f.Field] = true
	}
	assert.True(t, fields["barcode"])
	assert.True(t, fields["price"])
}

func TestParseMonth(t *testing.T) {
	cases := map[string]struct {
		want    int
		wantErr bool
	}{
		"":    {want: 0},
		"0":   {want: 0},
		"1":   {want: 1},
		"12":  {want: 12},
		"13":  {wantErr: true},
		"-2":  {wantErr: true},
		"jan": {wantErr: true},
	}
	for raw, tc := range cases {
		got, err := ParseMonth(raw)
		if tc.wantErr {
			assert.ErrorIsf(t, err, store.ErrInvalidInput, "month %q", raw)
			continue
		}
		require.NoErrorf(t, err, "month %q", raw)
		assert.Equal(t, tc.want, got)
	}
}
