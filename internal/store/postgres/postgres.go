package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"salesdash/backend/internal/domain"
	"salesdash/backend/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const (
	maxCreateAttempts = 5
	// saleIDLockKey serializes sale id allocation across every writer that
	// shares the database.
	saleIDLockKey int64 = 0x73616c6573
)

// saleTxOptions must stay READ COMMITTED: the MAX(sale_id) read has to see
// rows committed while this writer waited on the advisory lock. A snapshot
// level would pin the snapshot at the lock statement and read a stale max.
var saleTxOptions = sql.TxOptions{Isolation: sql.LevelReadCommitted}

type Store struct {
	db      *sql.DB
	logger  *zap.Logger
	onRetry func()
}

func New(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger.Named("postgres")}, nil
}

// OnRetry registers a hook invoked each time CreateSale retries after a
// serialization failure or key collision.
func (s *Store) OnRetry(fn func()) {
	s.onRetry = fn
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schemaSQL)
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) NextSaleID(ctx context.Context) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sale_id), 0) + 1
		FROM line_items
	`).Scan(&next)
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *Store) CreateSale(ctx context.Context, userID string, items []domain.LineItem) (int64, []domain.LineItem, error) {
	if strings.TrimSpace(userID) == "" || len(items) == 0 {
		return 0, nil, store.ErrInvalidInput
	}
	for _, item := range items {
		if item.Quantity < 1 || item.UnitPrice.IsNegative() || strings.TrimSpace(item.ProductName) == "" {
			return 0, nil, store.ErrInvalidInput
		}
	}

	backoff := 10 * time.Millisecond
	for attempt := 1; ; attempt++ {
		saleID, saved, err := s.createSaleOnce(ctx, userID, items)
		if err == nil {
			return saleID, saved, nil
		}
		if !isRetryable(err) || attempt >= maxCreateAttempts {
			return 0, nil, err
		}

		s.logger.Warn("retrying sale insert",
			zap.Int("attempt", attempt),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		if s.onRetry != nil {
			s.onRetry()
		}

		select {
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (s *Store) createSaleOnce(ctx context.Context, userID string, items []domain.LineItem) (int64, []domain.LineItem, error) {
	opts := saleTxOptions
	tx, err := s.db.BeginTx(ctx, &opts)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, saleIDLockKey); err != nil {
		return 0, nil, err
	}

	var saleID int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sale_id), 0) + 1
		FROM line_items
	`).Scan(&saleID); err != nil {
		return 0, nil, err
	}

	createdAt := time.Now().UTC()
	saved := make([]domain.LineItem, 0, len(items))
	for i, item := range items {
		item.UserID = userID
		item.SaleID = saleID
		item.LineNo = i + 1
		item.CreatedAt = createdAt
		_, err := tx.ExecContext(ctx, `
			INSERT INTO line_items (
				sale_id, line_no, user_id, sale_date, product_name,
				quantity, unit_price, total_price, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, item.SaleID, item.LineNo, item.UserID, item.Date.Time, item.ProductName,
			item.Quantity, item.UnitPrice, item.TotalPrice, item.CreatedAt)
		if err != nil {
			return 0, nil, err
		}
		saved = append(saved, item)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return saleID, saved, nil
}

func (s *Store) ListLineItems(ctx context.Context, userID string, month int) ([]domain.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sale_id, line_no, user_id, sale_date, product_name,
		       quantity, unit_price, total_price, created_at
		FROM line_items
		WHERE user_id = $1
		  AND ($2::int = 0 OR EXTRACT(MONTH FROM sale_date)::int = $2::int)
		ORDER BY sale_id, line_no
	`, userID, month)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.LineItem, 0, 64)
	for rows.Next() {
		var item domain.LineItem
		var saleDate time.Time
		if err := rows.Scan(
			&item.SaleID, &item.LineNo, &item.UserID, &saleDate, &item.ProductName,
			&item.Quantity, &item.UnitPrice, &item.TotalPrice, &item.CreatedAt,
		); err != nil {
			return nil, err
		}
		item.Date = domain.DateOf(saleDate)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetBarcode(ctx context.Context, barcode string, userID string) (*domain.BarcodeRecord, error) {
	var record domain.BarcodeRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT barcode, user_id, product_name, price, created_at
		FROM barcodes
		WHERE barcode = $1 AND user_id = $2
	`, barcode, userID).Scan(&record.Barcode, &record.UserID, &record.ProductName, &record.Price, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (s *Store) CreateBarcode(ctx context.Context, record domain.BarcodeRecord) (*domain.BarcodeRecord, error) {
	if record.Barcode == "" || record.UserID == "" || record.ProductName == "" || record.Price.IsNegative() {
		return nil, store.ErrInvalidInput
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO barcodes (barcode, user_id, product_name, price, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, record.Barcode, record.UserID, record.ProductName, record.Price.Round(2), record.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	created := record
	created.Price = record.Price.Round(2)
	return &created, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// isRetryable reports serialization failures, deadlocks and primary key
// collisions. All three leave nothing committed. With the advisory lock held
// none is expected; a writer outside this store can still cause them.
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505":
		return true
	}
	return false
}
