package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// LineItem is one product movement inside a sale. Rows are written once and
// never updated.
type LineItem struct {
	UserID      string          `json:"user_id"`
	SaleID      int64           `json:"sale_id"`
	LineNo      int             `json:"line_no"`
	Date        Date            `json:"date"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TotalPrice  decimal.Decimal `json:"total_price"`
	CreatedAt   time.Time       `json:"created_at"`
}

// LineItemInput is the caller-supplied draft of a line item.
type LineItemInput struct {
	Date        string           `json:"date" validate:"required,datetime=2006-01-02"`
	ProductName string           `json:"product_name" validate:"required,max=255"`
	Quantity    int              `json:"quantity" validate:"gt=0,lte=1000000"`
	UnitPrice   *decimal.Decimal `json:"unit_price" validate:"required,gte=0"`
	TotalPrice  *decimal.Decimal `json:"total_price,omitempty" validate:"omitempty,gte=0"`
}

type SaleRequest struct {
	Items []LineItemInput `json:"items"`
}

type SaleResult struct {
	SaleID     int64           `json:"sale_id"`
	ItemCount  int             `json:"item_count"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

type NextSaleIDResponse struct {
	NextSaleID int64 `json:"next_sale_id"`
}

type BarcodeRecord struct {
	Barcode     string          `json:"barcode"`
	UserID      string          `json:"user_id"`
	ProductName string          `json:"product_name"`
	Price       decimal.Decimal `json:"price"`
	CreatedAt   time.Time       `json:"created_at"`
}

type BarcodeRegistration struct {
	Barcode     string           `json:"barcode" validate:"required,max=64"`
	UserID      string           `json:"-" validate:"required"`
	ProductName string           `json:"product_name" validate:"required,max=255"`
	Price       *decimal.Decimal `json:"price" validate:"required,gte=0"`
}

type HistoryRow struct {
	Date        string `json:"date"`
	ProductName string `json:"product_name"`
	Quantity    int    `json:"quantity"`
}
