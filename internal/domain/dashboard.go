package domain

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// NormalizeProductName is the key used to group line items and forecast
// entries by product.
func NormalizeProductName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// QuantityMap maps a product key to a summed quantity and remembers the order
// in which keys were first added. It serializes as a JSON object whose keys
// keep that order.
type QuantityMap struct {
	keys   []string
	values map[string]int
}

func NewQuantityMap() *QuantityMap {
	return &QuantityMap{values: make(map[string]int)}
}

func (m *QuantityMap) Add(key string, qty int) {
	if m.values == nil {
		m.values = make(map[string]int)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] += qty
}

func (m *QuantityMap) Get(key string) (int, bool) {
	if m == nil || m.values == nil {
		return 0, false
	}
	qty, ok := m.values[key]
	return qty, ok
}

func (m *QuantityMap) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

func (m *QuantityMap) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

func (m *QuantityMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if m != nil {
		for i, key := range m.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			encodedKey, err := json.Marshal(key)
			if err != nil {
				return nil, err
			}
			buf.Write(encodedKey)
			buf.WriteByte(':')
			encodedValue, err := json.Marshal(m.values[key])
			if err != nil {
				return nil, err
			}
			buf.Write(encodedValue)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Forecast maps a normalized product name to its predicted quantity.
type Forecast map[string]float64

// Rows returns the forecast sorted by product name.
func (f Forecast) Rows() []ForecastRow {
	rows := make([]ForecastRow, 0, len(f))
	for name, qty := range f {
		rows = append(rows, ForecastRow{ProductName: name, PredictedQuantity: qty})
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].ProductName < rows[j].ProductName
	})
	return rows
}

type ForecastRow struct {
	ProductName       string  `json:"product_name"`
	PredictedQuantity float64 `json:"predicted_quantity"`
}

type ForecastResponse struct {
	Available bool     `json:"available"`
	Forecast  Forecast `json:"forecast"`
}

// Summary holds the aggregates derived from a set of line items.
type Summary struct {
	TotalEarnings      decimal.Decimal `json:"total_earnings"`
	TotalQuantity      int             `json:"total_quantity"`
	MostSoldProduct    *LineItem       `json:"most_sold_product"`
	HighestSaleItem    *LineItem       `json:"highest_sale_item"`
	PerProductQuantity *QuantityMap    `json:"per_product_quantity"`
}

type Dashboard struct {
	UserID    string        `json:"user_id"`
	Month     int           `json:"month,omitempty"`
	Items     []LineItem    `json:"items"`
	ItemCount int           `json:"item_count"`
	Forecast  []ForecastRow `json:"forecast,omitempty"`
	Summary
}
