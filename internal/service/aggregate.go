package service

import (
	"github.com/shopspring/decimal"

	"salesdash/backend/internal/domain"
)

// Summarize derives the dashboard aggregates from items in their stored order.
// Most sold and highest sale are single rows; ties keep the first row seen.
func Summarize(items []domain.LineItem) domain.Summary {
	summary := domain.Summary{
		TotalEarnings:      decimal.Zero,
		PerProductQuantity: domain.NewQuantityMap(),
	}

	for i := range items {
		item := items[i]
		summary.TotalEarnings = summary.TotalEarnings.Add(item.TotalPrice)
		summary.TotalQuantity += item.Quantity
		summary.PerProductQuantity.Add(domain.NormalizeProductName(item.ProductName), item.Quantity)

		if summary.MostSoldProduct == nil || item.Quantity > summary.MostSoldProduct.Quantity {
			mostSold := item
			summary.MostSoldProduct = &mostSold
		}
		if summary.HighestSaleItem == nil || item.TotalPrice.GreaterThan(summary.HighestSaleItem.TotalPrice) {
			highest := item
			summary.HighestSaleItem = &highest
		}
	}

	return summary
}
