package extract

import (
	"math"

	"github.com/ST33ZEmachine/printshop/pkg/models"
)

// ComputePrices derives unit_price and total_revenue from the raw extracted
// price. A per_unit price multiplies out to the total; a total price divides
// down to the unit. Quantities below 1 are treated as 1.
func ComputePrices(rawPrice *float64, quantity int, kind models.PriceKind) (unitPrice, totalRevenue *float64) {
	if rawPrice == nil {
		return nil, nil
	}
	if quantity < 1 {
		quantity = 1
	}

	var unit, total float64
	if kind == models.PricePerUnit {
		unit = *rawPrice
		total = round2(unit * float64(quantity))
	} else {
		total = *rawPrice
		unit = round2(total / float64(quantity))
	}
	return &unit, &total
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
