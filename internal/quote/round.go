package quote

import "github.com/shopspring/decimal"

// Round4 rounds a price to the canonical 4 decimal places used for
// historical series points, going through decimal to avoid accumulating
// binary float artifacts over long series.
func Round4(v float64) float64 {
	return decimal.NewFromFloat(v).Round(4).InexactFloat64()
}
