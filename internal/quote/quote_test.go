package quote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdentity_KeyDistinguishesLookupShapes(t *testing.T) {
	tickerOnly := Identity{Ticker: "QDVE.DE"}
	isinOnly := Identity{ISIN: "IE00B4L5Y983"}
	combined := Identity{Ticker: "QDVE.DE", ISIN: "IE00B4L5Y983"}

	require.NotEqual(t, tickerOnly.Key(), isinOnly.Key())
	require.NotEqual(t, tickerOnly.Key(), combined.Key())
	require.NotEqual(t, isinOnly.Key(), combined.Key())
}

func TestIsISIN(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"IE00B4L5Y983", true},
		{"LU0274208692", true},
		{"US0378331005", true},
		{"AAPL", false},
		{"QDVE.DE", false},
		{"1E00B4L5Y983", false}, // digit in country code
		{"IE00B4L5Y98", false},  // 11 chars
		{"IE00B4L5Y9834", false},
		{"IE00B4L5Y98-", false},
		{"", false},
	}
	for _, c := range cases {
		require.Equal(t, c.want, IsISIN(c.in), "IsISIN(%q)", c.in)
	}
}

func TestQuote_TradableVsInformational(t *testing.T) {
	tradable := Quote{Price: 36.0, DisplayName: "iShares S&P 500 IT Sector"}
	require.True(t, tradable.Tradable())
	require.False(t, tradable.Informational())

	info := Quote{Price: 0, DisplayName: "iShares S&P 500 IT Sector"}
	require.False(t, info.Tradable())
	require.True(t, info.Informational())

	empty := Quote{}
	require.False(t, empty.Tradable())
	require.False(t, empty.Informational())
}

func TestHistoricalSeries_NormalizeSortsAndDedupes(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC) }
	s := HistoricalSeries{Points: []Point{
		{Date: d(3), Price: 10},
		{Date: d(1), Price: 9},
		{Date: d(3), Price: 11}, // duplicate date, later value wins
		{Date: d(2), Price: 9.5},
	}}
	s.Normalize()

	require.Len(t, s.Points, 3)
	for i := 1; i < len(s.Points); i++ {
		require.True(t, s.Points[i-1].Date.Before(s.Points[i].Date))
	}
	require.Equal(t, 11.0, s.Points[2].Price)
}

func TestHistoricalSeries_LastGapDays(t *testing.T) {
	d := func(day int) time.Time { return time.Date(2025, 6, day, 0, 0, 0, 0, time.UTC) }

	s := HistoricalSeries{Points: []Point{{Date: d(2)}, {Date: d(9)}}}
	require.Equal(t, 7, s.LastGapDays())

	s = HistoricalSeries{Points: []Point{{Date: d(5)}, {Date: d(6)}}}
	require.Equal(t, 1, s.LastGapDays())

	s = HistoricalSeries{Points: []Point{{Date: d(5)}}}
	require.Equal(t, -1, s.LastGapDays())
}
