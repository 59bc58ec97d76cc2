package yahoo

import (
	"context"
	"errors"
	"time"

	"quotefeed/internal/quote"
	"quotefeed/internal/ratelimit"
)

type Config struct {
	// DefaultCurrency is used when the chart meta omits one.
	DefaultCurrency string
}

// Adapter is the primary market adapter. It answers ticker lookups,
// previous-close pairs for daily changes, and daily historical series, all
// from the chart API.
type Adapter struct {
	cfg     Config
	client  *Client
	limiter *ratelimit.TokenBucket
}

func New(cfg Config, client *Client) *Adapter {
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = "USD"
	}
	return &Adapter{cfg: cfg, client: client}
}

// WithLimiter attaches an outbound request limiter.
func (a *Adapter) WithLimiter(tb *ratelimit.TokenBucket) *Adapter {
	a.limiter = tb
	return a
}

// Lookup resolves a current quote by ticker. The price is taken from the
// first usable field: regularMarketPrice, previousClose, chartPreviousClose,
// then the last non-null close of the day's series.
func (a *Adapter) Lookup(ctx context.Context, ticker string) (*quote.Quote, error) {
	chart, err := a.getChart(ctx, ticker, "1d", "1d")
	if err != nil {
		return nil, err
	}

	price := firstPositive(
		chart.Meta.RegularMarketPrice,
		chart.Meta.PreviousClose,
		chart.Meta.ChartPreviousClose,
		lastClose(chart),
	)
	if price <= 0 {
		return nil, quote.NotFoundErr(quote.SourceYahoo, "lookup "+ticker)
	}

	return &quote.Quote{
		Price:       price,
		Currency:    currencyOr(chart.Meta.Currency, a.cfg.DefaultCurrency),
		DisplayName: displayName(chart.Meta, ticker),
		Source:      quote.SourceYahoo,
		Kind:        kindOr(chart.Meta.InstrumentType),
		AsOf:        marketTime(chart.Meta),
	}, nil
}

// PreviousClose returns the last traded price and the previous close, for
// day-over-day change computation. Both must be positive to be usable.
func (a *Adapter) PreviousClose(ctx context.Context, ticker string) (last, prev float64, asOf time.Time, err error) {
	chart, err := a.getChart(ctx, ticker, "1d", "1d")
	if err != nil {
		return 0, 0, time.Time{}, err
	}
	last = chart.Meta.RegularMarketPrice
	if last <= 0 {
		last = lastClose(chart)
	}
	prev = firstPositive(chart.Meta.PreviousClose, chart.Meta.ChartPreviousClose)
	if last <= 0 || prev <= 0 {
		return 0, 0, time.Time{}, quote.NotFoundErr(quote.SourceYahoo, "previous close "+ticker)
	}
	return last, prev, marketTime(chart.Meta), nil
}

// History fetches a daily series for the given chart range token
// ("1mo".."max"). Null closes are skipped; prices are rounded to the
// canonical 4 decimals.
func (a *Adapter) History(ctx context.Context, ticker, period string) (*quote.HistoricalSeries, error) {
	chart, err := a.getChart(ctx, ticker, period, "1d")
	if err != nil {
		return nil, err
	}
	if len(chart.Indicators.Quote) == 0 {
		return nil, quote.NotFoundErr(quote.SourceYahoo, "history "+ticker)
	}

	closes := chart.Indicators.Quote[0].Close
	series := &quote.HistoricalSeries{Source: quote.SourceYahoo}
	for i, ts := range chart.Timestamp {
		if i >= len(closes) || closes[i] == nil || *closes[i] <= 0 {
			continue
		}
		day := time.Unix(ts, 0).UTC().Truncate(24 * time.Hour)
		series.Points = append(series.Points, quote.Point{Date: day, Price: quote.Round4(*closes[i])})
	}
	if len(series.Points) == 0 {
		return nil, quote.NotFoundErr(quote.SourceYahoo, "history "+ticker)
	}
	series.Normalize()
	return series, nil
}

func (a *Adapter) getChart(ctx context.Context, ticker, rng, interval string) (*Chart, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, quote.TransportErr(quote.SourceYahoo, "rate gate", err)
		}
	}
	chart, err := a.client.GetChart(ctx, ticker, rng, interval)
	if err != nil {
		var ae *apiError
		if errors.As(err, &ae) {
			return nil, quote.NotFoundErr(quote.SourceYahoo, "chart "+ticker)
		}
		return nil, quote.TransportErr(quote.SourceYahoo, "chart "+ticker, err)
	}
	return chart, nil
}

func firstPositive(vs ...float64) float64 {
	for _, v := range vs {
		if v > 0 {
			return v
		}
	}
	return 0
}

func lastClose(chart *Chart) float64 {
	if len(chart.Indicators.Quote) == 0 {
		return 0
	}
	closes := chart.Indicators.Quote[0].Close
	for i := len(closes) - 1; i >= 0; i-- {
		if closes[i] != nil && *closes[i] > 0 {
			return *closes[i]
		}
	}
	return 0
}

func displayName(m Meta, fallback string) string {
	if m.ShortName != "" {
		return m.ShortName
	}
	if m.LongName != "" {
		return m.LongName
	}
	if m.Symbol != "" {
		return m.Symbol
	}
	return fallback
}

func currencyOr(c, def string) string {
	if c != "" {
		return c
	}
	return def
}

func kindOr(t string) string {
	if t == "" {
		return "Unknown"
	}
	return t
}

func marketTime(m Meta) time.Time {
	if m.RegularMarketTime <= 0 {
		return time.Time{}
	}
	return time.Unix(m.RegularMarketTime, 0).UTC()
}
