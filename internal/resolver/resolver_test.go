package resolver_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quotefeed/internal/quote"
	"quotefeed/internal/resolver"
)

type fakeMarket struct {
	q           *quote.Quote
	err         error
	lookupCalls int

	// byTicker, when set, answers Lookup per ticker; unknown tickers miss.
	byTicker map[string]*quote.Quote

	last, prev float64
	asOf       time.Time
	prevErr    error

	hist      *quote.HistoricalSeries
	histErr   error
	histCalls int
}

func (f *fakeMarket) Lookup(ctx context.Context, ticker string) (*quote.Quote, error) {
	f.lookupCalls++
	if f.byTicker != nil {
		if q, ok := f.byTicker[ticker]; ok {
			return q, nil
		}
		return nil, quote.NotFoundErr(quote.SourceYahoo, "lookup "+ticker)
	}
	return f.q, f.err
}

func (f *fakeMarket) PreviousClose(ctx context.Context, ticker string) (last, prev float64, asOf time.Time, err error) {
	return f.last, f.prev, f.asOf, f.prevErr
}

func (f *fakeMarket) History(ctx context.Context, ticker, period string) (*quote.HistoricalSeries, error) {
	f.histCalls++
	return f.hist, f.histErr
}

type fakeFund struct {
	q           *quote.Quote
	err         error
	lookupCalls int
}

func (f *fakeFund) LookupISIN(ctx context.Context, isin string) (*quote.Quote, error) {
	f.lookupCalls++
	return f.q, f.err
}

type fakeETF struct {
	q           *quote.Quote
	err         error
	lookupCalls int

	pct         float64
	asOf        time.Time
	changeErr   error
	changeCalls int

	hist      *quote.HistoricalSeries
	histErr   error
	histCalls int

	ticker    string
	tickerErr error
}

func (f *fakeETF) LookupISIN(ctx context.Context, isin string) (*quote.Quote, error) {
	f.lookupCalls++
	return f.q, f.err
}

func (f *fakeETF) DailyChange(ctx context.Context, isin string) (float64, time.Time, error) {
	f.changeCalls++
	return f.pct, f.asOf, f.changeErr
}

func (f *fakeETF) History(ctx context.Context, isin, period string) (*quote.HistoricalSeries, error) {
	f.histCalls++
	return f.hist, f.histErr
}

func (f *fakeETF) SuggestTicker(ctx context.Context, isin string) (string, error) {
	return f.ticker, f.tickerErr
}

func tradable(src quote.Source, price float64) *quote.Quote {
	return &quote.Quote{Price: price, Currency: "EUR", DisplayName: "Test Instrument", Source: src}
}

func day(d int) time.Time {
	return time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC)
}

func seriesOf(src quote.Source, points ...quote.Point) *quote.HistoricalSeries {
	return &quote.HistoricalSeries{Points: points, Source: src}
}

const testISIN = "IE00B4L5Y983"

func TestResolve_MarketAdapterWins(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{q: tradable(quote.SourceYahoo, 227.52)}
	fund := &fakeFund{err: quote.NotFoundErr(quote.SourceMorningstar, "x")}
	etf := &fakeETF{err: quote.NotFoundErr(quote.SourceJustETF, "x")}
	r := resolver.New(resolver.Config{Market: m, Fund: fund, ETF: etf})

	q, err := r.Resolve(t.Context(), "AAPL", testISIN)
	require.NoError(t, err)
	require.Equal(t, quote.SourceYahoo, q.Source)
	require.Equal(t, 0, fund.lookupCalls, "tradable market quote must short-circuit the chain")
	require.Equal(t, 0, etf.lookupCalls)
}

func TestResolve_FallsThroughToFundThenETF(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{err: quote.NotFoundErr(quote.SourceYahoo, "lookup")}
	fund := &fakeFund{err: quote.NotFoundErr(quote.SourceMorningstar, "lookup")}
	etf := &fakeETF{q: tradable(quote.SourceJustETF, 105.42)}
	r := resolver.New(resolver.Config{Market: m, Fund: fund, ETF: etf})

	q, err := r.Resolve(t.Context(), "BOGUS", testISIN)
	require.NoError(t, err)
	require.Equal(t, quote.SourceJustETF, q.Source)
	require.Equal(t, 1, m.lookupCalls)
	require.Equal(t, 1, fund.lookupCalls)
}

func TestResolve_InformationalPrefersETFProvider(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{err: quote.NotFoundErr(quote.SourceYahoo, "lookup")}
	fund := &fakeFund{q: &quote.Quote{DisplayName: "True Value FI", Source: quote.SourceMorningstar}}
	etf := &fakeETF{q: &quote.Quote{
		DisplayName:     "iShares Core MSCI World",
		Source:          quote.SourceJustETF,
		SuggestedTicker: "EUNL.DE",
	}}
	r := resolver.New(resolver.Config{Market: m, Fund: fund, ETF: etf})

	q, err := r.Resolve(t.Context(), "X", testISIN)
	require.NoError(t, err)
	require.True(t, q.Informational())
	require.Equal(t, quote.SourceJustETF, q.Source)
	require.Equal(t, "EUNL.DE", q.SuggestedTicker)
}

func TestResolve_IdentityEchoIsNotInformational(t *testing.T) {
	t.Parallel()

	// A display name that merely repeats the ISIN identifies nothing.
	fund := &fakeFund{q: &quote.Quote{DisplayName: testISIN, Source: quote.SourceMorningstar}}
	etf := &fakeETF{err: quote.NotFoundErr(quote.SourceJustETF, "lookup")}
	r := resolver.New(resolver.Config{Fund: fund, ETF: etf})

	_, err := r.Resolve(t.Context(), "", testISIN)
	require.Error(t, err)
}

func TestResolve_CacheHitSkipsSecondLookup(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{q: tradable(quote.SourceYahoo, 100)}
	r := resolver.New(resolver.Config{Market: m})

	first, err := r.Resolve(t.Context(), "AAPL", "")
	require.NoError(t, err)
	second, err := r.Resolve(t.Context(), "AAPL", "")
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, 1, m.lookupCalls)

	// A combined identity is a different cache key.
	_, err = r.Resolve(t.Context(), "AAPL", testISIN)
	require.NoError(t, err)
	require.Equal(t, 2, m.lookupCalls)
}

func TestResolve_FailureIsNotCached(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{err: quote.TransportErr(quote.SourceYahoo, "lookup", context.DeadlineExceeded)}
	r := resolver.New(resolver.Config{Market: m})

	_, err := r.Resolve(t.Context(), "AAPL", "")
	require.Error(t, err)

	m.err = nil
	m.q = tradable(quote.SourceYahoo, 100)
	q, err := r.Resolve(t.Context(), "AAPL", "")
	require.NoError(t, err)
	require.True(t, q.Tradable())
	require.Equal(t, 2, m.lookupCalls, "transient failure must not block the retry")
}

func TestResolve_InvalidIdentity(t *testing.T) {
	t.Parallel()

	r := resolver.New(resolver.Config{})
	_, err := r.Resolve(t.Context(), "", "")
	require.ErrorIs(t, err, resolver.ErrInvalidIdentity)
}

func TestInvalidateCache(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{q: tradable(quote.SourceYahoo, 100)}
	r := resolver.New(resolver.Config{Market: m})

	_, err := r.Resolve(t.Context(), "AAPL", "")
	require.NoError(t, err)
	r.InvalidateCache()
	_, err = r.Resolve(t.Context(), "AAPL", "")
	require.NoError(t, err)
	require.Equal(t, 2, m.lookupCalls)
}

func TestValidateTicker(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{q: tradable(quote.SourceYahoo, 100)}
	r := resolver.New(resolver.Config{Market: m})

	require.True(t, r.ValidateTicker(t.Context(), "AAPL"))
	require.False(t, r.ValidateTicker(t.Context(), ""), "empty ticker")
	require.False(t, r.ValidateTicker(t.Context(), testISIN), "ISIN-shaped ticker must be rejected without a lookup")
}

func TestSuggestTicker(t *testing.T) {
	t.Parallel()

	etf := &fakeETF{ticker: "EUNL.DE"}
	r := resolver.New(resolver.Config{ETF: etf})

	ticker, err := r.SuggestTicker(t.Context(), testISIN)
	require.NoError(t, err)
	require.Equal(t, "EUNL.DE", ticker)
}

func TestSuggestTicker_TriesSuffixVariantsUntilOnePrices(t *testing.T) {
	t.Parallel()

	// The scraped Xetra symbol does not price, but the London listing does.
	m := &fakeMarket{byTicker: map[string]*quote.Quote{
		"EUNL.L": tradable(quote.SourceYahoo, 88.4),
	}}
	etf := &fakeETF{ticker: "EUNL.DE"}
	r := resolver.New(resolver.Config{Market: m, ETF: etf})

	ticker, err := r.SuggestTicker(t.Context(), testISIN)
	require.NoError(t, err)
	require.Equal(t, "EUNL.L", ticker)
}

func TestSuggestTicker_NoVariantPrices(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{byTicker: map[string]*quote.Quote{}}
	etf := &fakeETF{ticker: "EUNL.DE"}
	r := resolver.New(resolver.Config{Market: m, ETF: etf})

	_, err := r.SuggestTicker(t.Context(), testISIN)
	var fe *quote.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, quote.KindNotFound, fe.Kind)
}

func TestDailyChange_EuropeanPicksFresherSource(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{last: 230, prev: 225, asOf: day(3)}
	etf := &fakeETF{pct: 1.5, asOf: day(4)}
	r := resolver.New(resolver.Config{Market: m, ETF: etf})

	dc, err := r.DailyChange(t.Context(), testISIN, "EUNL.DE")
	require.NoError(t, err)
	require.NotNil(t, dc.ChangePct)
	require.InDelta(t, 1.5, *dc.ChangePct, 1e-9)
	require.Equal(t, quote.SourceJustETF, dc.Source)
	require.NotEmpty(t, dc.AsOfLabel)
}

func TestDailyChange_EuropeanPicksMarketWhenNewer(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{last: 230, prev: 225, asOf: day(5)}
	etf := &fakeETF{pct: 1.5, asOf: day(4)}
	r := resolver.New(resolver.Config{Market: m, ETF: etf})

	dc, err := r.DailyChange(t.Context(), testISIN, "EUNL.DE")
	require.NoError(t, err)
	require.NotNil(t, dc.ChangePct)
	require.InDelta(t, (230.0-225.0)/225.0*100, *dc.ChangePct, 1e-9)
	require.Equal(t, quote.SourceYahoo, dc.Source)
}

func TestDailyChange_SameDayTiePrefersETFProvider(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{last: 230, prev: 225, asOf: day(4).Add(16 * time.Hour)}
	etf := &fakeETF{pct: 1.5, asOf: day(4)}
	r := resolver.New(resolver.Config{Market: m, ETF: etf})

	dc, err := r.DailyChange(t.Context(), testISIN, "EUNL.DE")
	require.NoError(t, err)
	require.Equal(t, quote.SourceJustETF, dc.Source)
}

func TestDailyChange_NonEuropeanSkipsETFPath(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{last: 230, prev: 225, asOf: day(4)}
	etf := &fakeETF{pct: 1.5, asOf: day(4)}
	r := resolver.New(resolver.Config{Market: m, ETF: etf})

	dc, err := r.DailyChange(t.Context(), "US0378331005", "AAPL")
	require.NoError(t, err)
	require.Equal(t, quote.SourceYahoo, dc.Source)
	require.Equal(t, 0, etf.changeCalls, "US instruments never consult the ETF provider")
}

func TestDailyChange_HistoryFallback(t *testing.T) {
	t.Parallel()

	etf := &fakeETF{
		changeErr: quote.NotFoundErr(quote.SourceJustETF, "change"),
		hist: seriesOf(quote.SourceJustETF,
			quote.Point{Date: day(3), Price: 100},
			quote.Point{Date: day(4), Price: 102},
		),
	}
	r := resolver.New(resolver.Config{ETF: etf})

	dc, err := r.DailyChange(t.Context(), testISIN, "")
	require.NoError(t, err)
	require.NotNil(t, dc.ChangePct)
	require.InDelta(t, 2.0, *dc.ChangePct, 1e-9)
}

func TestDailyChange_WideGapSuppressesChange(t *testing.T) {
	t.Parallel()

	etf := &fakeETF{
		changeErr: quote.NotFoundErr(quote.SourceJustETF, "change"),
		hist: seriesOf(quote.SourceJustETF,
			quote.Point{Date: day(1), Price: 100},
			quote.Point{Date: day(9), Price: 102},
		),
	}
	r := resolver.New(resolver.Config{ETF: etf})

	dc, err := r.DailyChange(t.Context(), testISIN, "")
	require.NoError(t, err)
	require.Nil(t, dc.ChangePct, "an 8-day gap is an outage, not a weekend")
	require.NotEmpty(t, dc.AsOfLabel)
}

func TestHistory_ISINShapedTickerSkipsMarketAdapter(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{hist: seriesOf(quote.SourceYahoo, quote.Point{Date: day(4), Price: 1})}
	etf := &fakeETF{
		q: tradable(quote.SourceJustETF, 105.5),
		hist: seriesOf(quote.SourceJustETF,
			quote.Point{Date: day(3), Price: 100},
			quote.Point{Date: day(4), Price: 101},
		),
	}
	r := resolver.New(resolver.Config{Market: m, ETF: etf})

	s, err := r.History(t.Context(), testISIN, testISIN, "1mo")
	require.NoError(t, err)
	require.Equal(t, 0, m.histCalls)
	require.Equal(t, quote.SourceJustETF, s.Source)
}

func TestHistory_PrefersMoreRecentFinalDate(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{hist: seriesOf(quote.SourceYahoo,
		quote.Point{Date: day(3), Price: 36.0},
		quote.Point{Date: day(5), Price: 36.5},
	)}
	etf := &fakeETF{
		q: tradable(quote.SourceJustETF, 105.5),
		hist: seriesOf(quote.SourceJustETF,
			quote.Point{Date: day(3), Price: 100},
			quote.Point{Date: day(4), Price: 101},
		),
	}
	r := resolver.New(resolver.Config{Market: m, ETF: etf})

	s, err := r.History(t.Context(), "QDVE.DE", testISIN, "6mo")
	require.NoError(t, err)
	require.Equal(t, quote.SourceYahoo, s.Source)
	require.InDelta(t, 36.5, s.Points[len(s.Points)-1].Price, 1e-9, "market series keeps its own final point")
}

func TestHistory_ETFSeriesGetsLiveFinalPoint(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{histErr: quote.NotFoundErr(quote.SourceYahoo, "history")}
	etf := &fakeETF{
		q: tradable(quote.SourceJustETF, 105.5),
		hist: seriesOf(quote.SourceJustETF,
			quote.Point{Date: day(3), Price: 100},
			quote.Point{Date: day(4), Price: 101},
		),
	}
	r := resolver.New(resolver.Config{Market: m, ETF: etf})

	s, err := r.History(t.Context(), "QDVE.DE", testISIN, "1mo")
	require.NoError(t, err)
	require.Equal(t, quote.SourceJustETF, s.Source)
	require.InDelta(t, 105.5, s.Points[len(s.Points)-1].Price, 1e-9,
		"final NAV point must be replaced with the live traded price")
	require.InDelta(t, 100.0, s.Points[0].Price, 1e-9)
}

func TestHistory_CachedPerPeriod(t *testing.T) {
	t.Parallel()

	etf := &fakeETF{
		q:    tradable(quote.SourceJustETF, 105.5),
		hist: seriesOf(quote.SourceJustETF, quote.Point{Date: day(4), Price: 101}),
	}
	r := resolver.New(resolver.Config{ETF: etf})

	_, err := r.History(t.Context(), "", testISIN, "1mo")
	require.NoError(t, err)
	_, err = r.History(t.Context(), "", testISIN, "1mo")
	require.NoError(t, err)
	require.Equal(t, 1, etf.histCalls)

	_, err = r.History(t.Context(), "", testISIN, "6mo")
	require.NoError(t, err)
	require.Equal(t, 2, etf.histCalls)
}

func TestHistory_CallerMutationDoesNotCorruptCache(t *testing.T) {
	t.Parallel()

	etf := &fakeETF{
		q: tradable(quote.SourceJustETF, 105.5),
		hist: seriesOf(quote.SourceJustETF,
			quote.Point{Date: day(3), Price: 100},
			quote.Point{Date: day(4), Price: 101},
		),
	}
	r := resolver.New(resolver.Config{ETF: etf})

	first, err := r.History(t.Context(), "", testISIN, "1mo")
	require.NoError(t, err)
	first.Points[0].Price = -1

	second, err := r.History(t.Context(), "", testISIN, "1mo")
	require.NoError(t, err)
	require.Equal(t, 1, etf.histCalls, "second call must be a cache hit")
	require.InDelta(t, 100.0, second.Points[0].Price, 1e-9, "caller mutation must not reach the cached series")
}

func TestResolveBatch(t *testing.T) {
	t.Parallel()

	m := &fakeMarket{q: tradable(quote.SourceYahoo, 100)}
	r := resolver.New(resolver.Config{Market: m})

	got := r.ResolveBatch(t.Context(), []quote.Identity{
		{Ticker: "AAPL"},
		{ISIN: testISIN}, // no ISIN adapter configured, skipped
	})
	require.Len(t, got, 1)
	require.Contains(t, got, quote.Identity{Ticker: "AAPL"}.Key())
}
