// Package resolver orchestrates the provider adapters behind the public
// quote contract: fallback resolution, freshness-reconciled daily changes,
// and historical series alignment. All results flow through a TTL cache
// keyed on the caller's original identity.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"quotefeed/internal/config"
	"quotefeed/internal/market"
	"quotefeed/internal/quote"
	"quotefeed/internal/quote/cache"
)

// MarketAdapter is the primary market-data source, addressed by ticker.
type MarketAdapter interface {
	Lookup(ctx context.Context, ticker string) (*quote.Quote, error)
	PreviousClose(ctx context.Context, ticker string) (last, prev float64, asOf time.Time, err error)
	History(ctx context.Context, ticker, period string) (*quote.HistoricalSeries, error)
}

// FundAdapter resolves mutual funds by ISIN.
type FundAdapter interface {
	LookupISIN(ctx context.Context, isin string) (*quote.Quote, error)
}

// ETFAdapter resolves ETFs by ISIN.
type ETFAdapter interface {
	LookupISIN(ctx context.Context, isin string) (*quote.Quote, error)
	DailyChange(ctx context.Context, isin string) (pct float64, asOf time.Time, err error)
	History(ctx context.Context, isin, period string) (*quote.HistoricalSeries, error)
	SuggestTicker(ctx context.Context, isin string) (string, error)
}

type Config struct {
	Market MarketAdapter
	Fund   FundAdapter
	ETF    ETFAdapter

	Hours *market.Table
	// EuropeanPrefixes routes daily-change reconciliation: instruments whose
	// ISIN starts with one of these country codes take the home-exchange
	// comparison path.
	EuropeanPrefixes []string

	QuoteTTL   time.Duration
	HistoryTTL time.Duration
}

type Resolver struct {
	cfg   Config
	cache *cache.Cache
}

var ErrInvalidIdentity = errors.New("resolver: ticker or isin required")

func New(cfg Config) *Resolver {
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = 15 * time.Minute
	}
	if cfg.HistoryTTL <= 0 {
		cfg.HistoryTTL = 15 * time.Minute
	}
	if len(cfg.EuropeanPrefixes) == 0 {
		cfg.EuropeanPrefixes = config.Default().EuropeanPrefixes
	}
	if cfg.Hours == nil {
		cfg.Hours = market.NewTable(config.Default().Venues)
	}
	return &Resolver{cfg: cfg, cache: cache.New()}
}

// Resolve walks the adapters in priority order and returns the first
// tradable quote: market adapter by ticker, then fund adapter and ETF
// adapter by ISIN. When no adapter has a usable price but at least one
// identified the instrument, the richest informational quote is returned
// instead, so the caller still gets a display name and possibly a ticker
// to retry with.
func (r *Resolver) Resolve(ctx context.Context, ticker, isin string) (*quote.Quote, error) {
	id := quote.Identity{Ticker: ticker, ISIN: isin}
	if !id.Valid() {
		return nil, ErrInvalidIdentity
	}
	v, err := r.cache.GetOrFetch(ctx, "quote|"+id.Key(), r.cfg.QuoteTTL, func(ctx context.Context) (any, error) {
		return r.resolveUncached(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*quote.Quote), nil
}

// ResolveByISIN is Resolve for instruments with no known ticker.
func (r *Resolver) ResolveByISIN(ctx context.Context, isin string) (*quote.Quote, error) {
	return r.Resolve(ctx, "", isin)
}

func (r *Resolver) resolveUncached(ctx context.Context, id quote.Identity) (*quote.Quote, error) {
	var (
		informational []*quote.Quote
		errs          []error
	)
	try := func(q *quote.Quote, err error) *quote.Quote {
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if q == nil {
			return nil
		}
		if q.Tradable() {
			return q
		}
		if q.Informational() {
			informational = append(informational, q)
		}
		return nil
	}

	if id.Ticker != "" && r.cfg.Market != nil {
		if q := try(r.cfg.Market.Lookup(ctx, id.Ticker)); q != nil {
			return q, nil
		}
	}
	if id.ISIN != "" {
		if r.cfg.Fund != nil {
			if q := try(r.cfg.Fund.LookupISIN(ctx, id.ISIN)); q != nil {
				return q, nil
			}
		}
		if r.cfg.ETF != nil {
			if q := try(r.cfg.ETF.LookupISIN(ctx, id.ISIN)); q != nil {
				return q, nil
			}
		}
	}

	if q := richestInformational(informational, id); q != nil {
		return q, nil
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("resolve %s: %w", id, errors.Join(errs...))
	}
	return nil, fmt.Errorf("resolve %s: no adapter produced a quote", id)
}

// richestInformational picks the informational quote worth returning: one
// whose display name is more than an echo of the identity. The ETF
// provider's wins ties because it usually carries a suggested ticker.
func richestInformational(qs []*quote.Quote, id quote.Identity) *quote.Quote {
	var best *quote.Quote
	for _, q := range qs {
		if q.DisplayName == "" || q.DisplayName == id.Ticker || q.DisplayName == id.ISIN {
			continue
		}
		if best == nil || (best.Source != quote.SourceJustETF && q.Source == quote.SourceJustETF) {
			best = q
		}
	}
	return best
}

// ResolveBatch resolves several identities sequentially, skipping failures.
// The result map is keyed by each identity's cache key.
func (r *Resolver) ResolveBatch(ctx context.Context, ids []quote.Identity) map[string]*quote.Quote {
	out := make(map[string]*quote.Quote, len(ids))
	for _, id := range ids {
		q, err := r.Resolve(ctx, id.Ticker, id.ISIN)
		if err != nil {
			continue
		}
		out[id.Key()] = q
	}
	return out
}

// ValidateTicker reports whether the market adapter can price the ticker.
// ISIN-shaped strings are never usable tickers.
func (r *Resolver) ValidateTicker(ctx context.Context, ticker string) bool {
	if ticker == "" || quote.IsISIN(ticker) || r.cfg.Market == nil {
		return false
	}
	q, err := r.cfg.Market.Lookup(ctx, ticker)
	return err == nil && q != nil && q.Tradable()
}

// exchangeSuffixes are the listing variants tried when validating a
// scraped symbol against the market adapter, most liquid European venues
// first.
var exchangeSuffixes = []string{".DE", ".L", ".PA", ".AS", ".MI", ".SW", ".F"}

// SuggestTicker proposes a market-adapter ticker for an ISIN, so callers
// can upgrade ISIN-only instruments to the primary source. The scraped
// symbol is only a lead: each exchange-suffix variant is priced against
// the market adapter and the first one that trades wins.
func (r *Resolver) SuggestTicker(ctx context.Context, isin string) (string, error) {
	candidate := ""
	if r.cfg.ETF != nil {
		if t, err := r.cfg.ETF.SuggestTicker(ctx, isin); err == nil && t != "" {
			candidate = t
		}
	}
	if candidate == "" {
		q, err := r.ResolveByISIN(ctx, isin)
		if err != nil {
			return "", err
		}
		if q.SuggestedTicker == "" {
			return "", quote.NotFoundErr(q.Source, "suggest ticker "+isin)
		}
		candidate = q.SuggestedTicker
	}
	if r.cfg.Market == nil {
		return candidate, nil
	}
	for _, t := range tickerCandidates(candidate) {
		if r.ValidateTicker(ctx, t) {
			return t, nil
		}
	}
	return "", quote.NotFoundErr(quote.SourceYahoo, "suggest ticker "+isin)
}

// tickerCandidates expands a scraped listing symbol into the variants
// worth pricing: as scraped, the base symbol under each exchange suffix,
// then the bare base.
func tickerCandidates(t string) []string {
	base := t
	if i := strings.LastIndex(t, "."); i > 0 {
		base = t[:i]
	}
	out := []string{t}
	seen := map[string]bool{t: true}
	for _, s := range exchangeSuffixes {
		c := base + s
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	if !seen[base] {
		out = append(out, base)
	}
	return out
}

// InvalidateCache drops every cached quote and series.
func (r *Resolver) InvalidateCache() {
	r.cache.Invalidate()
}

// CacheLen reports the number of live cache entries, for diagnostics.
func (r *Resolver) CacheLen() int {
	return r.cache.Len()
}
