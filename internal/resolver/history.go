package resolver

import (
	"context"
	"errors"
	"fmt"

	"quotefeed/internal/quote"
)

// History returns an aligned daily series for the identity. The market
// adapter serves usable tickers; the ETF provider covers instruments known
// only by ISIN. A ticker that is itself ISIN-shaped is never sent to the
// market adapter. When both sources produce a series, the one whose final
// point is more recent wins. A chosen ETF series gets its final point
// replaced with the live quote, because the chart's last value is a
// slow-settling NAV rather than the traded price.
func (r *Resolver) History(ctx context.Context, ticker, isin, period string) (*quote.HistoricalSeries, error) {
	id := quote.Identity{Ticker: ticker, ISIN: isin}
	if !id.Valid() {
		return nil, ErrInvalidIdentity
	}
	v, err := r.cache.GetOrFetch(ctx, "history|"+period+"|"+id.Key(), r.cfg.HistoryTTL, func(ctx context.Context) (any, error) {
		return r.historyUncached(ctx, id, period)
	})
	if err != nil {
		return nil, err
	}
	// Callers get their own points slice; the cached series stays intact.
	s := v.(*quote.HistoricalSeries)
	return &quote.HistoricalSeries{
		Points: append([]quote.Point(nil), s.Points...),
		Source: s.Source,
	}, nil
}

func (r *Resolver) historyUncached(ctx context.Context, id quote.Identity, period string) (*quote.HistoricalSeries, error) {
	var (
		mkt, etf *quote.HistoricalSeries
		errs     []error
	)
	if id.Ticker != "" && !quote.IsISIN(id.Ticker) && r.cfg.Market != nil {
		s, err := r.cfg.Market.History(ctx, id.Ticker, period)
		if err != nil {
			errs = append(errs, err)
		} else {
			mkt = s
		}
	}
	if id.ISIN != "" && r.cfg.ETF != nil {
		s, err := r.cfg.ETF.History(ctx, id.ISIN, period)
		if err != nil {
			errs = append(errs, err)
		} else {
			etf = s
		}
	}

	chosen := moreRecentSeries(mkt, etf)
	if chosen == nil {
		if len(errs) > 0 {
			return nil, fmt.Errorf("history %s: %w", id, errors.Join(errs...))
		}
		return nil, fmt.Errorf("history %s: no source available", id)
	}
	if chosen.Source == quote.SourceJustETF {
		r.refreshLastPoint(ctx, chosen, id.ISIN)
	}
	return chosen, nil
}

func moreRecentSeries(a, b *quote.HistoricalSeries) *quote.HistoricalSeries {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	la, _ := a.Last()
	lb, _ := b.Last()
	if lb.Date.After(la.Date) {
		return b
	}
	return a
}

// refreshLastPoint swaps the series' final NAV value for the live traded
// price. Best effort: a failed live lookup leaves the series as fetched.
func (r *Resolver) refreshLastPoint(ctx context.Context, s *quote.HistoricalSeries, isin string) {
	if isin == "" || len(s.Points) == 0 || r.cfg.ETF == nil {
		return
	}
	q, err := r.cfg.ETF.LookupISIN(ctx, isin)
	if err != nil || !q.Tradable() {
		return
	}
	s.Points[len(s.Points)-1].Price = quote.Round4(q.Price)
}
