package resolver

import (
	"context"
	"strings"
	"time"

	"quotefeed/internal/market"
	"quotefeed/internal/quote"
)

// maxChangeGapDays bounds the distance between the two series points a
// fallback change may be computed from. Anything wider is a data outage,
// not a weekend, and a delta across it would mislead.
const maxChangeGapDays = 4

type changeCandidate struct {
	pct  float64
	asOf time.Time
	src  quote.Source
}

// DailyChange computes the freshness-reconciled day-over-day change.
// European-domiciled instruments consult both the ETF provider's last
// trade and the market adapter's previous-close pair, keeping whichever
// reports the more recent as-of date; ties go to the ETF provider, which
// reflects the home-exchange close rather than a secondary listing.
// Everything else uses the market adapter alone. When no direct lookup
// works, the two most recent points of a historical series stand in,
// subject to the gap bound. The result always carries a market status
// label, even when no change could be computed.
func (r *Resolver) DailyChange(ctx context.Context, isin, ticker string) (*quote.DailyChange, error) {
	european := r.isEuropean(isin)

	var cands []changeCandidate
	if european && r.cfg.ETF != nil {
		if pct, asOf, err := r.cfg.ETF.DailyChange(ctx, isin); err == nil {
			cands = append(cands, changeCandidate{pct: pct, asOf: asOf, src: quote.SourceJustETF})
		}
	}
	if ticker != "" && !quote.IsISIN(ticker) && r.cfg.Market != nil {
		if last, prev, asOf, err := r.cfg.Market.PreviousClose(ctx, ticker); err == nil && prev > 0 {
			cands = append(cands, changeCandidate{pct: (last - prev) / prev * 100, asOf: asOf, src: quote.SourceYahoo})
		}
	}

	chosen, ok := pickFreshest(cands)
	if !ok {
		chosen, ok = r.changeFromHistory(ctx, isin, ticker, european)
	}

	venue := r.venueFor(isin, ticker)
	now := time.Now()
	res := &quote.DailyChange{}
	if ok {
		pct := chosen.pct
		res.ChangePct = &pct
		res.Source = chosen.src
		res.AsOfLabel, res.MarketClosed = venue.Status(now, chosen.asOf)
	} else {
		res.AsOfLabel, res.MarketClosed = venue.Status(now, time.Time{})
	}
	return res, nil
}

func (r *Resolver) isEuropean(isin string) bool {
	if len(isin) < 2 {
		return false
	}
	cc := strings.ToUpper(isin[:2])
	for _, p := range r.cfg.EuropeanPrefixes {
		if p == cc {
			return true
		}
	}
	return false
}

// pickFreshest selects the candidate with the most recent as-of calendar
// date. On a same-day tie the ETF provider wins.
func pickFreshest(cands []changeCandidate) (changeCandidate, bool) {
	if len(cands) == 0 {
		return changeCandidate{}, false
	}
	best := cands[0]
	for _, c := range cands[1:] {
		bd, cd := calendarDay(best.asOf), calendarDay(c.asOf)
		switch {
		case cd.After(bd):
			best = c
		case cd.Equal(bd) && c.src == quote.SourceJustETF:
			best = c
		}
	}
	return best, true
}

func (r *Resolver) changeFromHistory(ctx context.Context, isin, ticker string, european bool) (changeCandidate, bool) {
	var s *quote.HistoricalSeries
	if european && isin != "" && r.cfg.ETF != nil {
		s, _ = r.cfg.ETF.History(ctx, isin, "1mo")
	}
	if s == nil && ticker != "" && !quote.IsISIN(ticker) && r.cfg.Market != nil {
		s, _ = r.cfg.Market.History(ctx, ticker, "1mo")
	}
	if s == nil || len(s.Points) < 2 {
		return changeCandidate{}, false
	}
	if s.LastGapDays() > maxChangeGapDays {
		return changeCandidate{}, false
	}
	n := len(s.Points)
	last, prev := s.Points[n-1], s.Points[n-2]
	if prev.Price <= 0 {
		return changeCandidate{}, false
	}
	return changeCandidate{
		pct:  (last.Price - prev.Price) / prev.Price * 100,
		asOf: last.Date,
		src:  s.Source,
	}, true
}

func (r *Resolver) venueFor(isin, ticker string) *market.Venue {
	if isin != "" {
		return r.cfg.Hours.ForISIN(isin)
	}
	return r.cfg.Hours.ForTicker(ticker)
}

func calendarDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
