// Package justetf wraps justETF's public endpoints: a JSON quote API, a
// JSON performance-chart API, and the ETF profile page. The profile page is
// plain HTML rendered for browsers; extraction from it is best-effort
// pattern matching, tried in order, never trusted blindly.
package justetf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"quotefeed/internal/httpx"
	"quotefeed/internal/priceparse"
	"quotefeed/internal/quote"
	"quotefeed/internal/ratelimit"
)

type Config struct {
	BaseURL  string
	Locale   string
	Currency string
	// LookupCacheTTL memoizes raw ISIN lookups (30m by default upstream of
	// the resolver's own 15m quote cache).
	LookupCacheTTL time.Duration
	// MinRequestInterval spaces successive page fetches.
	MinRequestInterval time.Duration
}

// Adapter is the ETF-data provider.
type Adapter struct {
	cfg    Config
	client *httpx.Client
	gate   *ratelimit.MinInterval

	mu     sync.RWMutex
	lookup map[string]cached
}

type cached struct {
	q     quote.Quote
	until time.Time
}

func New(cfg Config, hc *httpx.Client) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.justetf.com"
	}
	if cfg.Locale == "" {
		cfg.Locale = "es"
	}
	if cfg.Currency == "" {
		cfg.Currency = "EUR"
	}
	return &Adapter{
		cfg:    cfg,
		client: hc,
		gate:   &ratelimit.MinInterval{Interval: cfg.MinRequestInterval},
		lookup: make(map[string]cached),
	}
}

// LookupISIN resolves a quote by ISIN. Primary strategy is the quote API;
// the profile page supplies the display name and, when no price is
// available, a suggested ticker so the caller can retry via the market
// adapter. A name without a price yields an informational quote, not an
// error.
func (a *Adapter) LookupISIN(ctx context.Context, isin string) (*quote.Quote, error) {
	if a.cfg.LookupCacheTTL > 0 {
		a.mu.RLock()
		c, ok := a.lookup[isin]
		a.mu.RUnlock()
		if ok && time.Now().Before(c.until) {
			q := c.q
			return &q, nil
		}
	}

	price, asOf, apiErr := a.latestQuote(ctx, isin)

	name := isin
	suggested := ""
	if html, err := a.profileHTML(ctx, isin); err == nil {
		name = extractName(html, isin)
		if price <= 0 {
			// The quoted price is rendered by JavaScript; the static page
			// only helps when a number in the plausible ETF band leaks into
			// the markup.
			price = extractBandPrice(html)
			suggested = withExchangeSuffix(extractTicker(html))
		}
	}

	if price <= 0 && name == isin {
		if apiErr != nil {
			return nil, apiErr
		}
		return nil, quote.NotFoundErr(quote.SourceJustETF, "lookup "+isin)
	}

	q := quote.Quote{
		Price:           price,
		Currency:        a.cfg.Currency,
		DisplayName:     name,
		Source:          quote.SourceJustETF,
		Kind:            "ETF",
		SuggestedTicker: suggested,
		AsOf:            asOf,
	}
	if a.cfg.LookupCacheTTL > 0 {
		a.mu.Lock()
		a.lookup[isin] = cached{q: q, until: time.Now().Add(a.cfg.LookupCacheTTL)}
		a.mu.Unlock()
	}
	return &q, nil
}

// maxPrevCloseGap bounds how far back the settled point used as previous
// close may lie. A long weekend is at most four calendar days; anything
// wider is a chart outage, and the delta would not be a daily change.
const maxPrevCloseGap = 4 * 24 * time.Hour

// DailyChange computes the day-over-day change from the live quote against
// the most recent settled chart point before it. asOf is the live quote's
// trade date, which the reconciler compares against the market adapter's.
func (a *Adapter) DailyChange(ctx context.Context, isin string) (pct float64, asOf time.Time, err error) {
	price, asOf, qerr := a.latestQuote(ctx, isin)
	if qerr != nil {
		return 0, time.Time{}, qerr
	}
	if price <= 0 {
		return 0, time.Time{}, quote.NotFoundErr(quote.SourceJustETF, "daily change "+isin)
	}

	series, herr := a.History(ctx, isin, "1mo")
	if herr != nil {
		return 0, time.Time{}, herr
	}

	// Previous close is the last chart point strictly before the live
	// quote's date; when the chart already includes the live date, use the
	// point before it.
	var prev float64
	var prevDate time.Time
	for i := len(series.Points) - 1; i >= 0; i-- {
		if series.Points[i].Date.Before(truncateDay(asOf)) {
			prev = series.Points[i].Price
			prevDate = series.Points[i].Date
			break
		}
	}
	if prev <= 0 {
		return 0, time.Time{}, quote.NotFoundErr(quote.SourceJustETF, "daily change "+isin)
	}
	if truncateDay(asOf).Sub(prevDate) > maxPrevCloseGap {
		return 0, time.Time{}, quote.NotFoundErr(quote.SourceJustETF, "daily change "+isin)
	}
	return (price - prev) / prev * 100, asOf, nil
}

// periodDays maps public period tokens to chart lookback windows. justETF's
// minimum granularity is one month: anything shorter is upgraded.
var periodDays = map[string]int{
	"1mo": 30,
	"3mo": 90,
	"6mo": 180,
	"1y":  365,
	"2y":  730,
	"5y":  1825,
	"10y": 3650,
	"max": 7300,
}

// ClampPeriod maps a requested period to the nearest one the chart API
// supports.
func ClampPeriod(period string) string {
	if _, ok := periodDays[period]; ok {
		return period
	}
	return "1mo"
}

// History fetches the performance chart as a daily series, rounded to the
// canonical 4 decimals. The series' final point is a slow-settling NAV, not
// the traded price; the history aligner substitutes the live quote.
func (a *Adapter) History(ctx context.Context, isin, period string) (*quote.HistoricalSeries, error) {
	days, ok := periodDays[period]
	if !ok {
		days = periodDays[ClampPeriod(period)]
	}
	now := time.Now()
	from := now.AddDate(0, 0, -days)

	q := url.Values{}
	q.Set("locale", a.cfg.Locale)
	q.Set("currency", a.cfg.Currency)
	q.Set("valuesType", "MARKET_VALUE")
	q.Set("reduceData", "false")
	q.Set("includeDividends", "true")
	q.Set("dateFrom", from.Format("2006-01-02"))
	q.Set("dateTo", now.Format("2006-01-02"))
	u := fmt.Sprintf("%s/api/etfs/%s/performance-chart?%s", a.cfg.BaseURL, url.PathEscape(isin), q.Encode())

	jobj, err := a.getJSON(ctx, u, isin)
	if err != nil {
		return nil, err
	}

	raw, err := jsonpath.Get("$.series", jobj)
	if err != nil {
		return nil, quote.ParseErr(quote.SourceJustETF, "chart series "+isin, err)
	}
	points, ok := raw.([]any)
	if !ok || len(points) == 0 {
		return nil, quote.NotFoundErr(quote.SourceJustETF, "chart series "+isin)
	}

	series := &quote.HistoricalSeries{Source: quote.SourceJustETF}
	for _, p := range points {
		m, ok := p.(map[string]any)
		if !ok {
			continue
		}
		dateStr, _ := m["date"].(string)
		day, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		price, ok := chartValue(m["value"])
		if !ok || price <= 0 {
			continue
		}
		series.Points = append(series.Points, quote.Point{Date: day.UTC(), Price: quote.Round4(price)})
	}
	if len(series.Points) == 0 {
		return nil, quote.NotFoundErr(quote.SourceJustETF, "chart series "+isin)
	}
	series.Normalize()
	return series, nil
}

// SuggestTicker scrapes the profile page for an exchange listing usable as
// a market-adapter ticker, preferring Xetra.
func (a *Adapter) SuggestTicker(ctx context.Context, isin string) (string, error) {
	html, err := a.profileHTML(ctx, isin)
	if err != nil {
		return "", err
	}
	if t := withExchangeSuffix(extractTicker(html)); t != "" {
		return t, nil
	}
	return "", quote.NotFoundErr(quote.SourceJustETF, "ticker "+isin)
}

// latestQuote hits the quote API. The payload is loosely shaped
// (latestQuote may be an object with a raw field or a bare number), so
// extraction goes through jsonpath with a localized-string fallback.
func (a *Adapter) latestQuote(ctx context.Context, isin string) (price float64, asOf time.Time, err error) {
	u := fmt.Sprintf("%s/api/etfs/%s/quote?locale=%s&currency=%s",
		a.cfg.BaseURL, url.PathEscape(isin), a.cfg.Locale, a.cfg.Currency)
	jobj, err := a.getJSON(ctx, u, isin)
	if err != nil {
		return 0, time.Time{}, err
	}

	if v, err := jsonpath.Get("$.latestQuote.raw", jobj); err == nil {
		if f, ok := v.(float64); ok {
			price = f
		}
	}
	if price <= 0 {
		if v, err := jsonpath.Get("$.latestQuote", jobj); err == nil {
			switch t := v.(type) {
			case float64:
				price = t
			case string:
				if f, ok := priceparse.ParsePrice(t); ok {
					price = f
				}
			}
		}
	}
	if v, err := jsonpath.Get("$.latestQuoteDate", jobj); err == nil {
		if s, ok := v.(string); ok {
			if d, err := time.Parse("2006-01-02", s); err == nil {
				asOf = d.UTC()
			}
		}
	}
	if price <= 0 {
		return 0, time.Time{}, quote.NotFoundErr(quote.SourceJustETF, "quote "+isin)
	}
	return price, asOf, nil
}

func (a *Adapter) profileHTML(ctx context.Context, isin string) (string, error) {
	if err := a.gate.Wait(ctx); err != nil {
		return "", quote.TransportErr(quote.SourceJustETF, "gate", err)
	}
	u := fmt.Sprintf("%s/%s/etf-profile.html?isin=%s", a.cfg.BaseURL, a.cfg.Locale, url.QueryEscape(isin))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return "", quote.TransportErr(quote.SourceJustETF, "profile "+isin, err)
	}
	res, err := a.client.Do(ctx, req)
	if err != nil {
		return "", quote.TransportErr(quote.SourceJustETF, "profile "+isin, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", quote.TransportErr(quote.SourceJustETF, "profile "+isin, fmt.Errorf("status %d", res.StatusCode))
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, 2<<20))
	if err != nil {
		return "", quote.TransportErr(quote.SourceJustETF, "profile "+isin, err)
	}
	return string(b), nil
}

func (a *Adapter) getJSON(ctx context.Context, u, isin string) (any, error) {
	if err := a.gate.Wait(ctx); err != nil {
		return nil, quote.TransportErr(quote.SourceJustETF, "gate", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, quote.TransportErr(quote.SourceJustETF, "request "+isin, err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Referer", fmt.Sprintf("%s/%s/etf-profile.html?isin=%s", a.cfg.BaseURL, a.cfg.Locale, url.QueryEscape(isin)))

	res, err := a.client.Do(ctx, req)
	if err != nil {
		return nil, quote.TransportErr(quote.SourceJustETF, "get "+isin, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, quote.TransportErr(quote.SourceJustETF, "get "+isin, fmt.Errorf("status %d", res.StatusCode))
	}

	var jobj any
	if err := json.NewDecoder(res.Body).Decode(&jobj); err != nil {
		return nil, quote.ParseErr(quote.SourceJustETF, "decode "+isin, err)
	}
	return jobj, nil
}

func chartValue(v any) (float64, bool) {
	switch t := v.(type) {
	case map[string]any:
		if f, ok := t["raw"].(float64); ok {
			return f, true
		}
	case float64:
		return t, true
	}
	return 0, false
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var (
	titleRe   = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	h1Re      = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	ogTitleRe = regexp.MustCompile(`(?i)<meta\s+property="og:title"\s+content="([^"]+)"`)
	tagRe     = regexp.MustCompile(`<[^>]+>`)

	// eurPriceRe captures "EUR 36,00"; an optional trailing "m" marks a
	// fund-size-in-millions figure that must be rejected.
	eurPriceRe = regexp.MustCompile(`EUR\s+(\d{1,3},\d{2})(\s*m)?`)
	bareEURe   = regexp.MustCompile(`\b(\d{2},\d{2})\b`)

	tickerLabelRe = regexp.MustCompile(`[Tt]icker[:\s]+([A-Z0-9]{2,6})\b`)
	xetraRe       = regexp.MustCompile(`(?i:Xetra)[^<]*?\b([A-Z0-9]{3,5})\b`)
	listingRe     = regexp.MustCompile(`\b([A-Z0-9]{2,5})\.(DE|L|PA|AS|MI|SW)\b`)
)

// withExchangeSuffix defaults a bare listing symbol to Xetra, the venue
// justETF profiles list first for European ETFs.
func withExchangeSuffix(t string) string {
	if t == "" || strings.Contains(t, ".") {
		return t
	}
	return t + ".DE"
}

func extractName(html, fallback string) string {
	if m := h1Re.FindStringSubmatch(html); m != nil {
		if name := cleanText(m[1]); len(name) > 5 {
			return name
		}
	}
	if m := titleRe.FindStringSubmatch(html); m != nil {
		name := cleanText(m[1])
		if i := strings.Index(name, "|"); i >= 0 {
			name = strings.TrimSpace(name[:i])
		}
		if len(name) > 5 {
			return name
		}
	}
	if m := ogTitleRe.FindStringSubmatch(html); m != nil {
		name := m[1]
		if i := strings.Index(name, "|"); i >= 0 {
			name = strings.TrimSpace(name[:i])
		}
		if name != "" {
			return name
		}
	}
	return fallback
}

// extractBandPrice scans static markup for a number in the plausible ETF
// price band, skipping fund-size figures.
func extractBandPrice(html string) float64 {
	for _, m := range eurPriceRe.FindAllStringSubmatch(html, -1) {
		if m[2] != "" {
			continue // "EUR 12.711 m" style fund size
		}
		if p, ok := priceparse.ParsePrice(m[1]); ok && p > 5 && p < 500 {
			return p
		}
	}
	for _, m := range bareEURe.FindAllStringSubmatch(html, -1) {
		if p, ok := priceparse.ParsePrice(m[1]); ok && p > 10 && p < 200 {
			return p
		}
	}
	return 0
}

func extractTicker(html string) string {
	if m := xetraRe.FindStringSubmatch(html); m != nil {
		return m[1] + ".DE"
	}
	if m := tickerLabelRe.FindStringSubmatch(html); m != nil {
		return m[1]
	}
	matches := listingRe.FindAllStringSubmatch(html, -1)
	for _, m := range matches {
		if m[2] == "DE" {
			return m[1] + ".DE"
		}
	}
	if len(matches) > 0 {
		return matches[0][1] + "." + matches[0][2]
	}
	// Title often carries "Name | QDVE | IE00B..." style segments.
	if m := titleRe.FindStringSubmatch(html); m != nil {
		for _, part := range strings.Split(cleanText(m[1]), "|") {
			part = strings.TrimSpace(part)
			if len(part) >= 2 && len(part) <= 6 && part == strings.ToUpper(part) && isAlnum(part) && !quote.IsISIN(part) {
				return part
			}
		}
	}
	return ""
}

func cleanText(s string) string {
	s = tagRe.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

func isAlnum(s string) bool {
	for _, r := range s {
		if !('A' <= r && r <= 'Z') && !('0' <= r && r <= '9') {
			return false
		}
	}
	return len(s) > 0
}
