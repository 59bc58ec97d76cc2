// Package morningstar resolves mutual funds by ISIN through Morningstar's
// public security search plus the fund snapshot page. The snapshot page is
// server-rendered HTML, so the NAV is pulled out with ordered pattern
// matching and a plausibility filter rather than a DOM walk.
package morningstar

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

	"quotefeed/internal/httpx"
	"quotefeed/internal/priceparse"
	"quotefeed/internal/quote"
	"quotefeed/internal/ratelimit"
)

type Config struct {
	BaseURL   string
	SearchURL string
	// LookupCacheTTL memoizes raw ISIN lookups.
	LookupCacheTTL time.Duration
	// MinRequestInterval spaces successive page fetches.
	MinRequestInterval time.Duration
}

// Adapter is the fund adapter.
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

// searchResult is one row of the security search payload.
type searchResult struct {
	ISIN string `json:"i"`
	Name string `json:"n"`
	Type string `json:"t"`
	URL  string `json:"url"`
}

func New(cfg Config, hc *httpx.Client) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://www.morningstar.es"
	}
	if cfg.SearchURL == "" {
		cfg.SearchURL = cfg.BaseURL + "/es/util/SecuritySearch.ashx"
	}
	return &Adapter{
		cfg:    cfg,
		client: hc,
		gate:   &ratelimit.MinInterval{Interval: cfg.MinRequestInterval},
		lookup: make(map[string]cached),
	}
}

// LookupISIN resolves a fund quote by ISIN. The search endpoint gives the
// fund's name and snapshot URL; the snapshot page gives the NAV. A fund
// whose name resolves but whose NAV cannot be extracted yields an
// informational quote, not an error.
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

	res, err := a.search(ctx, isin)
	if err != nil {
		return nil, err
	}

	name := isin
	kind := "FUND"
	pageURL := a.snapshotURL(isin)
	if res != nil {
		if res.Name != "" {
			name = res.Name
		}
		if res.Type != "" {
			kind = res.Type
		}
		if res.URL != "" {
			pageURL = a.absolute(res.URL)
		}
	}

	price, currency := 0.0, "EUR"
	if html, perr := a.fetchPage(ctx, pageURL); perr == nil {
		price, currency = extractNAV(html)
		if name == isin {
			if n := extractName(html); n != "" {
				name = n
			}
		}
	} else if res == nil {
		return nil, perr
	}

	// Secondary strategy: the direct snapshot-by-ISIN page, for funds the
	// search endpoint knows by name but links elsewhere.
	if price <= 0 && res != nil && res.URL != "" {
		if html, perr := a.fetchPage(ctx, a.snapshotURL(isin)); perr == nil {
			price, currency = extractNAV(html)
		}
	}

	if price <= 0 && name == isin {
		return nil, quote.NotFoundErr(quote.SourceMorningstar, "lookup "+isin)
	}

	q := quote.Quote{
		Price:       price,
		Currency:    currency,
		DisplayName: name,
		Source:      quote.SourceMorningstar,
		Kind:        kind,
	}
	if a.cfg.LookupCacheTTL > 0 {
		a.mu.Lock()
		a.lookup[isin] = cached{q: q, until: time.Now().Add(a.cfg.LookupCacheTTL)}
		a.mu.Unlock()
	}
	return &q, nil
}

// search queries the security search endpoint and picks the row whose ISIN
// matches exactly, falling back to the first row. A miss returns (nil, nil):
// the snapshot-by-ISIN page can still succeed.
func (a *Adapter) search(ctx context.Context, isin string) (*searchResult, error) {
	q := url.Values{}
	q.Set("q", isin)
	q.Set("limit", "5")
	q.Set("preferedList", "")
	u := a.cfg.SearchURL + "?" + q.Encode()

	if err := a.gate.Wait(ctx); err != nil {
		return nil, quote.TransportErr(quote.SourceMorningstar, "gate", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, quote.TransportErr(quote.SourceMorningstar, "search "+isin, err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")

	res, err := a.client.Do(ctx, req)
	if err != nil {
		return nil, quote.TransportErr(quote.SourceMorningstar, "search "+isin, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, quote.TransportErr(quote.SourceMorningstar, "search "+isin, fmt.Errorf("status %d", res.StatusCode))
	}

	var rows []searchResult
	if err := json.NewDecoder(res.Body).Decode(&rows); err != nil {
		return nil, quote.ParseErr(quote.SourceMorningstar, "search "+isin, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	for i := range rows {
		if strings.EqualFold(rows[i].ISIN, isin) {
			return &rows[i], nil
		}
	}
	return &rows[0], nil
}

func (a *Adapter) fetchPage(ctx context.Context, u string) (string, error) {
	if err := a.gate.Wait(ctx); err != nil {
		return "", quote.TransportErr(quote.SourceMorningstar, "gate", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return "", quote.TransportErr(quote.SourceMorningstar, "page", err)
	}
	res, err := a.client.Do(ctx, req)
	if err != nil {
		return "", quote.TransportErr(quote.SourceMorningstar, "page", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", quote.TransportErr(quote.SourceMorningstar, "page", fmt.Errorf("status %d", res.StatusCode))
	}
	b, err := io.ReadAll(io.LimitReader(res.Body, 2<<20))
	if err != nil {
		return "", quote.TransportErr(quote.SourceMorningstar, "page", err)
	}
	return string(b), nil
}

func (a *Adapter) snapshotURL(isin string) string {
	return a.cfg.BaseURL + "/es/funds/snapshot/snapshot.aspx?id=" + url.QueryEscape(isin)
}

func (a *Adapter) absolute(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return a.cfg.BaseURL + u
}

var (
	// navLabelRe matches "VL 145,23" / "NAV (EUR) 145.23" style labels.
	navLabelRe = regexp.MustCompile(`(?i)\b(?:VL|NAV)\b[^0-9]{0,60}?([0-9][0-9.,]*)`)
	// priceSpanRe matches price-class spans on the snapshot page.
	priceSpanRe = regexp.MustCompile(`(?is)<(?:span|td)[^>]*class="[^"]*(?:price|nav)[^"]*"[^>]*>(.*?)</(?:span|td)>`)
	h1NameRe    = regexp.MustCompile(`(?is)<h1[^>]*>(.*?)</h1>`)
	stripTagRe  = regexp.MustCompile(`<[^>]+>`)
)

// extractNAV pulls the fund's NAV and currency out of snapshot-page markup.
// Candidates outside the plausible NAV range are discarded; a fund quoting
// at 0.003 or 2500000 is far more likely a parsing artifact than a real NAV.
// The currency is sniffed from the markup around the matched figure, since
// snapshot pages mention several currencies in unrelated widgets.
func extractNAV(html string) (price float64, currency string) {
	for _, loc := range priceSpanRe.FindAllStringSubmatchIndex(html, -1) {
		text := stripTagRe.ReplaceAllString(html[loc[2]:loc[3]], " ")
		if p, ok := priceparse.ParsePrice(text); ok && plausibleNAV(p) {
			return p, currencyNear(html, loc[0])
		}
	}
	for _, loc := range navLabelRe.FindAllStringSubmatchIndex(html, -1) {
		if p, ok := priceparse.ParsePrice(html[loc[2]:loc[3]]); ok && plausibleNAV(p) {
			return p, currencyNear(html, loc[0])
		}
	}
	return 0, "EUR"
}

func plausibleNAV(p float64) bool {
	return p > 0.5 && p < 100000
}

func currencyNear(html string, at int) string {
	lo := at - 80
	if lo < 0 {
		lo = 0
	}
	hi := at + 160
	if hi > len(html) {
		hi = len(html)
	}
	w := html[lo:hi]
	switch {
	case strings.Contains(w, "USD") || strings.Contains(w, "$"):
		return "USD"
	case strings.Contains(w, "GBP") || strings.Contains(w, "£"):
		return "GBP"
	default:
		return "EUR"
	}
}

func extractName(html string) string {
	m := h1NameRe.FindStringSubmatch(html)
	if m == nil {
		return ""
	}
	name := strings.Join(strings.Fields(stripTagRe.ReplaceAllString(m[1], " ")), " ")
	if len(name) < 5 {
		return ""
	}
	return name
}
