package quote

import (
	"fmt"
	"time"
)

// Source identifies the upstream that produced a result.
type Source string

const (
	SourceYahoo       Source = "yahoo"
	SourceMorningstar Source = "morningstar"
	SourceJustETF     Source = "justetf"
)

// Identity addresses an instrument by ticker and/or ISIN. At least one
// field must be set. A ticker-only identity is distinct from a combined one,
// so cache keys include both fields verbatim.
type Identity struct {
	Ticker string `json:"ticker,omitempty"`
	ISIN   string `json:"isin,omitempty"`
}

func (id Identity) Valid() bool { return id.Ticker != "" || id.ISIN != "" }

// Key is the cache key for this identity.
func (id Identity) Key() string { return id.Ticker + "|" + id.ISIN }

func (id Identity) String() string {
	switch {
	case id.Ticker != "" && id.ISIN != "":
		return id.Ticker + "/" + id.ISIN
	case id.Ticker != "":
		return id.Ticker
	default:
		return id.ISIN
	}
}

// IsISIN reports whether s is shaped like an ISIN: 12 characters, two
// leading letters, alphanumeric remainder. A ticker matching this shape
// must not be sent to the market adapter as a ticker.
func IsISIN(s string) bool {
	if len(s) != 12 {
		return false
	}
	for i := 0; i < 2; i++ {
		c := s[i]
		if !('A' <= c && c <= 'Z') {
			return false
		}
	}
	for i := 2; i < 12; i++ {
		c := s[i]
		if !('A' <= c && c <= 'Z') && !('0' <= c && c <= '9') {
			return false
		}
	}
	return true
}

// Quote is the normalized shape returned by all providers.
// Price > 0 means the quote is tradable; Price == 0 with a display name
// means the source identified the instrument but had no usable price.
type Quote struct {
	Price           float64   `json:"price"`
	Currency        string    `json:"currency"`
	DisplayName     string    `json:"display_name"`
	Source          Source    `json:"source"`
	Kind            string    `json:"kind"`
	SuggestedTicker string    `json:"suggested_ticker,omitempty"`
	AsOf            time.Time `json:"as_of"`
}

func (q Quote) Tradable() bool { return q.Price > 0 }

// Informational reports whether the quote carries identification data
// without a usable price.
func (q Quote) Informational() bool { return !q.Tradable() && q.DisplayName != "" }

// Point is one trading day in a historical series.
type Point struct {
	Date  time.Time `json:"date"`
	Price float64   `json:"price"`
}

// HistoricalSeries is an ordered per-day price series from a single source.
// Points are strictly increasing by date after Normalize.
type HistoricalSeries struct {
	Points []Point `json:"points"`
	Source Source  `json:"source"`
}

// Normalize sorts points ascending by date and drops duplicate dates,
// keeping the later-seen value.
func (s *HistoricalSeries) Normalize() {
	if len(s.Points) < 2 {
		return
	}
	byDate := make(map[string]Point, len(s.Points))
	order := make([]string, 0, len(s.Points))
	for _, p := range s.Points {
		k := p.Date.Format("2006-01-02")
		if _, ok := byDate[k]; !ok {
			order = append(order, k)
		}
		byDate[k] = p
	}
	out := make([]Point, 0, len(byDate))
	for _, k := range order {
		out = append(out, byDate[k])
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Date.Before(out[j-1].Date); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	s.Points = out
}

func (s *HistoricalSeries) Last() (Point, bool) {
	if len(s.Points) == 0 {
		return Point{}, false
	}
	return s.Points[len(s.Points)-1], true
}

// LastGapDays returns the calendar days between the two most recent points,
// or -1 when the series has fewer than two points.
func (s *HistoricalSeries) LastGapDays() int {
	n := len(s.Points)
	if n < 2 {
		return -1
	}
	gap := s.Points[n-1].Date.Sub(s.Points[n-2].Date)
	return int(gap.Hours() / 24)
}

// DailyChange is the result of a freshness-reconciled day-over-day lookup.
// ChangePct is nil when no usable change could be computed.
type DailyChange struct {
	ChangePct    *float64 `json:"change_pct,omitempty"`
	AsOfLabel    string   `json:"as_of_label"`
	MarketClosed bool     `json:"market_closed"`
	Source       Source   `json:"source,omitempty"`
}

// ErrorKind classifies an adapter failure.
type ErrorKind int

const (
	KindTransport ErrorKind = iota + 1
	KindParse
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindParse:
		return "parse"
	case KindNotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// FetchError is the typed failure returned by provider adapters. The
// resolver treats every kind as "try the next source"; the distinction
// exists for diagnostics.
type FetchError struct {
	Kind   ErrorKind
	Source Source
	Op     string
	Err    error
}

func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s %s: %v", e.Source, e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s", e.Source, e.Kind, e.Op)
}

func (e *FetchError) Unwrap() error { return e.Err }

func TransportErr(src Source, op string, err error) *FetchError {
	return &FetchError{Kind: KindTransport, Source: src, Op: op, Err: err}
}

func ParseErr(src Source, op string, err error) *FetchError {
	return &FetchError{Kind: KindParse, Source: src, Op: op, Err: err}
}

func NotFoundErr(src Source, op string) *FetchError {
	return &FetchError{Kind: KindNotFound, Source: src, Op: op}
}
