// Package market answers "is this venue trading right now" and renders the
// closed-since status attached to daily-change results. The policy lives in
// the config venue table, not in inline hour literals.
package market

import (
	"strings"
	"time"

	"github.com/scmhub/calendar"

	"quotefeed/internal/config"
)

// Venue is one venue family resolved from config, with its exchange
// calendar attached when the MIC is known to the calendar library.
type Venue struct {
	Name     string
	prefixes []string
	suffixes []string

	openHour   int
	openMinute int
	closeHour  int
	loc        *time.Location

	cal *calendar.Calendar
}

// Table resolves instruments to venue families.
type Table struct {
	venues []*Venue
	def    *Venue
}

// NewTable builds venues from config rows. The last row without prefixes
// or suffixes becomes the default venue; if every row has matchers, the
// last row is the default.
func NewTable(rows []config.VenueHours) *Table {
	t := &Table{}
	for _, r := range rows {
		v := &Venue{
			Name:       r.Name,
			prefixes:   r.CountryPrefixes,
			suffixes:   r.TickerSuffixes,
			openHour:   r.OpenHour,
			openMinute: r.OpenMinute,
			closeHour:  r.CloseHour,
		}
		if loc, err := time.LoadLocation(r.Timezone); err == nil {
			v.loc = loc
		} else {
			v.loc = time.UTC
		}
		if r.MIC != "" {
			if cal := calendar.GetCalendar(r.MIC); cal != nil {
				v.cal = cal
				if cal.Loc != nil {
					v.loc = cal.Loc
				}
			}
		}
		t.venues = append(t.venues, v)
		if len(r.CountryPrefixes) == 0 && len(r.TickerSuffixes) == 0 {
			t.def = v
		}
	}
	if t.def == nil && len(t.venues) > 0 {
		t.def = t.venues[len(t.venues)-1]
	}
	return t
}

// ForISIN picks the venue whose country-prefix list matches the ISIN.
func (t *Table) ForISIN(isin string) *Venue {
	if len(isin) >= 2 {
		cc := strings.ToUpper(isin[:2])
		for _, v := range t.venues {
			for _, p := range v.prefixes {
				if p == cc {
					return v
				}
			}
		}
	}
	return t.def
}

// ForTicker picks the venue by ticker exchange suffix.
func (t *Table) ForTicker(ticker string) *Venue {
	up := strings.ToUpper(ticker)
	for _, v := range t.venues {
		for _, s := range v.suffixes {
			if strings.HasSuffix(up, strings.ToUpper(s)) {
				return v
			}
		}
	}
	return t.def
}

// IsOpen reports whether the venue is trading at now. With a calendar the
// library decides (holidays included); otherwise Mon-Fri within the
// configured window.
func (v *Venue) IsOpen(now time.Time) bool {
	local := now.In(v.loc)
	if v.cal != nil {
		return v.cal.IsOpen(local)
	}
	wd := local.Weekday()
	if wd == time.Saturday || wd == time.Sunday {
		return false
	}
	h, m := local.Hour(), local.Minute()
	afterOpen := h > v.openHour || (h == v.openHour && m >= v.openMinute)
	return afterOpen && h < v.closeHour
}

// IsTradingDay reports whether the venue trades at all on the given date.
func (v *Venue) IsTradingDay(d time.Time) bool {
	local := d.In(v.loc)
	if v.cal != nil {
		return v.cal.IsBusinessDay(local)
	}
	wd := local.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// Status renders the human-readable market state for a result whose data is
// as of asOf. The market counts as closed when asOf is strictly before
// today, when it is a weekend, or when now falls outside the venue's
// trading window.
func (v *Venue) Status(now, asOf time.Time) (label string, closed bool) {
	local := now.In(v.loc)
	sameDay := !asOf.IsZero() && sameDate(asOf.In(v.loc), local)
	if v.IsOpen(local) && (asOf.IsZero() || sameDay) {
		return "Market open", false
	}

	ref := asOf
	if ref.IsZero() {
		ref = lastWeekday(local)
	}
	return "Closed as of " + ref.In(v.loc).Format("2 Jan 2006"), true
}

func sameDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func lastWeekday(t time.Time) time.Time {
	for t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		t = t.AddDate(0, 0, -1)
	}
	return t
}
