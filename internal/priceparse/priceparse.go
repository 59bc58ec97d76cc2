// Package priceparse converts scraped price text into float values.
// Sources mix European ("1.234,56") and American ("1,234.56") conventions,
// currency symbols and stray letters; every numeric extraction in the
// provider adapters goes through ParsePrice.
package priceparse

import (
	"strconv"
	"strings"
)

// ParsePrice parses a price string in either locale convention.
// When both ',' and '.' appear, the right-most separator is the decimal
// point; a lone ',' is treated as the decimal separator. Currency symbols,
// whitespace and letters are stripped first. Returns false for empty input
// or a non-positive value (a non-positive price is "no usable price").
func ParsePrice(text string) (float64, bool) {
	clean := strip(text)
	if clean == "" {
		return 0, false
	}

	comma := strings.LastIndex(clean, ",")
	dot := strings.LastIndex(clean, ".")
	switch {
	case comma >= 0 && dot >= 0:
		if comma > dot {
			// European: 1.234,56
			clean = strings.ReplaceAll(clean, ".", "")
			clean = strings.ReplaceAll(clean, ",", ".")
		} else {
			// American: 1,234.56
			clean = strings.ReplaceAll(clean, ",", "")
		}
	case comma >= 0:
		clean = strings.ReplaceAll(clean, ",", ".")
	}

	v, err := strconv.ParseFloat(clean, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func strip(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == ',', r == '.', r == '-':
			b.WriteRune(r)
		}
	}
	return b.String()
}
