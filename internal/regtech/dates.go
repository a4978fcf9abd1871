package regtech

import (
	"strings"
	"time"
)

// dateLayouts are tried in order; the first successful parse wins. The
// portal has shipped every one of these at some point.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"2006.01.02",
	"20060102",
	"01/02/2006",
	"1/2/2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// ParseDate parses an upstream date cell. Trailing time-of-day tokens are
// ignored so "2024-01-15 10:30:00" still parses.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	candidates := []string{s}
	if i := strings.IndexAny(s, " \t"); i > 0 {
		candidates = append(candidates, s[:i])
	}
	for _, c := range candidates {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// looksLikeDate reports whether a cell holds something ParseDate accepts.
func looksLikeDate(s string) bool {
	_, ok := ParseDate(s)
	return ok
}
