// Package timeframe canonicalizes kline interval labels such as "1m", "4h" or "1d".
package timeframe

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var intervalPattern = regexp.MustCompile(`^(\d+)\s*([A-Za-z]+)$`)

var unitAliases = map[string]string{
	"m": "m", "min": "m", "mins": "m", "minute": "m", "minutes": "m",
	"h": "h", "hr": "h", "hrs": "h", "hour": "h", "hours": "h",
	"d": "d", "day": "d", "days": "d",
	"w": "w", "wk": "w", "week": "w", "weeks": "w",
	"mo": "M", "mon": "M", "month": "M", "months": "M",
}

var unitDurations = map[string]time.Duration{
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
	"M": 30 * 24 * time.Hour,
}

// Canonical returns the exchange-style label for an interval ("15 min" -> "15m", "1H" -> "1h").
// "1M" keeps its upper-case unit because Binance uses it for monthly candles.
// Unrecognized input is returned trimmed and lower-cased; empty input returns "".
func Canonical(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	m := intervalPattern.FindStringSubmatch(s)
	if m == nil {
		return strings.ToLower(s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return strings.ToLower(s)
	}
	unit := m[2]
	if unit == "M" {
		return strconv.Itoa(n) + "M"
	}
	canon, ok := unitAliases[strings.ToLower(unit)]
	if !ok {
		return strings.ToLower(s)
	}
	return strconv.Itoa(n) + canon
}

// Duration reports the length of a canonical interval. ok is false for labels Canonical could not parse.
func Duration(interval string) (time.Duration, bool) {
	c := Canonical(interval)
	m := intervalPattern.FindStringSubmatch(c)
	if m == nil {
		return 0, false
	}
	n, _ := strconv.Atoi(m[1])
	unit, ok := unitDurations[m[2]]
	if !ok {
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// Less orders intervals by duration, unknown labels last, ties broken lexically.
func Less(a, b string) bool {
	da, okA := Duration(a)
	db, okB := Duration(b)
	switch {
	case okA && okB && da != db:
		return da < db
	case okA != okB:
		return okA
	}
	return a < b
}

// SortUnique canonicalizes, deduplicates and orders a list of intervals. Empty labels are dropped.
func SortUnique(intervals []string) []string {
	seen := make(map[string]struct{}, len(intervals))
	out := make([]string, 0, len(intervals))
	for _, iv := range intervals {
		c := Canonical(iv)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return Less(out[i], out[j]) })
	return out
}
