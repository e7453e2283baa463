package indicator

import (
	"regexp"
	"sort"
	"strings"
)

// Legacy fallback decoder for free-text trigger descriptions such as
// "RSI=25.31 -> BUY | StochRSI=12.0". Nothing in here is needed when the
// trigger payload carries structured indicator keys and actions.

var (
	numberPattern = regexp.MustCompile(`-?\d+(\.\d+)?`)
	actionPattern = regexp.MustCompile(`(?i)(?:->|→)\s*(BUY|SELL)`)
)

// SplitSegments splits a pipe-delimited description into trimmed, non-empty segments.
func SplitSegments(desc string) []string {
	parts := strings.Split(desc, "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// InferFromDescription returns the sorted canonical keys mentioned anywhere in desc.
func (r *Resolver) InferFromDescription(desc string) []string {
	set := make(map[string]struct{})
	for _, seg := range SplitSegments(desc) {
		for _, key := range r.scan(seg) {
			set[key] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// scan finds indicator mentions in one segment. Longer aliases claim their
// characters first so "stochrsi" is never also counted as a bare "rsi".
func (r *Resolver) scan(text string) []string {
	low := strings.ToLower(text)
	found := make(map[string]struct{})

	for _, w := range strings.FieldsFunc(low, func(c rune) bool {
		return !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9'))
	}) {
		if len(w) < minSubstringHint {
			if key, ok := r.aliases[w]; ok {
				found[key] = struct{}{}
			}
		}
	}

	compact := Compact(low)
	claimed := make([]bool, len(compact))
	for _, h := range r.hints {
		if len(h.token) < minSubstringHint {
			continue
		}
		from := 0
		for from < len(compact) {
			idx := strings.Index(compact[from:], h.token)
			if idx < 0 {
				break
			}
			start := from + idx
			end := start + len(h.token)
			if !anyClaimed(claimed[start:end]) {
				for i := start; i < end; i++ {
					claimed[i] = true
				}
				found[h.key] = struct{}{}
			}
			from = start + 1
		}
	}

	out := make([]string, 0, len(found))
	for k := range found {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func anyClaimed(span []bool) bool {
	for _, c := range span {
		if c {
			return true
		}
	}
	return false
}

// ExtractMetrics finds the segments that mention key and returns the first numeric
// literal and the normalized BUY/SELL action found there. A segment of the form
// "NAME=value" without an arrow is preferred for the value. Missing parts come back "".
func (r *Resolver) ExtractMetrics(key string, segments []string) (value, action string) {
	key = r.Canonicalize(key)
	if key == "" {
		return "", ""
	}
	var matching []string
	for _, seg := range segments {
		for _, k := range r.scan(seg) {
			if k == key {
				matching = append(matching, seg)
				break
			}
		}
	}
	if len(matching) == 0 {
		return "", ""
	}

	preferences := []func(string) bool{
		func(s string) bool { return strings.Contains(s, "=") && !strings.Contains(s, "->") },
		func(s string) bool { return strings.Contains(s, "=") },
		func(string) bool { return true },
	}
	for _, pick := range preferences {
		for _, seg := range matching {
			if !pick(seg) {
				continue
			}
			if v := numberIn(seg); v != "" {
				value = v
				break
			}
		}
		if value != "" {
			break
		}
	}

	for _, seg := range matching {
		if m := actionPattern.FindStringSubmatch(seg); m != nil {
			action = strings.ToLower(m[1])
			break
		}
	}
	return value, action
}

// numberIn reads the first number after "=" when present, otherwise anywhere in seg.
func numberIn(seg string) string {
	if idx := strings.Index(seg, "="); idx >= 0 {
		if v := numberPattern.FindString(seg[idx+1:]); v != "" {
			return v
		}
	}
	return numberPattern.FindString(seg)
}

// ExtractMetrics extracts with the Default resolver.
func ExtractMetrics(key string, segments []string) (value, action string) {
	return Default.ExtractMetrics(key, segments)
}
