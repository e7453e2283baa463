// Package indicator maps the many spellings of an indicator identifier onto one canonical key.
//
// The structured path (Canonicalize, ResolveTriggerIndicators over explicit keys) is the
// normal route. Parsing free-text trigger descriptions lives in desc.go and is only a
// fallback for payloads that arrive without structured trigger data.
package indicator

import (
	"regexp"
	"sort"
	"strings"
)

// minSubstringHint is the shortest alias allowed to match inside a longer run of text.
// Shorter aliases ("ma", "bb", "wr") only match as whole words.
const minSubstringHint = 3

var parenAbbrev = regexp.MustCompile(`\(([^)]+)\)`)

// Resolver holds the lookup tables built once from a display-name registry.
type Resolver struct {
	direct   map[string]string
	aliases  map[string]string
	prefixes []tokenKey
	hints    []tokenKey
}

type tokenKey struct {
	token string
	key   string
}

// Default is built from DisplayNames and the built-in alias sets.
var Default = NewResolver(DisplayNames)

// NewResolver builds lookup tables from displayNames (key -> display name) and the built-in aliases.
func NewResolver(displayNames map[string]string) *Resolver {
	r := &Resolver{
		direct:  make(map[string]string),
		aliases: make(map[string]string),
	}
	keys := make([]string, 0, len(displayNames))
	for k := range displayNames {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		display := displayNames[key]
		r.direct[strings.ToLower(key)] = key
		r.direct[strings.ToLower(strings.TrimSpace(display))] = key
		r.addAlias(Compact(key), key)

		bare := strings.TrimSpace(parenAbbrev.ReplaceAllString(display, ""))
		r.addAlias(Compact(bare), key)
		r.prefixes = append(r.prefixes, tokenKey{token: Compact(bare), key: key})
		for _, m := range parenAbbrev.FindAllStringSubmatch(display, -1) {
			r.addAlias(Compact(m[1]), key)
		}
	}

	aliasKeys := make([]string, 0, len(aliasSets))
	for k := range aliasSets {
		aliasKeys = append(aliasKeys, k)
	}
	sort.Strings(aliasKeys)
	for _, key := range aliasKeys {
		for _, a := range aliasSets[key] {
			// hand-written aliases override anything derived from display names
			r.aliases[a] = key
		}
	}

	for tok, key := range r.aliases {
		r.hints = append(r.hints, tokenKey{token: tok, key: key})
	}
	sort.Slice(r.hints, func(i, j int) bool {
		if len(r.hints[i].token) != len(r.hints[j].token) {
			return len(r.hints[i].token) > len(r.hints[j].token)
		}
		return r.hints[i].token < r.hints[j].token
	})
	sort.Slice(r.prefixes, func(i, j int) bool { return r.prefixes[i].token < r.prefixes[j].token })
	return r
}

func (r *Resolver) addAlias(token, key string) {
	if token == "" {
		return
	}
	if _, exists := r.aliases[token]; !exists {
		r.aliases[token] = key
	}
}

// Canonicalize returns the canonical key for value, which may be a key, a display name or an alias,
// optionally suffixed with "@interval" or "@action". Unknown values come back lower-cased; empty
// input returns "".
func (r *Resolver) Canonicalize(value string) string {
	s := strings.TrimSpace(value)
	if idx := strings.Index(s, "@"); idx >= 0 {
		s = strings.TrimSpace(s[:idx])
	}
	if s == "" {
		return ""
	}
	low := strings.ToLower(s)
	if key, ok := r.direct[low]; ok {
		return key
	}
	tok := Compact(low)
	if tok == "" {
		return low
	}
	if key, ok := r.aliases[tok]; ok {
		return key
	}
	if len(tok) >= minSubstringHint {
		for _, p := range r.prefixes {
			if strings.HasPrefix(p.token, tok) {
				return p.key
			}
		}
	}
	return low
}

// ResolveTriggerIndicators canonicalizes every element of raw. When raw yields nothing it
// falls back to scanning desc, a pipe-delimited trigger description. The result is sorted
// and free of duplicates; it is never nil.
func (r *Resolver) ResolveTriggerIndicators(raw []string, desc string) []string {
	set := make(map[string]struct{})
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			if key := r.Canonicalize(part); key != "" {
				set[key] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		for _, key := range r.InferFromDescription(desc) {
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

// NormalizeActions canonicalizes the keys of actions and maps values onto "buy"/"sell".
// Entries whose action cannot be normalized are dropped.
func (r *Resolver) NormalizeActions(actions map[string]string) map[string]string {
	if len(actions) == 0 {
		return nil
	}
	out := make(map[string]string, len(actions))
	for k, v := range actions {
		key := r.Canonicalize(k)
		act := NormalizeAction(v)
		if key == "" || act == "" {
			continue
		}
		out[key] = act
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// NormalizeAction maps BUY/LONG/L onto "buy" and SELL/SHORT/S onto "sell". Anything else returns "".
func NormalizeAction(v string) string {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "buy", "long", "l", "b":
		return "buy"
	case "sell", "short", "s":
		return "sell"
	}
	return ""
}

// Compact lower-cases s and drops every rune that is not an ASCII letter or digit.
func Compact(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, c := range strings.ToLower(s) {
		if (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// Canonicalize resolves value with the Default resolver.
func Canonicalize(value string) string { return Default.Canonicalize(value) }

// ResolveTriggerIndicators resolves with the Default resolver.
func ResolveTriggerIndicators(raw []string, desc string) []string {
	return Default.ResolveTriggerIndicators(raw, desc)
}
