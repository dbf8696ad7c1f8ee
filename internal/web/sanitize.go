package web

import (
	"fmt"
	"regexp"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitation modes for request bodies.
const (
	SanitizeOff    = "off"
	SanitizeUGC    = "ugc"
	SanitizeStrict = "strict"
)

// markupPattern selects strings that look like they carry tags. Plain text
// such as "a < b" is left alone.
var markupPattern = regexp.MustCompile(`<[a-zA-Z!/?]`)

// newSanitizer returns the bluemonday policy for mode, or nil when off.
func newSanitizer(mode string) (*bluemonday.Policy, error) {
	switch mode {
	case "", SanitizeOff:
		return nil, nil
	case SanitizeUGC:
		p := bluemonday.UGCPolicy()
		p.AllowAttrs("class").Matching(bluemonday.SpaceSeparatedTokens).OnElements("code", "pre", "span", "div")
		return p, nil
	case SanitizeStrict:
		return bluemonday.StrictPolicy(), nil
	default:
		return nil, fmt.Errorf("unknown sanitize mode %q", mode)
	}
}

// sanitizeValue rewrites markup-bearing strings in a decoded JSON value or
// form. It reports whether anything changed.
func sanitizeValue(p *bluemonday.Policy, v any) (any, bool) {
	switch val := v.(type) {
	case string:
		if !markupPattern.MatchString(val) {
			return val, false
		}
		clean := p.Sanitize(val)
		return clean, clean != val
	case []any:
		changed := false
		for i, item := range val {
			if out, ok := sanitizeValue(p, item); ok {
				val[i] = out
				changed = true
			}
		}
		return val, changed
	case map[string]any:
		changed := false
		for k, item := range val {
			if out, ok := sanitizeValue(p, item); ok {
				val[k] = out
				changed = true
			}
		}
		return val, changed
	case map[string][]string:
		changed := false
		for k, items := range val {
			for i, item := range items {
				if out, ok := sanitizeValue(p, item); ok {
					items[i] = out.(string)
					changed = true
				}
			}
			val[k] = items
		}
		return val, changed
	}
	return v, false
}
