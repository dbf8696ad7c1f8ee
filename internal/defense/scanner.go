package defense

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/inercia/warden/internal/models"
)

// MaxSampleLength bounds the payload sample kept with an attempt.
const MaxSampleLength = 200

// signature is one named detection pattern.
type signature struct {
	name       string
	attackType models.AttackType
	re         *regexp.Regexp
}

// Patterns target attack syntax, not vocabulary. Prose that mentions
// "select", "union" or "from" must not match.
var signatures = []signature{
	// SQL
	// DDL counts only after a quote or semicolon, or as a whole statement
	// naming one object. "drop table tennis" in a sentence is not one.
	{"sql-ddl", models.AttackSQLInjection,
		regexp.MustCompile("(?i)['\";]\\s*(drop|truncate|alter)\\s+(table|database|schema)\\b" +
			"|\\b(drop|truncate|alter)\\s+(table|database|schema)\\s+(if\\s+exists\\s+)?[\\w.`\"\\[\\]]+\\s*(;|--|/\\*)" +
			"|^\\s*(drop|truncate|alter)\\s+(table|database|schema)\\s+(if\\s+exists\\s+)?[\\w.`\"\\[\\]]+\\s*$")},
	{"sql-insert", models.AttackSQLInjection,
		regexp.MustCompile("(?i)\\binsert\\s+into\\s+[\\w.`\"\\[\\]]+\\s*(\\(|values\\b|select\\b)")},
	{"sql-delete", models.AttackSQLInjection,
		regexp.MustCompile("(?i)\\bdelete\\s+from\\s+[\\w.`\"\\[\\]]+\\s*(where\\b|;)")},
	{"sql-update", models.AttackSQLInjection,
		regexp.MustCompile("(?i)\\bupdate\\s+[\\w.`\"\\[\\]]+\\s+set\\s+[\\w.`\"\\[\\]]+\\s*=")},
	{"sql-select", models.AttackSQLInjection,
		regexp.MustCompile(`(?i)\bselect\s+(\*|@@\w+|(count|max|min|sum|avg|concat|group_concat|version|database|user|load_file)\s*\()[^;]{0,100}?(\bfrom\b|$)`)},
	{"sql-union", models.AttackSQLInjection,
		regexp.MustCompile(`(?i)\bunion(\s+all|\s+distinct)?(\s+|/\*.*?\*/)+select\b`)},
	{"sql-comment", models.AttackSQLInjection,
		regexp.MustCompile(`'\s*(--|#)\s*$|'\s*/\*`)},
	{"sql-stacked", models.AttackSQLInjection,
		regexp.MustCompile(`(?i);\s*((drop|truncate|alter)\s+(table|database)\b|delete\s+from\b|insert\s+into\b|update\s+\w+\s+set\b|exec(ute)?\s+\w|shutdown\b)`)},
	{"sql-tautology", models.AttackSQLInjection,
		regexp.MustCompile(`(?i)'\s*or\s+'[^']*'\s*=\s*'|'\s*or\s+\d+\s*=\s*\d+|\bor\s+1\s*=\s*1\b|'\s*or\s+true\b`)},
	{"sql-timing", models.AttackSQLInjection,
		regexp.MustCompile(`(?i)\b(sleep|pg_sleep|benchmark)\s*\(\s*\d|\bwaitfor\s+delay\b`)},

	// XSS
	{"xss-script", models.AttackXSS,
		regexp.MustCompile(`(?i)<\s*script\b`)},
	{"xss-js-uri", models.AttackXSS,
		regexp.MustCompile(`(?i)\bjavascript:\S|\b(href|src|action|formaction)\s*=\s*['"]?\s*javascript\s*:`)},
	{"xss-event-handler", models.AttackXSS,
		regexp.MustCompile(`(?i)<\s*(a|audio|body|button|details|div|embed|form|frame|iframe|img|image|input|link|marquee|math|meta|object|select|source|span|style|svg|table|td|textarea|video)\b[^>]*[\s/"']on(abort|animation\w*|auxclick|before\w+|blur|change|click|contextmenu|copy|cut|dblclick|drag\w*|drop|error|focus\w*|hashchange|input|invalid|key\w+|load\w*|message|mouse\w+|paste|pointer\w+|reset|resize|scroll|search|select|submit|toggle|touch\w+|transition\w*|unload|wheel)\s*=`)},
	{"xss-iframe", models.AttackXSS,
		regexp.MustCompile(`(?i)<\s*(iframe|object|embed)\b`)},
	{"xss-eval", models.AttackXSS,
		regexp.MustCompile("(?i)\\beval\\(\\s*(['\"`]|[\\w.$]+\\s*[(\\[.+)])")},
	{"xss-vbscript", models.AttackXSS,
		regexp.MustCompile(`(?i)\bvbscript:`)},
	{"xss-data-html", models.AttackXSS,
		regexp.MustCompile(`(?i)\bdata:text/html`)},
}

// Match describes the first signature found in a scanned value.
type Match struct {
	Matched    bool
	AttackType models.AttackType
	// Rule is the name of the signature that matched.
	Rule string
	// Field is the dotted path of the offending value, e.g. "body.user.bio".
	Field string
	// Sample is the offending value truncated to MaxSampleLength characters.
	Sample string
}

// Scanner looks for injection signatures in request data.
// It is stateless and safe for concurrent use.
type Scanner struct{}

// NewScanner returns a Scanner using the built-in signatures.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Scan walks value and returns the first match.
func (s *Scanner) Scan(value any) Match {
	return s.ScanField("", value)
}

// ScanField is Scan with a path prefix for reported fields.
func (s *Scanner) ScanField(field string, value any) Match {
	switch v := value.(type) {
	case nil:
		return Match{}
	case string:
		return s.ScanString(field, v)
	case []byte:
		return s.ScanString(field, string(v))
	case []string:
		for i, item := range v {
			if m := s.ScanString(index(field, i), item); m.Matched {
				return m
			}
		}
	case []any:
		for i, item := range v {
			if m := s.ScanField(index(field, i), item); m.Matched {
				return m
			}
		}
	case map[string]any:
		for _, k := range sortedKeys(v) {
			if m := s.ScanString(join(field, k), k); m.Matched {
				return m
			}
			if m := s.ScanField(join(field, k), v[k]); m.Matched {
				return m
			}
		}
	case map[string]string:
		for _, k := range sortedKeys(v) {
			if m := s.ScanString(join(field, k), k); m.Matched {
				return m
			}
			if m := s.ScanString(join(field, k), v[k]); m.Matched {
				return m
			}
		}
	case url.Values:
		return s.ScanField(field, map[string][]string(v))
	case map[string][]string:
		for _, k := range sortedKeys(v) {
			if m := s.ScanString(join(field, k), k); m.Matched {
				return m
			}
			if m := s.ScanField(join(field, k), v[k]); m.Matched {
				return m
			}
		}
	}
	return Match{}
}

// ScanString checks a single string. The whole string is scanned; only the
// sample is truncated.
func (s *Scanner) ScanString(field, v string) Match {
	if v == "" {
		return Match{}
	}
	for _, sig := range signatures {
		if sig.re.MatchString(v) {
			return Match{
				Matched:    true,
				AttackType: sig.attackType,
				Rule:       sig.name,
				Field:      field,
				Sample:     Truncate(v, MaxSampleLength),
			}
		}
	}
	return Match{}
}

// Truncate shortens s to at most n characters without splitting a rune.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

func index(prefix string, i int) string {
	return prefix + "[" + strconv.Itoa(i) + "]"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
