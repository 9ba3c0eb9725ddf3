package routing

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var lower = cases.Lower(language.Und)

// Normalize lowercases a message and collapses whitespace so rules match
// regardless of casing or line breaks.
func Normalize(message string) string {
	return strings.Join(strings.Fields(lower.String(message)), " ")
}

// Match is a message predicate: any keyword as a whole word or the regular
// expression. Matching is done against Normalize(message). A keyword also
// matches its plural ("chart" matches "charts", not "charter").
type Match struct {
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`

	keywords []string
	re       *regexp.Regexp
}

// Compile prepares the match for use. It must be called before Matches.
func (m *Match) Compile() error {
	m.keywords = m.keywords[:0]
	for _, kw := range m.Keywords {
		if kw = Normalize(kw); kw != "" {
			m.keywords = append(m.keywords, kw)
		}
	}
	m.re = nil
	if p := strings.TrimSpace(m.Pattern); p != "" {
		re, err := regexp.Compile(p)
		if err != nil {
			return fmt.Errorf("routing: invalid pattern %q: %w", m.Pattern, err)
		}
		m.re = re
	}
	if len(m.keywords) == 0 && m.re == nil {
		return fmt.Errorf("routing: match needs keywords or a pattern")
	}
	return nil
}

// Matches reports whether the normalized message satisfies the predicate.
func (m *Match) Matches(normalized string) bool {
	if normalized == "" {
		return false
	}
	for _, kw := range m.keywords {
		if containsWord(normalized, kw) {
			return true
		}
	}
	return m.re != nil && m.re.MatchString(normalized)
}

// containsWord reports whether kw occurs in s bounded by non-word runes,
// allowing a trailing "s" or "es".
func containsWord(s, kw string) bool {
	for from := 0; from <= len(s)-len(kw); {
		i := strings.Index(s[from:], kw)
		if i < 0 {
			return false
		}
		start := from + i
		if wordStart(s, start) && wordEnd(s[start+len(kw):]) {
			return true
		}
		from = start + 1
	}
	return false
}

func wordStart(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func wordEnd(rest string) bool {
	for _, suffix := range []string{"", "s", "es"} {
		if !strings.HasPrefix(rest, suffix) {
			continue
		}
		tail := rest[len(suffix):]
		if tail == "" {
			return true
		}
		if r, _ := utf8.DecodeRuneInString(tail); !isWordRune(r) {
			return true
		}
	}
	return false
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
