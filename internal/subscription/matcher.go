package subscription

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tracked identifies the person whose wake-up is relayed.
type Tracked struct {
	Username string   // chat handle, without '@'
	Aliases  []string // names people use in questions
	Keyword  string   // word that turns a mention into a wake query

	// FoldDiacritics also ignores accents, so "Lükas" matches "lukas".
	FoldDiacritics bool
}

func DefaultTracked() Tracked {
	return Tracked{Username: "lukasovich", Aliases: []string{"lukas", "lulu"}, Keyword: "wach"}
}

// Matcher classifies free text. Matching is a case-insensitive substring
// test, optionally diacritic-insensitive too.
type Matcher struct {
	username string
	aliases  []string
	keyword  string
	folding  bool
}

func NewMatcher(t Tracked) Matcher {
	m := Matcher{folding: t.FoldDiacritics}
	m.username = m.fold(strings.TrimPrefix(strings.TrimSpace(t.Username), "@"))
	m.keyword = m.fold(strings.TrimSpace(t.Keyword))
	for _, a := range t.Aliases {
		if a = m.fold(strings.TrimSpace(a)); a != "" {
			m.aliases = append(m.aliases, a)
		}
	}
	return m
}

// IsSelfQuery reports whether the tracked person is asking about themself.
func (m Matcher) IsSelfQuery(username, text string) bool {
	if m.username == "" || m.keyword == "" {
		return false
	}
	u := m.fold(strings.TrimPrefix(strings.TrimSpace(username), "@"))
	return u == m.username && strings.Contains(m.fold(text), m.keyword)
}

// IsWakeQuery reports whether text mentions any alias and the keyword, in
// any order.
func (m Matcher) IsWakeQuery(text string) bool {
	if m.keyword == "" {
		return false
	}
	t := m.fold(text)
	if !strings.Contains(t, m.keyword) {
		return false
	}
	for _, a := range m.aliases {
		if strings.Contains(t, a) {
			return true
		}
	}
	return false
}

func (m Matcher) fold(s string) string {
	if s == "" || !m.folding {
		return strings.ToLower(s)
	}
	tr := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(tr, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}
