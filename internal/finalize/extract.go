package finalize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// namePatterns maps a language to its "my name is" phrases. Extraction
// scans for these verbatim, at word boundaries, in the order listed.
var namePatterns = map[string][]string{
	"he": {"קוראים לי", "השם שלי", "שמי"},
	"en": {"my name is", "this is"},
}

const (
	minNameRunes = 2
	maxNameRunes = 40
	// maxNameWords bounds how much text after a name phrase is taken as
	// the name itself.
	maxNameWords = 2
)

// nameClauseCut is where a stated name ends: sentence punctuation or a
// line break.
const nameClauseCut = ",.;:!?\n"

// patternsFor returns the name phrases for lang. Unknown languages scan
// every known phrase, since transcripts mix languages more often than
// configs change.
func patternsFor(lang string) []string {
	if p, ok := namePatterns[normalizeLang(lang)]; ok {
		return p
	}
	var all []string
	for _, lang := range []string{"he", "en"} {
		all = append(all, namePatterns[lang]...)
	}
	return all
}

func normalizeLang(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}

// nameClause locates a stated name across the user utterances. It returns
// the utterance index, the byte range of the whole clause (phrase plus
// name), and the name itself.
func nameClause(utterances []string, lang string) (idx, start, end int, name string, ok bool) {
	patterns := patternsFor(lang)
	for ui, u := range utterances {
		for _, p := range patterns {
			s, e, n, found := matchClause(u, p)
			if found {
				return ui, s, e, n, true
			}
		}
	}
	return 0, 0, 0, "", false
}

// matchClause finds pattern at a word boundary in u and extracts the name
// that follows it.
func matchClause(u, pattern string) (start, end int, name string, ok bool) {
	low := strings.ToLower(u)
	pat := strings.ToLower(pattern)
	from := 0
	for {
		i := strings.Index(low[from:], pat)
		if i < 0 {
			return 0, 0, "", false
		}
		i += from
		from = i + len(pat)
		if !boundedAt(low, i, len(pat)) || i+len(pat) > len(u) {
			continue
		}

		rest := u[i+len(pat):]
		n, consumed := takeName(rest)
		if n == "" {
			continue
		}
		return i, i + len(pat) + consumed, n, true
	}
}

// boundedAt reports whether s[i:i+n] sits on word boundaries.
func boundedAt(s string, i, n int) bool {
	if i > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:i])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if i+n < len(s) {
		r, _ := utf8.DecodeRuneInString(s[i+n:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// takeName reads up to maxNameWords words from s, stopping at sentence
// punctuation. It returns the cleaned name and how many bytes of s the
// clause consumed.
func takeName(s string) (string, int) {
	cut := len(s)
	if i := strings.IndexAny(s, nameClauseCut); i >= 0 {
		cut = i
	}
	segment := s[:cut]

	words := strings.Fields(segment)
	if len(words) > maxNameWords {
		words = words[:maxNameWords]
	}
	name := strings.Join(words, " ")
	name = strings.TrimFunc(name, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if !validName(name) {
		return "", 0
	}

	// Consumed bytes: through the end of the last name word within the
	// segment, so the subject remainder keeps any trailing clause.
	pos := 0
	for _, w := range words {
		i := strings.Index(segment[pos:], w)
		pos += i + len(w)
	}
	return name, pos
}

// validName accepts 2–40 runes with no digits.
func validName(name string) bool {
	n := utf8.RuneCountInString(name)
	if n < minNameRunes || n > maxNameRunes {
		return false
	}
	return !strings.ContainsFunc(name, unicode.IsDigit)
}

// ExtractName returns the caller's name from their utterances: a stated
// name where one of the language's name phrases matches, otherwise the
// first utterance when it is plausible as a bare name (2–40 runes, no
// digits). Empty when neither applies.
func ExtractName(utterances []string, lang string) string {
	if _, _, _, name, ok := nameClause(utterances, lang); ok {
		return name
	}
	if len(utterances) == 0 {
		return ""
	}
	first := strings.TrimSpace(utterances[0])
	if validName(first) {
		return first
	}
	return ""
}

// Subject returns the caller's stated subject: the user utterances joined,
// with the matched name clause removed. The subject is derivable when at
// least two words with letters or digits remain.
func Subject(utterances []string, lang string) (string, bool) {
	parts := make([]string, len(utterances))
	copy(parts, utterances)

	if idx, start, end, _, ok := nameClause(parts, lang); ok {
		u := parts[idx]
		parts[idx] = u[:start] + u[end:]
	}

	joined := strings.TrimFunc(strings.Join(parts, " "), func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune(nameClauseCut, r)
	})

	words := 0
	for _, w := range strings.Fields(joined) {
		if strings.ContainsFunc(w, func(r rune) bool {
			return unicode.IsLetter(r) || unicode.IsDigit(r)
		}) {
			words++
		}
	}
	return joined, words >= 2
}

// NormalizePhone reduces raw to digits and applies the Israeli numbering
// rules: 9–13 digits accepted, `972…` gains a plus, a 10-digit number with
// a leading zero swaps it for +972. Anything else in range is returned
// digits-only; out-of-range input is rejected.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	d := b.String()
	if len(d) < 9 || len(d) > 13 {
		return "", false
	}
	switch {
	case strings.HasPrefix(d, "972"):
		return "+" + d, true
	case d[0] == '0' && len(d) == 10:
		return "+972" + d[1:], true
	default:
		return d, true
	}
}
