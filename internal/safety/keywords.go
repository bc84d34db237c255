package safety

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// MatchKind tells how a phrase was found.
type MatchKind string

const (
	MatchExact    MatchKind = "exact"
	MatchFuzzy    MatchKind = "fuzzy"
	MatchPhonetic MatchKind = "phonetic"
)

// KeywordMatch is one crisis phrase found in a transcript.
type KeywordMatch struct {
	Phrase string
	Found  string
	Kind   MatchKind
}

const (
	// fuzzyRatio bounds the edit distance of a long word to len/fuzzyRatio.
	fuzzyRatio = 5

	// longWord is the rune count from which a word may match by edit
	// distance or sound alone. Shorter words must also keep their first
	// letter and Double Metaphone code.
	longWord = 5

	// phoneticSimilarity is the minimum Jaro-Winkler score for a long word
	// that shares a Double Metaphone code with the phrase word.
	phoneticSimilarity = 0.85
)

// exactOnly lists function words that never match approximately; "and"
// must not read as "end", nor "on" as "no".
var exactOnly = map[string]bool{
	"a": true, "all": true, "an": true, "and": true, "go": true, "i": true,
	"in": true, "is": true, "it": true, "me": true, "my": true, "no": true,
	"not": true, "of": true, "on": true, "or": true, "the": true, "to": true,
}

type word struct {
	text  string
	runes int
	codes [2]string
}

type phrase struct {
	text  string
	words []word
}

// KeywordScanner finds crisis phrases in transcripts. Recognizers garble
// exactly the words that matter, so besides exact matches it accepts
// windows whose words each stay close to the phrase word in spelling or
// sound. Function words and short words are held to stricter rules. It is
// read-only after construction and safe for concurrent use.
type KeywordScanner struct {
	phrases []phrase
}

// NewKeywordScanner compiles phrases. Empty phrases are ignored.
func NewKeywordScanner(phrases []string) *KeywordScanner {
	ks := &KeywordScanner{}
	for _, p := range phrases {
		tokens := tokenize(p)
		if len(tokens) == 0 {
			continue
		}
		ph := phrase{text: strings.Join(tokens, " ")}
		for _, t := range tokens {
			a, b := matchr.DoubleMetaphone(t)
			ph.words = append(ph.words, word{text: t, runes: utf8.RuneCountInString(t), codes: [2]string{a, b}})
		}
		ks.phrases = append(ks.phrases, ph)
	}
	return ks
}

// Len returns the number of compiled phrases.
func (ks *KeywordScanner) Len() int { return len(ks.phrases) }

// Scan returns the first phrase found in text, checking exact matches
// before approximate ones.
func (ks *KeywordScanner) Scan(text string) (KeywordMatch, bool) {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return KeywordMatch{}, false
	}
	joined := " " + strings.Join(tokens, " ") + " "
	for _, p := range ks.phrases {
		if strings.Contains(joined, " "+p.text+" ") {
			return KeywordMatch{Phrase: p.text, Found: p.text, Kind: MatchExact}, true
		}
	}
	for _, p := range ks.phrases {
		for i := 0; i+len(p.words) <= len(tokens); i++ {
			window := tokens[i : i+len(p.words)]
			if kind, ok := p.approximate(window); ok {
				return KeywordMatch{Phrase: p.text, Found: strings.Join(window, " "), Kind: kind}, true
			}
		}
	}
	return KeywordMatch{}, false
}

// approximate matches window word by word. The result is phonetic when any
// word matched only by sound, fuzzy otherwise.
func (p phrase) approximate(window []string) (MatchKind, bool) {
	kind := MatchExact
	for i, w := range window {
		switch p.words[i].match(w) {
		case MatchExact:
		case MatchFuzzy:
			if kind == MatchExact {
				kind = MatchFuzzy
			}
		case MatchPhonetic:
			kind = MatchPhonetic
		default:
			return "", false
		}
	}
	return kind, kind != MatchExact
}

// match compares one transcript word with the phrase word. It returns ""
// when they differ.
func (pw word) match(w string) MatchKind {
	if w == pw.text {
		return MatchExact
	}
	if exactOnly[pw.text] || pw.runes < 3 {
		return ""
	}
	a, b := matchr.DoubleMetaphone(w)
	sounds := codeOverlap(a, b, pw.codes[0], pw.codes[1])
	dist := matchr.Levenshtein(w, pw.text)

	if pw.runes < longWord {
		first, _ := utf8.DecodeRuneInString(w)
		want, _ := utf8.DecodeRuneInString(pw.text)
		if dist <= 1 && sounds && first == want {
			return MatchFuzzy
		}
		return ""
	}
	switch {
	case dist <= pw.runes/fuzzyRatio:
		return MatchFuzzy
	case sounds && matchr.JaroWinkler(w, pw.text, false) >= phoneticSimilarity:
		return MatchPhonetic
	}
	return ""
}

func codeOverlap(a, b, c, d string) bool {
	for _, x := range []string{a, b} {
		if x != "" && (x == c || x == d) {
			return true
		}
	}
	return false
}

// tokenize lowercases text and splits it into words. Apostrophes are kept
// so that "can't" stays one word.
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
