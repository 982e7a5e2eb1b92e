package wake

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

// Detection is the outcome of a successful wake-phrase match: the question
// spoken after the phrase plus match provenance.
type Detection struct {
	Question   string
	Kind       string
	Phrase     string
	Confidence float64
}

// Detector matches wake phrases against normalized segment text. The
// patterns source is consulted per call so hot reloads take effect without
// re-wiring.
type Detector struct {
	patterns func() *Patterns
}

// NewDetector builds a detector reading its configuration from patterns.
func NewDetector(patterns func() *Patterns) *Detector {
	return &Detector{patterns: patterns}
}

type hit struct {
	kind       string
	phrase     string
	start, end int
	confidence float64
}

// Detect scans text for a wake phrase and extracts the trailing question.
// Returns false when no phrase matches or the question falls outside the
// configured length bounds.
func (d *Detector) Detect(text string) (Detection, bool) {
	p := d.patterns()
	norm := Normalize(text)
	if norm == "" {
		return Detection{}, false
	}

	var hits []hit
	for _, kind := range kindOrder {
		conf := p.Confidence(kind)
		for _, phrase := range p.Patterns[kind] {
			needle := Normalize(phrase)
			if needle == "" {
				continue
			}
			if kind == KindFuzzy {
				if !p.Fuzzy.Enabled {
					continue
				}
				if start, end, ok := fuzzyFind(norm, needle, p.Fuzzy.MaxEditDistance); ok {
					hits = append(hits, hit{kind, phrase, start, end, conf})
				}
				continue
			}
			if idx := strings.Index(norm, needle); idx >= 0 {
				hits = append(hits, hit{kind, phrase, idx, idx + len(needle), conf})
			}
		}
	}
	if len(hits) == 0 {
		return Detection{}, false
	}

	// Highest confidence wins; ties go to the earliest offset, then to
	// configuration order (which the slice already preserves).
	best := hits[0]
	for _, h := range hits[1:] {
		if h.confidence > best.confidence ||
			(h.confidence == best.confidence && h.start < best.start) {
			best = h
		}
	}

	question, ok := extractQuestion(norm[best.end:], p.Question)
	if !ok {
		return Detection{}, false
	}
	return Detection{
		Question:   question,
		Kind:       best.kind,
		Phrase:     best.phrase,
		Confidence: best.confidence,
	}, true
}

// Normalize lowercases, collapses internal whitespace, and strips leading
// and trailing punctuation except commas and question marks.
func Normalize(text string) string {
	s := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		if r == ',' || r == '?' {
			return false
		}
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

// extractQuestion takes the text after the matched phrase up to the next
// strong punctuation boundary and enforces the length bounds. Question marks
// are part of the question, not a boundary.
func extractQuestion(rest string, bounds QuestionBounds) (string, bool) {
	if idx := strings.IndexAny(rest, ".!;"); idx >= 0 {
		rest = rest[:idx]
	}
	q := strings.TrimSpace(strings.TrimLeft(rest, ", "))
	n := utf8.RuneCountInString(q)
	if n < bounds.MinChars || n > bounds.MaxChars {
		return "", false
	}
	return q, true
}

// fuzzyFind slides a window of len(words(phrase)) words over text and
// reports the first window within maxDist Damerau-Levenshtein edits of
// phrase. Offsets are byte positions into text.
func fuzzyFind(text, phrase string, maxDist int) (start, end int, ok bool) {
	phraseWords := strings.Fields(phrase)
	if len(phraseWords) == 0 {
		return 0, 0, false
	}

	type span struct{ start, end int }
	var words []span
	inWord := false
	wordStart := 0
	for i, r := range text {
		if r == ' ' {
			if inWord {
				words = append(words, span{wordStart, i})
				inWord = false
			}
			continue
		}
		if !inWord {
			wordStart = i
			inWord = true
		}
	}
	if inWord {
		words = append(words, span{wordStart, len(text)})
	}

	k := len(phraseWords)
	for i := 0; i+k <= len(words); i++ {
		window := text[words[i].start:words[i+k-1].end]
		if matchr.DamerauLevenshtein(window, phrase) <= maxDist {
			return words[i].start, words[i+k-1].end, true
		}
	}
	return 0, 0, false
}
