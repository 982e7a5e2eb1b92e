// Package synthesizer turns assistant replies into playable audio records:
// language detection, engine selection with fallback, in-memory synthesis,
// and base64 packaging for the broker.
package synthesizer

import (
	"strings"
)

// Supported reply languages. The detector only ever returns one of these or
// the configured default.
var supportedLanguages = []string{"en", "es", "fr", "de"}

// languageMarkers are characters distinctive enough to vote for a language.
// Plain ASCII text carries no votes and resolves to the default. The order
// of this list breaks ties deterministically.
var languageMarkers = []struct {
	lang  string
	runes string
}{
	{"es", "ñ¿¡áíóú"},
	{"fr", "àâæçèêëîïôùûœ"},
	{"de", "äöß"},
}

// Detector guesses a reply's language from its character inventory. Cheap by
// design: replies are short and the cost of a wrong guess is a slightly off
// TTS voice, not a pipeline failure.
type Detector struct {
	defaultLanguage string
}

// NewDetector builds a detector. An unsupported or empty default collapses
// to English.
func NewDetector(defaultLanguage string) *Detector {
	lang := strings.ToLower(defaultLanguage)
	supported := false
	for _, s := range supportedLanguages {
		if s == lang {
			supported = true
			break
		}
	}
	if !supported {
		lang = "en"
	}
	return &Detector{defaultLanguage: lang}
}

// Detect returns the marker language with the most votes, or the default
// when no marker appears.
func (d *Detector) Detect(text string) string {
	lower := strings.ToLower(text)

	best := d.defaultLanguage
	bestVotes := 0
	for _, m := range languageMarkers {
		votes := 0
		for _, r := range lower {
			if strings.ContainsRune(m.runes, r) {
				votes++
			}
		}
		if votes > bestVotes {
			best = m.lang
			bestVotes = votes
		}
	}
	return best
}

// DefaultLanguage returns the configured fallback language.
func (d *Detector) DefaultLanguage() string {
	return d.defaultLanguage
}
