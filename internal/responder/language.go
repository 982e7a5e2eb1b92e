package responder

import (
	"strings"
)

// promptLanguageThreshold is the stop-word confidence a question must reach
// before the prompt asks for a reply in that language.
const promptLanguageThreshold = 0.3

// stopWords are high-frequency function words per supported language. A
// question is scored by the share of its words found here; accents alone are
// too rare in short spoken questions to rely on.
var stopWords = map[string]map[string]struct{}{
	"es": wordSet("el la los las un una es son que como donde cuando por para con de y o no si qué cómo dónde cuándo"),
	"fr": wordSet("le la les un une est sont que comment où quand pour avec de et ou ne pas quel quelle est-ce"),
	"de": wordSet("der die das ein eine ist sind was wie wo wann für mit von und oder nicht warum wer"),
}

// languageNames spells out the instruction appended to the prompt.
var languageNames = map[string]string{
	"es": "Spanish",
	"fr": "French",
	"de": "German",
}

func wordSet(words string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(words) {
		set[w] = struct{}{}
	}
	return set
}

// detectQuestionLanguage guesses a question's language from its stop-word
// share. Returns the best non-English candidate and its confidence, where
// confidence is the fraction of words matching that language's stop-word
// set. English and unscorable text come back as ("en", 0).
func detectQuestionLanguage(text string) (string, float64) {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return "en", 0
	}
	for i, w := range words {
		words[i] = strings.Trim(w, ".,!?¿¡;:\"'")
	}

	best, bestScore := "en", 0.0
	for lang, set := range stopWords {
		hits := 0
		for _, w := range words {
			if _, ok := set[w]; ok {
				hits++
			}
		}
		score := float64(hits) / float64(len(words))
		if score > bestScore || (score == bestScore && score > 0 && lang < best) {
			best, bestScore = lang, score
		}
	}
	if bestScore == 0 {
		return "en", 0
	}
	return best, bestScore
}
