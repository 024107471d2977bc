package intent

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	fallbackConfidence = 0.7
	unknownConfidence  = 0.3
)

// Rule maps a pattern over folded text to an intent.
type Rule struct {
	Pattern *regexp.Regexp
	Intent  Intent
}

func rule(pattern string, in Intent) Rule {
	return Rule{Pattern: regexp.MustCompile(pattern), Intent: in}
}

// Rules are checked in order. Rescheduling and negated phrases come first so
// that "no voy" never reads as the "voy" of a confirmation. A rule mapping to
// Unknown stops the scan.
var spanishRules = []Rule{
	rule(`\b(reprogramar|reagendar|postergar|aplazar)\b`, Reschedule),
	rule(`\b(cambiar|mover|correr)\s+(la\s+|mi\s+)?(hora|cita|fecha)\b`, Reschedule),
	rule(`\botro\s+(dia|horario|hora)\b`, Reschedule),

	rule(`\b(cancelo|cancelar|anulo|anular)\b`, Cancel),
	rule(`\bno\s+(puedo|voy|asisto|asistire|ire|podre)\b`, Cancel),

	// Hedges are not answers, whatever "si" or "estoy" follows them.
	rule(`\bno\s+(estoy\s+segur[oa]|se)\b`, Unknown),
	rule(`\b(quiza|quizas|tal\s+vez|a\s+lo\s+mejor)\b`, Unknown),

	rule(`\b(confirmo|confirmar|confirmado)\b`, Confirm),
	rule(`\b(si|ok|acepto|voy|asisto|asistire|estoy|ire|alli estare)\b`, Confirm),
}

var englishRules = []Rule{
	rule(`\breschedul(e|ing)\b`, Reschedule),
	rule(`\b(change|move)\s+(my\s+|the\s+)?(appointment|time|date)\b`, Reschedule),
	rule(`\banother\s+(day|time)\b`, Reschedule),

	rule(`\bcancel(l?ed|ling)?\b`, Cancel),
	rule(`\b(can'?t|cannot|won'?t)\s+(make it|come|attend|go)\b`, Cancel),
	rule(`\bnot\s+(coming|going|attending)\b`, Cancel),

	rule(`\b(not\s+sure|maybe|i\s+don'?t\s+know)\b`, Unknown),

	rule(`\bconfirm(ed)?\b`, Confirm),
	rule(`\b(yes|yep|ok|okay|sure)\b`, Confirm),
	rule(`\b(i'?ll|i will)\s+be\s+there\b`, Confirm),
}

// fold lower-cases s and strips diacritics. A transform chain keeps state, so
// one is built per call.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), cases.Fold(), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return strings.ToLower(s)
	}
	return out
}

func rulesFor(language string) [][]Rule {
	if strings.HasPrefix(strings.ToLower(language), "en") {
		return [][]Rule{englishRules, spanishRules}
	}
	return [][]Rule{spanishRules, englishRules}
}

// Fallback classifies with the pattern tables. It never fails and gives the
// same answer for the same input.
func Fallback(utterance, language string) Result {
	text := fold(utterance)
	for _, rules := range rulesFor(language) {
		for _, r := range rules {
			if r.Pattern.MatchString(text) {
				if r.Intent == Unknown {
					return unknownFallback()
				}
				return Result{Intent: r.Intent, Confidence: fallbackConfidence, Source: SourceFallback}
			}
		}
	}
	return unknownFallback()
}

func unknownFallback() Result {
	return Result{Intent: Unknown, Confidence: unknownConfidence, Source: SourceFallback}
}
