// Package classify interprets free-text reply bodies.
package classify

import (
	"strings"
	"unicode"

	"github.com/BTreeMap/CareNudge/internal/models"
)

var affirmative = map[string]struct{}{
	"yes": {}, "y": {}, "yeah": {}, "yep": {}, "yup": {}, "ok": {}, "okay": {},
	"sure": {}, "confirm": {}, "confirmed": {}, "👍": {},
}

var negative = map[string]struct{}{
	"no": {}, "n": {}, "nope": {}, "stop": {}, "unsubscribe": {}, "cancel": {},
	"decline": {}, "quit": {},
}

// Classify labels body as Affirmative, Negative or FreeText.
// Matching is case-insensitive against a fixed vocabulary after trimming
// surrounding whitespace and trailing punctuation. Only a whole-body match counts:
// "yes please" is FreeText.
func Classify(body string) models.ReplyClass {
	word := canonicalize(body)
	if _, ok := affirmative[word]; ok {
		return models.ReplyAffirmative
	}
	if _, ok := negative[word]; ok {
		return models.ReplyNegative
	}
	return models.ReplyFreeText
}

func canonicalize(body string) string {
	s := strings.ToLower(strings.TrimSpace(body))
	s = strings.TrimRightFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
	return s
}
