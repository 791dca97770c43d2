package enrich

import "strings"

// accentFold maps the accented characters common in Brazilian place names to
// their ASCII base, so "São Gonçalo" and "Sao Goncalo" compare equal.
var accentFold = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
	"é", "e", "ê", "e", "è", "e", "ë", "e",
	"í", "i", "î", "i", "ì", "i",
	"ó", "o", "ô", "o", "õ", "o", "ò", "o", "ö", "o",
	"ú", "u", "û", "u", "ù", "u", "ü", "u",
	"ç", "c", "ñ", "n",
)

// normalizePlace lowercases, folds accents, and collapses whitespace so place
// names from different publishers compare on substance.
func normalizePlace(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = accentFold.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// diceSimilarity computes the Sørensen–Dice coefficient over character
// bigrams of the two (already normalized) strings. Returns a value in [0, 1].
func diceSimilarity(a, b string) float64 {
	if a == b {
		if a == "" {
			return 0
		}
		return 1
	}
	if len(a) < 2 || len(b) < 2 {
		return 0
	}

	bigrams := make(map[string]int, len(a)-1)
	for i := 0; i+2 <= len(a); i++ {
		bigrams[a[i:i+2]]++
	}

	matches := 0
	for i := 0; i+2 <= len(b); i++ {
		if bigrams[b[i:i+2]] > 0 {
			bigrams[b[i:i+2]]--
			matches++
		}
	}
	return 2 * float64(matches) / float64(len(a)-1+len(b)-1)
}

// samePlace reports whether two place names refer to the same place: exact
// match after normalization, or bigram similarity above the threshold.
func samePlace(a, b string, threshold float64) bool {
	na, nb := normalizePlace(a), normalizePlace(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	return diceSimilarity(na, nb) >= threshold
}
