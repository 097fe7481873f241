package dedup

import (
	"strings"
	"unicode"
)

// DiceCoefficient scores the similarity of a and b in [0,1] using the
// Sørensen–Dice coefficient over character bigrams. Comparison ignores case
// and whitespace. Two strings that normalize identically score 1; a string
// shorter than two runes scores 0 against anything else.
func DiceCoefficient(a, b string) float64 {
	na, nb := normalize(a), normalize(b)
	if na == nb {
		return 1
	}
	ra, rb := []rune(na), []rune(nb)
	if len(ra) < 2 || len(rb) < 2 {
		return 0
	}
	counts := make(map[[2]rune]int, len(ra)-1)
	for i := 0; i < len(ra)-1; i++ {
		counts[[2]rune{ra[i], ra[i+1]}]++
	}
	shared := 0
	for i := 0; i < len(rb)-1; i++ {
		bg := [2]rune{rb[i], rb[i+1]}
		if counts[bg] > 0 {
			counts[bg]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(ra)+len(rb)-2)
}

func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
