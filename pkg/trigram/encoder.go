// Package trigram encodes free text into sparse frequency vectors over
// character trigrams and word tokens, and provides cosine similarity
// between two such vectors.
package trigram

import (
	"math"
	"strings"
	"unicode"
)

// wordMarker prefixes word features so they can never collide with raw
// trigram keys. Normalization strips ':' from the text, so the prefix is
// unreachable from trigram space.
const wordMarker = "w:"

// minWordLen is the shortest token indexed as a word feature.
const minWordLen = 3

// Vector is a sparse feature-count map.
type Vector map[string]int

// Normalize lowercases, drops apostrophes so contractions stay one token,
// replaces other punctuation with spaces and collapses whitespace runs,
// consistent for both encoding and substring checks.
func Normalize(s string) string {
	var out strings.Builder
	out.Grow(len(s))

	for _, ch := range s {
		c := unicode.ToLower(ch)
		switch {
		case unicode.IsLetter(c) || unicode.IsDigit(c):
			out.WriteRune(c)
		case c == '\'' || c == '’':
			// "it's" reads "its", not "it s"
		default:
			out.WriteRune(' ')
		}
	}

	return strings.Join(strings.Fields(out.String()), " ")
}

// Encode builds the feature vector for text: every 3-byte substring of the
// normalized text plus every token longer than 2 characters. Deterministic
// for identical input; input shorter than 3 usable characters yields an
// empty or word-only vector.
func Encode(text string) Vector {
	normalized := Normalize(text)
	vec := make(Vector)

	for i := 0; i+3 <= len(normalized); i++ {
		vec[normalized[i:i+3]]++
	}

	for _, word := range strings.Fields(normalized) {
		if len(word) >= minWordLen {
			vec[wordMarker+word]++
		}
	}

	return vec
}

// Cosine returns the cosine similarity of two sparse vectors, 0 when either
// has zero magnitude.
func Cosine(a, b Vector) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	// Iterate the smaller map for the dot product.
	if len(b) < len(a) {
		a, b = b, a
	}

	dot := 0.0
	for key, av := range a {
		if bv, ok := b[key]; ok {
			dot += float64(av) * float64(bv)
		}
	}
	if dot == 0 {
		return 0.0
	}

	return dot / (magnitude(a) * magnitude(b))
}

func magnitude(v Vector) float64 {
	sumSq := 0.0
	for _, n := range v {
		sumSq += float64(n) * float64(n)
	}
	return math.Sqrt(sumSq)
}
