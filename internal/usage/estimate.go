package usage

import (
	"math"
	"strings"
	"unicode"
)

// wordTokenRatio approximates sub-word tokenization for space separated scripts.
const wordTokenRatio = 1.3

// Rates are prices in cents per million tokens. MaxCents is the sanity
// ceiling for a single generation; larger estimates are discarded.
type Rates struct {
	InputCentsPerMTok  float64
	OutputCentsPerMTok float64
	MaxCents           float64
}

func isCJK(r rune) bool {
	return unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}

// EstimateTokens counts CJK characters one token each and every other word as
// wordTokenRatio tokens.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	cjk := 0
	var rest strings.Builder
	for _, r := range text {
		if isCJK(r) {
			cjk++
			rest.WriteRune(' ')
			continue
		}
		rest.WriteRune(r)
	}
	words := len(strings.Fields(rest.String()))
	return cjk + int(math.Ceil(float64(words)*wordTokenRatio))
}

// EstimateCost converts token counts into cents. ok is false when the result
// is not a plausible figure and must not be recorded.
func EstimateCost(promptTokens, completionTokens int, r Rates) (float64, bool) {
	cents := float64(promptTokens)*r.InputCentsPerMTok/1e6 + float64(completionTokens)*r.OutputCentsPerMTok/1e6
	return cents, r.Plausible(cents)
}

func (r Rates) Plausible(cents float64) bool {
	if math.IsNaN(cents) || math.IsInf(cents, 0) || cents < 0 {
		return false
	}
	return r.MaxCents <= 0 || cents <= r.MaxCents
}
