package transcript

import (
	"strings"
	"unicode/utf8"
)

// CutMark is the boundary between the part of a transcript to finalize
// (everything ending at or before Start) and the part to keep buffering
// (everything starting at or after End). The zero value means no cut.
type CutMark struct {
	Start       float64
	End         float64
	Probability float64
}

// IsZero reports whether no cut was decided
func (c CutMark) IsZero() bool {
	return c == CutMark{}
}

// Policy holds the segmentation thresholds
type Policy struct {
	MinProbability   float64 // mean word probability required for a sentence cut
	MinPhraseLength  int     // characters accumulated before a sentence cut is considered
	ForceCutAfter    float64 // seconds; beyond this the largest gap is always cut
	FallbackCutAfter float64 // seconds; beyond this a failed sentence cut falls back to the largest gap
}

// DefaultPolicy returns the production thresholds with the given minimum probability
func DefaultPolicy(minProbability float64) Policy {
	return Policy{
		MinProbability:   minProbability,
		MinPhraseLength:  48,
		ForceCutAfter:    10,
		FallbackCutAfter: 15,
	}
}

// Decide returns where the result should be cut, or the zero CutMark to keep buffering
func (p Policy) Decide(r Result) CutMark {
	words := r.Words
	if len(words) < 2 {
		return CutMark{}
	}

	lastEnd := words[len(words)-1].End
	if lastEnd >= p.ForceCutAfter {
		return largestGap(words)
	}

	var phrase strings.Builder
	var sum float64
	for i, word := range words[:len(words)-1] {
		phrase.WriteString(word.Text)
		sum += word.Probability

		if utf8.RuneCountInString(phrase.String()) < p.MinPhraseLength {
			continue
		}

		mean := sum / float64(i+1)
		next := words[i+1]
		if mean >= p.MinProbability && endsSentence(word.Text) && word.End < next.Start {
			return CutMark{Start: word.End, End: next.Start, Probability: mean}
		}
		if lastEnd >= p.FallbackCutAfter {
			return largestGap(words)
		}
	}

	return CutMark{}
}

// largestGap cuts at the widest silence between adjacent words.
// The first of equal gaps wins; no positive gap means no cut.
func largestGap(words []Word) CutMark {
	var cut CutMark
	var widest float64

	for i := 0; i < len(words)-1; i++ {
		gap := words[i+1].Start - words[i].End
		if gap > widest {
			widest = gap
			cut = CutMark{
				Start:       words[i].End,
				End:         words[i+1].Start,
				Probability: words[i+1].Probability,
			}
		}
	}

	return cut
}

func endsSentence(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	switch text[len(text)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
