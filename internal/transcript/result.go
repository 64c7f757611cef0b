// Package transcript holds the provider-independent transcription model,
// the segmentation policy that decides when a running transcript is
// finalized, and the responses written back to clients.
package transcript

import "strings"

// Word is a single recognized word with timing relative to the current window
type Word struct {
	Text        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// Segment is one provider segment. ID is provider-assigned and stable across
// revisions of the same segment.
type Segment struct {
	ID    string  `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
	Words []Word  `json:"words"`
}

// Result is the normalized view of everything transcribed in the current window
type Result struct {
	Text       string
	Segments   []Segment
	Words      []Word
	Confidence float64
}

// NewResult builds a Result from ordered segments.
// Text is passed through exactly as the provider returned it.
func NewResult(segments []Segment) Result {
	var text strings.Builder
	var words []Word

	for _, seg := range segments {
		text.WriteString(seg.Text)
		words = append(words, seg.Words...)
	}

	return Result{
		Text:       text.String(),
		Segments:   segments,
		Words:      words,
		Confidence: MeanProbability(words),
	}
}

// IsEmpty reports whether the result carries no text
func (r Result) IsEmpty() bool {
	return strings.TrimSpace(r.Text) == ""
}

// WordsText joins the text of the given words the way providers emit them
func WordsText(words []Word) string {
	var b strings.Builder
	for _, w := range words {
		b.WriteString(w.Text)
	}
	return b.String()
}

// MeanProbability returns the mean word probability, 0 for no words
func MeanProbability(words []Word) float64 {
	if len(words) == 0 {
		return 0
	}

	var sum float64
	for _, w := range words {
		sum += w.Probability
	}
	return sum / float64(len(words))
}
