package transcript

import (
	"math/rand"
	"testing"
)

func words(spans ...[3]float64) []Word {
	out := make([]Word, len(spans))
	for i, s := range spans {
		out[i] = Word{Text: " w", Start: s[0], End: s[1], Probability: s[2]}
	}
	return out
}

func TestDecide_TooFewWords(t *testing.T) {
	p := DefaultPolicy(0.7)

	if cut := p.Decide(Result{}); !cut.IsZero() {
		t.Errorf("Expected no cut for empty result, got %+v", cut)
	}

	single := Result{Words: words([3]float64{0, 20, 0.9})}
	if cut := p.Decide(single); !cut.IsZero() {
		t.Errorf("Expected no cut for one word, got %+v", cut)
	}
}

func TestDecide_LargestGapAfterForceLimit(t *testing.T) {
	// Gaps of 0.1, 0.4 and 0.2 seconds
	r := Result{Words: words(
		[3]float64{0, 1, 0.9},
		[3]float64{1.1, 2, 0.8},
		[3]float64{2.4, 3, 0.6},
		[3]float64{3.2, 10.5, 0.7},
	)}

	cut := DefaultPolicy(0.7).Decide(r)

	if cut.Start != 2 || cut.End != 2.4 {
		t.Errorf("Expected cut at [2, 2.4], got [%v, %v]", cut.Start, cut.End)
	}
	if cut.Probability != 0.6 {
		t.Errorf("Expected probability of the word after the gap (0.6), got %v", cut.Probability)
	}
}

func TestDecide_LargestGapFirstMaximumWins(t *testing.T) {
	r := Result{Words: words(
		[3]float64{0, 1, 0.9},
		[3]float64{1.5, 2, 0.5},
		[3]float64{2.5, 11, 0.4},
	)}

	cut := DefaultPolicy(0.7).Decide(r)
	if cut.Start != 1 {
		t.Errorf("Expected first widest gap to win, got start %v", cut.Start)
	}
}

func TestDecide_NoGapMeansNoCut(t *testing.T) {
	r := Result{Words: words(
		[3]float64{0, 5, 0.9},
		[3]float64{5, 12, 0.9},
	)}

	if cut := DefaultPolicy(0.7).Decide(r); !cut.IsZero() {
		t.Errorf("Expected no cut without silence, got %+v", cut)
	}
}

func sentence() []Word {
	return []Word{
		{Text: " The", Start: 0.0, End: 0.2, Probability: 0.9},
		{Text: " quick", Start: 0.3, End: 0.6, Probability: 0.9},
		{Text: " brown", Start: 0.7, End: 1.0, Probability: 0.9},
		{Text: " fox", Start: 1.1, End: 1.3, Probability: 0.9},
		{Text: " jumps", Start: 1.4, End: 1.7, Probability: 0.9},
		{Text: " over", Start: 1.8, End: 2.0, Probability: 0.9},
		{Text: " the", Start: 2.1, End: 2.2, Probability: 0.9},
		{Text: " lazy", Start: 2.3, End: 2.6, Probability: 0.9},
		{Text: " sleeping", Start: 2.7, End: 3.1, Probability: 0.9},
		{Text: " dog.", Start: 3.2, End: 3.5, Probability: 0.9},
		{Text: " And", Start: 4.0, End: 4.2, Probability: 0.9},
		{Text: " then", Start: 4.3, End: 4.5, Probability: 0.9},
	}
}

func TestDecide_SentenceBoundary(t *testing.T) {
	cut := DefaultPolicy(0.7).Decide(Result{Words: sentence()})

	if cut.IsZero() {
		t.Fatal("Expected a cut at the end of the sentence")
	}
	if cut.Start != 3.5 || cut.End != 4.0 {
		t.Errorf("Expected cut at [3.5, 4.0], got [%v, %v]", cut.Start, cut.End)
	}
	if cut.Probability < 0.89 || cut.Probability > 0.91 {
		t.Errorf("Expected running mean probability 0.9, got %v", cut.Probability)
	}
}

func TestDecide_SentenceBelowThreshold(t *testing.T) {
	ws := sentence()
	for i := range ws {
		ws[i].Probability = 0.5
	}

	if cut := DefaultPolicy(0.7).Decide(Result{Words: ws}); !cut.IsZero() {
		t.Errorf("Expected no cut for low confidence speech, got %+v", cut)
	}
}

func TestDecide_ShortPhraseIsNotCut(t *testing.T) {
	ws := []Word{
		{Text: " Hi.", Start: 0, End: 0.3, Probability: 0.99},
		{Text: " there", Start: 1, End: 1.3, Probability: 0.99},
	}

	if cut := DefaultPolicy(0.7).Decide(Result{Words: ws}); !cut.IsZero() {
		t.Errorf("Expected no cut before the phrase is long enough, got %+v", cut)
	}
}

func TestDecide_FallbackToLargestGap(t *testing.T) {
	p := Policy{
		MinProbability:   0.99,
		MinPhraseLength:  4,
		ForceCutAfter:    30,
		FallbackCutAfter: 15,
	}

	r := Result{Words: words(
		[3]float64{0, 1, 0.5},
		[3]float64{3, 4, 0.5},
		[3]float64{4.5, 16, 0.5},
	)}

	cut := p.Decide(r)
	if cut.Start != 1 || cut.End != 3 {
		t.Errorf("Expected fallback cut at [1, 3], got [%v, %v]", cut.Start, cut.End)
	}
}

func TestDecide_CutWithinBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	p := DefaultPolicy(0.5)

	for run := 0; run < 500; run++ {
		n := 2 + rng.Intn(30)
		ws := make([]Word, n)
		t0 := rng.Float64()
		for i := range ws {
			start := t0 + rng.Float64()*0.5
			end := start + 0.05 + rng.Float64()*0.6
			text := " word"
			if rng.Intn(4) == 0 {
				text = " end."
			}
			ws[i] = Word{Text: text, Start: start, End: end, Probability: rng.Float64()}
			t0 = end
		}

		cut := p.Decide(Result{Words: ws})
		if cut.IsZero() {
			continue
		}
		if cut.Start < 0 {
			t.Fatalf("run %d: cut start %v is negative", run, cut.Start)
		}
		if cut.End > ws[n-1].End {
			t.Fatalf("run %d: cut end %v past last word end %v", run, cut.End, ws[n-1].End)
		}
		if cut.Start > cut.End {
			t.Fatalf("run %d: cut start %v after end %v", run, cut.Start, cut.End)
		}
	}
}
