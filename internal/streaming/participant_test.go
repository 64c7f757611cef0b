package streaming

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcription-gateway/internal/audio"
	"github.com/lexiqai/transcription-gateway/internal/resilience"
	"github.com/lexiqai/transcription-gateway/internal/stt"
	"github.com/lexiqai/transcription-gateway/internal/stt/mock"
	"github.com/lexiqai/transcription-gateway/internal/transcript"
)

type participantHarness struct {
	p        *Participant
	provider *mock.Provider
	events   chan Event
}

func newHarness(t *testing.T, includeAudio bool) *participantHarness {
	t.Helper()

	registry := mock.NewRegistry()
	events := make(chan Event, 16)

	p := NewParticipant(ParticipantOptions{
		ID:           speakerA,
		Language:     "en",
		Factory:      registry.Factory(),
		Policy:       transcript.DefaultPolicy(0.7),
		Reconnect:    &resilience.ReconnectConfig{MaxAttempts: 2, Backoff: time.Millisecond, Multiplier: 1, MaxBackoff: time.Millisecond},
		IncludeAudio: includeAudio,
		Events:       events,
		Logger:       zerolog.Nop(),
	})
	t.Cleanup(p.Close)

	h := &participantHarness{p: p, events: events}

	chunk := audio.DecodeChunk(speech(speakerA), time.Now()).Chunk
	if err := p.Transcribe(context.Background(), chunk); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if p.State() != StateStreaming {
		t.Fatalf("Expected STREAMING after first chunk, got %s", p.State())
	}

	h.provider = <-registry.Created()
	h.expectConnected(t)
	return h
}

func (h *participantHarness) expectConnected(t *testing.T) {
	t.Helper()
	ev := h.nextEvent(t)
	if !ev.Connected {
		t.Fatalf("Expected connected event, got %+v", ev)
	}
	h.p.OnConnected(context.Background(), time.Now())
}

func (h *participantHarness) nextEvent(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-h.events:
		if ev.Participant != h.p {
			t.Fatal("Event from unexpected participant")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for participant event")
		return Event{}
	}
}

func (h *participantHarness) result(t *testing.T) *transcript.Response {
	t.Helper()
	if !h.p.HasNewResult() {
		t.Fatal("Expected a pending result")
	}
	resp := h.p.Result()
	if h.p.HasNewResult() {
		t.Error("Expected pending result to be cleared after reading")
	}
	return resp
}

func seg(id, text string, words ...transcript.Word) transcript.Segment {
	s := transcript.Segment{ID: id, Text: text, Words: words}
	if len(words) > 0 {
		s.Start = words[0].Start
		s.End = words[len(words)-1].End
	}
	return s
}

func word(text string, start, end float64) transcript.Word {
	return transcript.Word{Text: text, Start: start, End: end, Probability: 0.9}
}

func response(segments ...transcript.Segment) *stt.Response {
	return &stt.Response{Segments: segments, ReceivedAt: time.Now()}
}

func TestParticipant_ReplaysAudioBufferedBeforeConnect(t *testing.T) {
	h := newHarness(t, false)

	sent := h.provider.Sent()
	if len(sent) != 1 || len(sent[0]) != 320 {
		t.Fatalf("Expected the first chunk (320 bytes) to be replayed, got %d sends", len(sent))
	}

	connects := h.provider.Connects()
	if len(connects) != 1 || connects[0].Language != "en" {
		t.Errorf("Expected one connect with language en, got %+v", connects)
	}
}

func TestParticipant_InterimThenSingleFinal(t *testing.T) {
	h := newHarness(t, false)
	now := time.Now()

	first := seg("0", " Hello there.", word(" Hello", 0, 0.5), word(" there.", 0.6, 1.0))

	h.p.HandleResponse(response(first), now)
	interim := h.result(t)
	if interim.Type != transcript.TypeInterim {
		t.Fatalf("Expected interim, got %s", interim.Type)
	}
	if interim.Text != " Hello there." {
		t.Errorf("Expected running text, got %q", interim.Text)
	}
	if interim.Variance < 0.89 || interim.Variance > 0.91 {
		t.Errorf("Expected variance to mirror confidence 0.9, got %v", interim.Variance)
	}

	// Speech runs past the force-cut limit; the widest gap is 1.0 -> 3.0
	second := seg("1", " How are you", word(" How", 3.0, 3.3), word(" are", 3.4, 3.6), word(" you", 3.7, 10.2))
	h.p.HandleResponse(response(first, second), now)

	final := h.result(t)
	if final.Type != transcript.TypeFinal {
		t.Fatalf("Expected final, got %s", final.Type)
	}
	if final.ID != interim.ID {
		t.Errorf("Expected final to reuse the segment id %s, got %s", interim.ID, final.ID)
	}
	if final.Text != " Hello there." {
		t.Errorf("Expected pre-cut text, got %q", final.Text)
	}
	if h.p.State() != StateStreaming {
		t.Errorf("Expected STREAMING after the cut, got %s", h.p.State())
	}

	// Post-cut speech continues as a fresh interim stream
	revised := seg("1", " How are you", word(" How", 3.0, 3.3), word(" are", 3.4, 3.6), word(" you", 3.7, 4.0))
	h.p.HandleResponse(response(first, revised), now)

	next := h.result(t)
	if next.Type != transcript.TypeInterim {
		t.Fatalf("Expected interim after the cut, got %s", next.Type)
	}
	if next.ID == final.ID {
		t.Error("Expected a new segment id after the cut")
	}
	if next.Text != " How are you" {
		t.Errorf("Expected only post-cut text, got %q", next.Text)
	}
}

func TestParticipant_SentenceCutKeepsRemainder(t *testing.T) {
	h := newHarness(t, true)
	now := time.Now()

	words := []transcript.Word{
		word(" The", 0.0, 0.2), word(" quick", 0.3, 0.6), word(" brown", 0.7, 1.0),
		word(" fox", 1.1, 1.3), word(" jumps", 1.4, 1.7), word(" over", 1.8, 2.0),
		word(" the", 2.1, 2.2), word(" lazy", 2.3, 2.6), word(" sleeping", 2.7, 3.1),
		word(" dog.", 3.2, 3.5), word(" And", 4.0, 4.2), word(" then", 4.3, 4.5),
	}
	h.p.HandleResponse(response(seg("s", transcript.WordsText(words), words...)), now)

	final := h.result(t)
	if final.Type != transcript.TypeFinal {
		t.Fatalf("Expected final, got %s", final.Type)
	}
	if !strings.HasSuffix(final.Text, " dog.") || strings.Contains(final.Text, "And") {
		t.Errorf("Expected text up to the sentence end, got %q", final.Text)
	}
	if final.Audio == "" {
		t.Error("Expected audio export on final when enabled")
	}

	// The same segment revised: only the words after the cut remain
	h.p.HandleResponse(response(seg("s", transcript.WordsText(words), words...)), now)
	next := h.result(t)
	if next.Text != " And then" {
		t.Errorf("Expected remainder %q, got %q", " And then", next.Text)
	}
}

func TestParticipant_FlushAfterIdle(t *testing.T) {
	h := newHarness(t, false)
	now := time.Now()

	h.p.HandleResponse(response(seg("0", " Okay", word(" Okay", 0, 0.4), word(" so", 0.5, 0.7))), now)
	h.result(t)

	if h.p.Flush(now.Add(time.Second), 2*time.Second) {
		t.Error("Expected no flush before the interval elapsed")
	}
	if !h.p.Flush(now.Add(3*time.Second), 2*time.Second) {
		t.Fatal("Expected flush after the interval")
	}

	final := h.result(t)
	if final.Type != transcript.TypeFinal || final.Text != " Okay" {
		t.Errorf("Expected final %q, got %s %q", " Okay", final.Type, final.Text)
	}

	if h.p.Flush(now.Add(10*time.Second), 2*time.Second) {
		t.Error("Expected nothing left to flush")
	}
}

func TestParticipant_DeniedPromptExcludedFromContext(t *testing.T) {
	h := newHarness(t, false)
	now := time.Now()

	h.p.HandleResponse(response(seg("a", " . .", word(" .", 0, 0.2), word(" .", 0.3, 0.5))), now)
	h.p.Flush(now.Add(time.Hour), time.Second)
	if final := h.result(t); final.Type != transcript.TypeFinal {
		t.Fatalf("Expected final, got %s", final.Type)
	}
	if tokens := h.p.PreviousTokens(); len(tokens) != 0 {
		t.Errorf("Expected deny-listed text to be excluded, got %v", tokens)
	}

	h.p.HandleResponse(response(seg("b", " Good morning.", word(" Good", 1.0, 1.3), word(" morning.", 1.4, 1.9))), now)
	h.p.Flush(now.Add(2*time.Hour), time.Second)
	h.result(t)

	if got := h.p.Prompt(); got != "Good morning." {
		t.Errorf("Expected prompt %q, got %q", "Good morning.", got)
	}

	// The next upstream session is opened with that context
	h.provider.Fail(&stt.ConnectionError{Provider: "mock", Op: "receive", Err: errors.New("reset")})
	if ev := h.nextEvent(t); !ev.Disconnected {
		t.Fatalf("Expected disconnected event, got %+v", ev)
	}
	h.p.OnDisconnected()
	h.expectConnected(t)

	connects := h.provider.Connects()
	if len(connects) != 2 {
		t.Fatalf("Expected a reconnect, got %d connects", len(connects))
	}
	if connects[1].Prompt != "Good morning." {
		t.Errorf("Expected reconnect prompt %q, got %q", "Good morning.", connects[1].Prompt)
	}
}

func TestParticipant_ReconnectFinalizesWindow(t *testing.T) {
	h := newHarness(t, false)
	now := time.Now()

	h.p.HandleResponse(response(seg("0", " Still talking", word(" Still", 0, 0.4), word(" talking", 0.5, 0.9))), now)
	interim := h.result(t)

	h.provider.Fail(errors.New("upstream reset"))
	if ev := h.nextEvent(t); !ev.Disconnected {
		t.Fatalf("Expected disconnected event, got %+v", ev)
	}
	h.p.OnDisconnected()
	h.expectConnected(t)

	final := h.result(t)
	if final.Type != transcript.TypeFinal || final.ID != interim.ID {
		t.Errorf("Expected the open segment to be finalized on reconnect, got %+v", final)
	}

	// The new upstream session restarts its clock at zero
	h.p.HandleResponse(response(seg("0", " Next", word(" Next", 0.1, 0.3))), now)
	next := h.result(t)
	if next.Text != " Next" || next.ID == final.ID {
		t.Errorf("Expected a fresh window, got %+v", next)
	}
}

func TestParticipant_ReconnectExhausted(t *testing.T) {
	h := newHarness(t, false)

	h.provider.ConnectFunc = func(n int, opts stt.ConnectOptions) error {
		if n > 1 {
			return &stt.ConnectionError{Provider: "mock", Op: "connect", Err: errors.New("refused")}
		}
		return nil
	}
	h.provider.Fail(errors.New("gone"))

	if ev := h.nextEvent(t); !ev.Disconnected {
		t.Fatalf("Expected disconnected event, got %+v", ev)
	}
	ev := h.nextEvent(t)
	if !errors.Is(ev.Err, resilience.ErrReconnectExhausted) {
		t.Fatalf("Expected exhausted reconnect error, got %+v", ev)
	}

	h.p.Fail(time.Now())
	resp := h.result(t)
	if resp.Type != transcript.TypeError {
		t.Errorf("Expected error response, got %s", resp.Type)
	}
	if resp.Text != TranscriptionUnavailable {
		t.Errorf("Expected %q, got %q", TranscriptionUnavailable, resp.Text)
	}
	if strings.Contains(resp.Text, "refused") {
		t.Errorf("Expected upstream detail to stay out of the response, got %q", resp.Text)
	}
}

func TestParticipant_Close(t *testing.T) {
	h := newHarness(t, false)

	h.p.Close()
	h.p.Close()

	if h.p.State() != StateClosed {
		t.Errorf("Expected CLOSED, got %s", h.p.State())
	}
	if !h.provider.Closed() {
		t.Error("Expected provider to be released")
	}

	chunk := audio.DecodeChunk(speech(speakerA), time.Now()).Chunk
	if err := h.p.Transcribe(context.Background(), chunk); !errors.Is(err, ErrParticipantClosed) {
		t.Errorf("Expected ErrParticipantClosed, got %v", err)
	}
}

func TestParticipant_PromptBounded(t *testing.T) {
	p := NewParticipant(ParticipantOptions{ID: speakerA, Logger: zerolog.Nop()})

	for i := 0; i < 100; i++ {
		p.remember(" one two three four five.")
	}

	if got := len(p.PreviousTokens()); got != maxPromptWords {
		t.Errorf("Expected %d tokens, got %d", maxPromptWords, got)
	}
	if !strings.HasSuffix(p.Prompt(), "five.") {
		t.Errorf("Expected most recent words kept, got %q", p.Prompt())
	}
}

func TestState_String(t *testing.T) {
	states := map[State]string{
		StateIdle:      "IDLE",
		StateStreaming: "STREAMING",
		StateCutting:   "CUTTING",
		StateClosed:    "CLOSED",
	}
	for state, want := range states {
		if state.String() != want {
			t.Errorf("Expected %s, got %s", want, state.String())
		}
	}
}
