package streaming

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/transcription-gateway/internal/audio"
	"github.com/lexiqai/transcription-gateway/internal/observability"
	"github.com/lexiqai/transcription-gateway/internal/resilience"
	"github.com/lexiqai/transcription-gateway/internal/stt"
	"github.com/lexiqai/transcription-gateway/internal/transcript"
)

// ErrParticipantClosed is returned when audio arrives for a closed participant
var ErrParticipantClosed = errors.New("participant closed")

const (
	// maxPromptWords bounds the continuation context sent upstream
	maxPromptWords = 200
	// maxWindowSeconds bounds the audio kept for an unfinalized window
	maxWindowSeconds = 60
	// timeEpsilon absorbs float rounding when shifting word times by the window offset
	timeEpsilon = 1e-6
)

// State is the lifecycle state of a participant
type State int

const (
	StateIdle      State = iota // No upstream session yet
	StateStreaming              // Forwarding audio and accumulating text
	StateCutting                // Finalizing the text before a cut mark
	StateClosed                 // Terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStreaming:
		return "STREAMING"
	case StateCutting:
		return "CUTTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event is sent by a participant's receive goroutine to the meeting run loop.
// Exactly one of the fields besides Participant is set.
type Event struct {
	Participant  *Participant
	Response     *stt.Response
	Connected    bool  // upstream session (re)established
	Disconnected bool  // upstream lost, reconnecting
	Err          error // upstream gave up; the participant must be removed
}

// ParticipantOptions configure a participant session
type ParticipantOptions struct {
	ID           string
	Language     string
	Factory      stt.Factory
	Policy       transcript.Policy
	Reconnect    *resilience.ReconnectConfig
	IncludeAudio bool
	Events       chan<- Event
	Logger       zerolog.Logger
	Metrics      *observability.Metrics
}

// Participant is the transcription state machine of one speaker.
//
// Every method except PreviousTokens must be called from the owning meeting's
// run loop. The receive goroutine only talks to the provider and hands
// events back through the events channel.
type Participant struct {
	id           string
	language     string
	factory      stt.Factory
	policy       transcript.Policy
	reconnect    *resilience.ReconnectConfig
	includeAudio bool
	events       chan<- Event
	log          zerolog.Logger
	metrics      *observability.Metrics

	provider  stt.Provider
	state     State
	connected bool

	// Window: everything after offset seconds of the current upstream stream
	segmentID  string
	segments   []transcript.Segment // upstream segments, stream-relative times
	offset     float64
	audio      *audio.Buffer
	windowText string
	changedAt  time.Time

	lastAudioAt time.Time
	pending     *transcript.Response

	previousTokens []string
	prompt         atomic.Pointer[string]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewParticipant creates an idle participant. No upstream session is opened
// until the first chunk arrives.
func NewParticipant(opts ParticipantOptions) *Participant {
	ctx, cancel := context.WithCancel(context.Background())

	p := &Participant{
		id:           opts.ID,
		language:     opts.Language,
		factory:      opts.Factory,
		policy:       opts.Policy,
		reconnect:    opts.Reconnect,
		includeAudio: opts.IncludeAudio,
		events:       opts.Events,
		log:          opts.Logger.With().Str("participant_id", opts.ID).Logger(),
		metrics:      opts.Metrics,
		state:        StateIdle,
		segmentID:    transcript.NewResponseID(),
		audio:        audio.NewBuffer(maxWindowSeconds),
		ctx:          ctx,
		cancel:       cancel,
	}

	empty := ""
	p.prompt.Store(&empty)
	return p
}

// ID returns the speaker id
func (p *Participant) ID() string {
	return p.id
}

// Language returns the language the upstream session was opened with
func (p *Participant) Language() string {
	return p.language
}

// State returns the current lifecycle state
func (p *Participant) State() State {
	return p.state
}

// Transcribe forwards one chunk. The first chunk starts the upstream session;
// audio arriving before it is connected is buffered and replayed.
func (p *Participant) Transcribe(ctx context.Context, chunk audio.Chunk) error {
	switch p.state {
	case StateClosed:
		return ErrParticipantClosed
	case StateIdle:
		p.start()
	}

	p.lastAudioAt = chunk.ReceivedAt
	if chunk.Silent {
		return nil
	}

	p.audio.Append(chunk.PCM)
	if !p.connected {
		return nil
	}

	if err := p.provider.SendAudio(ctx, chunk.PCM); err != nil {
		if errors.Is(err, stt.ErrNotConnected) || stt.IsConnectionError(err) {
			// The receive goroutine notices the same failure and reconnects
			p.connected = false
			p.log.Debug().Err(err).Msg("Upstream unavailable, buffering audio")
			return nil
		}
		return err
	}

	if p.metrics != nil {
		p.metrics.RecordAudioBytes("upstream", int64(len(chunk.PCM)))
	}
	return nil
}

func (p *Participant) start() {
	p.provider = p.factory()
	p.state = StateStreaming
	p.changedAt = time.Now()

	p.wg.Add(1)
	go p.receiveLoop(p.ctx)

	p.log.Info().Str("provider", p.provider.Name()).Str("language", p.language).Msg("Participant streaming")
}

// receiveLoop owns the upstream connection lifecycle: connect, read
// responses, reconnect with backoff on failure.
func (p *Participant) receiveLoop(ctx context.Context) {
	defer p.wg.Done()

	connect := func(ctx context.Context) error {
		return p.provider.Connect(ctx, stt.ConnectOptions{
			Language: p.language,
			Prompt:   p.Prompt(),
		})
	}

	for {
		if err := resilience.Reconnect(ctx, connect, p.reconnect); err != nil {
			if ctx.Err() == nil {
				p.emit(ctx, Event{Err: err})
			}
			return
		}
		p.emit(ctx, Event{Connected: true})

		for {
			resp, err := p.provider.Receive(ctx)
			if err == nil {
				p.emit(ctx, Event{Response: resp})
				continue
			}

			if ctx.Err() != nil || errors.Is(err, stt.ErrClosed) {
				return
			}

			p.log.Warn().Err(err).Msg("Upstream connection lost, reconnecting")
			p.emit(ctx, Event{Disconnected: true})
			break
		}
	}
}

func (p *Participant) emit(ctx context.Context, ev Event) {
	ev.Participant = p
	select {
	case p.events <- ev:
	case <-ctx.Done():
	}
}

// OnConnected is called when the upstream session is (re)established.
// Text of the previous upstream session is finalized since the new session
// restarts its clock, then the buffered audio is replayed.
func (p *Participant) OnConnected(ctx context.Context, now time.Time) {
	if p.state == StateClosed {
		return
	}

	p.finalizeWindow(now)
	p.segments = nil
	p.offset = 0
	p.connected = true

	if p.audio.Len() == 0 {
		return
	}
	p.log.Debug().Float64("buffered_seconds", p.audio.Duration()).Msg("Replaying buffered audio")

	buffered := p.audio.Bytes()
	step := audio.SecondsToBytes(1)
	for len(buffered) > 0 {
		n := min(step, len(buffered))
		if err := p.provider.SendAudio(ctx, buffered[:n]); err != nil {
			p.connected = false
			p.log.Warn().Err(err).Msg("Failed to replay buffered audio")
			return
		}
		buffered = buffered[n:]
	}
}

// OnDisconnected stops forwarding audio until the upstream is back
func (p *Participant) OnDisconnected() {
	p.connected = false
}

// HandleResponse merges an upstream response into the window and decides
// between an interim result and a final one
func (p *Participant) HandleResponse(resp *stt.Response, now time.Time) {
	if p.state != StateStreaming || resp == nil {
		return
	}

	if p.metrics != nil && !p.lastAudioAt.IsZero() {
		if latency := resp.ReceivedAt.Sub(p.lastAudioAt); latency > 0 {
			p.metrics.RecordTranscription(latency)
		}
	}

	p.merge(resp.Segments)
	result := p.window()
	if result.IsEmpty() {
		return
	}

	if result.Text != p.windowText {
		p.windowText = result.Text
		p.changedAt = now
	}

	cut := p.policy.Decide(result)
	if cut.IsZero() {
		p.pending = p.response(transcript.TypeInterim, result.Text, result.Confidence, now)
		return
	}

	p.state = StateCutting

	var final []transcript.Word
	for _, w := range result.Words {
		if w.End <= cut.Start {
			final = append(final, w)
		}
	}
	p.log.Debug().
		Float64("cut_start", cut.Start).
		Float64("cut_end", cut.End).
		Float64("probability", cut.Probability).
		Msg("Cutting segment")

	p.emitFinal(transcript.WordsText(final), transcript.MeanProbability(final), cut.Start, cut.End, now)
	p.state = StateStreaming
}

// Flush finalizes the window if its text has not changed for idle.
// Returns true when a final result is pending.
func (p *Participant) Flush(now time.Time, idle time.Duration) bool {
	if p.state != StateStreaming || p.windowText == "" {
		return false
	}
	if now.Sub(p.changedAt) < idle {
		return false
	}

	p.finalizeWindow(now)
	return p.pending != nil
}

// finalizeWindow emits everything in the window as final
func (p *Participant) finalizeWindow(now time.Time) {
	result := p.window()
	if result.IsEmpty() {
		return
	}

	end := 0.0
	if n := len(result.Words); n > 0 {
		end = result.Words[n-1].End
	}
	for _, seg := range result.Segments {
		end = max(end, seg.End)
	}

	p.emitFinal(result.Text, result.Confidence, end, end, now)
}

// emitFinal publishes text as the final result of the current segment and
// advances the window by advance seconds
func (p *Participant) emitFinal(text string, variance, audioEnd, advance float64, now time.Time) {
	resp := p.response(transcript.TypeFinal, text, variance, now)
	if p.includeAudio {
		pcm := p.audio.Slice(audioEnd)
		resp.Audio = base64.StdEncoding.EncodeToString(audio.EncodeWAV(pcm, audio.SampleRate))
	}
	p.pending = resp

	p.remember(text)

	p.offset += advance
	p.audio.TrimSeconds(advance)
	p.prune()

	p.segmentID = transcript.NewResponseID()
	p.windowText = ""
	p.changedAt = now
}

// TranscriptionUnavailable is the text of the error response sent when a
// participant's upstream session cannot be recovered. The cause is logged
// server side and never reaches the client.
const TranscriptionUnavailable = "transcription unavailable for this participant"

// Fail queues a terminal error response for the client
func (p *Participant) Fail(now time.Time) {
	if p.state == StateClosed {
		return
	}
	p.pending = p.response(transcript.TypeError, TranscriptionUnavailable, 0, now)
}

// HasNewResult reports whether a response is waiting for delivery
func (p *Participant) HasNewResult() bool {
	return p.pending != nil
}

// Result returns the pending response and clears it
func (p *Participant) Result() *transcript.Response {
	resp := p.pending
	p.pending = nil
	return resp
}

// Close releases the upstream session and waits for the receive goroutine.
// Unfinalized text is dropped.
func (p *Participant) Close() {
	if p.state == StateClosed {
		return
	}
	p.state = StateClosed
	p.connected = false

	p.cancel()
	if p.provider != nil {
		if err := p.provider.Close(); err != nil {
			p.log.Warn().Err(err).Msg("Failed to close provider")
		}
	}
	p.wg.Wait()

	p.log.Debug().Msg("Participant closed")
}

// Prompt returns the continuation context for the next upstream session.
// Safe for concurrent use.
func (p *Participant) Prompt() string {
	return *p.prompt.Load()
}

// PreviousTokens returns the finalized words kept as context
func (p *Participant) PreviousTokens() []string {
	return append([]string(nil), p.previousTokens...)
}

func (p *Participant) remember(text string) {
	if strings.TrimSpace(text) == "" || transcript.IsDeniedPrompt(text) {
		return
	}

	p.previousTokens = append(p.previousTokens, strings.Fields(text)...)
	if over := len(p.previousTokens) - maxPromptWords; over > 0 {
		p.previousTokens = append(p.previousTokens[:0], p.previousTokens[over:]...)
	}

	prompt := strings.Join(p.previousTokens, " ")
	p.prompt.Store(&prompt)
}

func (p *Participant) response(typ transcript.ResponseType, text string, variance float64, now time.Time) *transcript.Response {
	return &transcript.Response{
		ID:            p.segmentID,
		ParticipantID: p.id,
		Timestamp:     transcript.Millis(now),
		Text:          text,
		Type:          typ,
		Variance:      variance,
	}
}

// merge upserts segments by id; a revision replaces the earlier version
func (p *Participant) merge(segments []transcript.Segment) {
	for _, seg := range segments {
		replaced := false
		for i := range p.segments {
			if p.segments[i].ID == seg.ID {
				p.segments[i] = seg
				replaced = true
				break
			}
		}
		if !replaced {
			p.segments = append(p.segments, seg)
		}
	}
}

// window returns the part of the transcript after the offset, with times
// relative to the window start
func (p *Participant) window() transcript.Result {
	var segs []transcript.Segment

	for _, seg := range p.segments {
		if len(seg.Words) == 0 {
			if seg.Start+timeEpsilon < p.offset || strings.TrimSpace(seg.Text) == "" {
				continue
			}
			segs = append(segs, transcript.Segment{
				ID:    seg.ID,
				Start: seg.Start - p.offset,
				End:   seg.End - p.offset,
				Text:  seg.Text,
			})
			continue
		}

		var words []transcript.Word
		for _, w := range seg.Words {
			if w.Start+timeEpsilon < p.offset {
				continue
			}
			w.Start = max(w.Start-p.offset, 0)
			w.End = max(w.End-p.offset, 0)
			words = append(words, w)
		}
		if len(words) == 0 {
			continue
		}

		text := seg.Text
		if len(words) != len(seg.Words) {
			text = transcript.WordsText(words)
		}
		segs = append(segs, transcript.Segment{
			ID:    seg.ID,
			Start: words[0].Start,
			End:   max(seg.End-p.offset, words[len(words)-1].End),
			Text:  text,
			Words: words,
		})
	}

	return transcript.NewResult(segs)
}

// prune drops segments that ended before the window
func (p *Participant) prune() {
	kept := p.segments[:0]
	for _, seg := range p.segments {
		end := seg.End
		if n := len(seg.Words); n > 0 {
			end = max(end, seg.Words[n-1].End)
		}
		if end > p.offset+timeEpsilon {
			kept = append(kept, seg)
		}
	}
	p.segments = kept
}
