package stt

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcription-gateway/internal/audio"
	"github.com/lexiqai/transcription-gateway/internal/resilience"
	"github.com/lexiqai/transcription-gateway/internal/transcript"
)

const (
	deepgramName         = "deepgram"
	deepgramResultBuffer = 32
)

// messageCallbackHandler implements the LiveMessageCallback interface
// It embeds the default handler and overrides only the methods we need to customize
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler // Embed default handler for methods we don't override
	handler                                func(*msginterfaces.MessageResponse)
	errorHandler                           func(*msginterfaces.ErrorResponse)
	closeHandler                           func()
}

// Message forwards transcription results
func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

// Error reports upstream errors to the session
func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	m.errorHandler(errorResponse)
	return nil
}

// Close marks the upstream session as gone
func (m *messageCallbackHandler) Close(closeResponse *msginterfaces.CloseResponse) error {
	m.closeHandler()
	return nil
}

// DeepgramOptions configure the Deepgram live client
type DeepgramOptions struct {
	APIKey  string
	Model   string
	Breaker *resilience.CircuitBreaker
	Logger  zerolog.Logger
}

// DeepgramClient implements Provider on top of Deepgram's live transcription API.
// Deepgram keeps its own context, so the continuation prompt is ignored.
type DeepgramClient struct {
	opts DeepgramOptions
	log  zerolog.Logger

	mu      sync.Mutex
	session *deepgramSession
	results chan *Response
	errs    chan error
	closed  bool
}

// deepgramSession is one live SDK client. A reconnect replaces it.
type deepgramSession struct {
	client *listenClient.WSCallback
	cancel context.CancelFunc
	once   sync.Once
}

func (s *deepgramSession) stop() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		// Finish flushes pending audio and closes the socket
		s.client.Finish()
		s.cancel()
	})
}

// NewDeepgramClient creates a Deepgram client for one participant session
func NewDeepgramClient(opts DeepgramOptions) (*DeepgramClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: deepgram", ErrMissingCredential)
	}

	return &DeepgramClient{
		opts: opts,
		log:  opts.Logger.With().Str("provider", deepgramName).Logger(),
	}, nil
}

// Name implements Provider
func (d *DeepgramClient) Name() string {
	return deepgramName
}

// Connect implements Provider. The handshake runs without holding the client
// lock so SendAudio and Close never wait on it.
func (d *DeepgramClient) Connect(ctx context.Context, opts ConnectOptions) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	old := d.detachLocked()
	d.mu.Unlock()

	old.stop()

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.opts.Model,
		Language:       opts.Language,
		Punctuate:      true,
		InterimResults: true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     audio.SampleRate,
	}

	results := make(chan *Response, deepgramResultBuffer)
	errs := make(chan error, 1)

	// The SDK owns the socket until ctx is done or the session is stopped
	sessCtx, cancel := context.WithCancel(ctx)

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler: func(msg *msginterfaces.MessageResponse) {
			resp := convertDeepgramMessage(msg, time.Now())
			if resp == nil {
				return
			}
			select {
			case results <- resp:
			case <-sessCtx.Done():
			}
		},
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) {
			d.log.Warn().Interface("error", errorResponse).Msg("Deepgram error")
			d.signal(errs, fmt.Errorf("deepgram error: %+v", errorResponse))
		},
		closeHandler: func() {
			d.signal(errs, errors.New("deepgram connection closed"))
		},
	}

	var client *listenClient.WSCallback
	err := d.guard(func() error {
		var err error
		client, err = listenClient.NewWSUsingCallbackWithCancel(sessCtx, cancel, d.opts.APIKey, &interfaces.ClientOptions{}, tOptions, callback)
		if err != nil {
			return fmt.Errorf("failed to create Deepgram client: %w", err)
		}
		// A single attempt: the participant's reconnect loop owns retries and backoff
		if !client.ConnectWithCancel(sessCtx, cancel, 1) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.New("failed to connect to Deepgram")
		}
		return nil
	})
	if err != nil {
		cancel()
		return &ConnectionError{Provider: deepgramName, Op: "connect", Err: err}
	}

	sess := &deepgramSession{client: client, cancel: cancel}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sess.stop()
		return ErrClosed
	}
	d.session = sess
	d.results = results
	d.errs = errs
	d.mu.Unlock()

	d.log.Debug().Str("model", d.opts.Model).Str("language", opts.Language).Msg("Connected to Deepgram")
	return nil
}

func (d *DeepgramClient) guard(fn func() error) error {
	if d.opts.Breaker == nil {
		return fn()
	}
	// The SDK reports a failed handshake as a bool, so rejections cannot be told apart here
	return d.opts.Breaker.CallClassified(fn, IsUpstreamFailure)
}

func (d *DeepgramClient) signal(errs chan error, err error) {
	select {
	case errs <- err:
	default:
	}
}

// SendAudio implements Provider
func (d *DeepgramClient) SendAudio(ctx context.Context, pcm []byte) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	sess := d.session
	d.mu.Unlock()

	if sess == nil {
		return ErrNotConnected
	}

	if _, err := sess.client.Write(pcm); err != nil {
		return &ConnectionError{Provider: deepgramName, Op: "send", Err: err}
	}
	return nil
}

// Receive implements Provider
func (d *DeepgramClient) Receive(ctx context.Context) (*Response, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	results, errs := d.results, d.errs
	d.mu.Unlock()

	if results == nil {
		return nil, ErrNotConnected
	}

	select {
	case resp := <-results:
		return resp, nil
	case err := <-errs:
		return nil, &ConnectionError{Provider: deepgramName, Op: "receive", Err: err}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Provider
func (d *DeepgramClient) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sess := d.detachLocked()
	d.mu.Unlock()

	sess.stop()
	return nil
}

func (d *DeepgramClient) detachLocked() *deepgramSession {
	sess := d.session
	d.session = nil
	return sess
}

// convertDeepgramMessage maps a live result onto a segment keyed by the start
// of its audio window. Interim revisions of the same window share the key.
func convertDeepgramMessage(msg *msginterfaces.MessageResponse, receivedAt time.Time) *Response {
	if msg == nil || msg.Type != "Results" {
		return nil
	}
	if len(msg.Channel.Alternatives) == 0 {
		return nil
	}

	alt := msg.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return nil
	}

	words := make([]transcript.Word, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		words = append(words, transcript.Word{
			Text:        " " + text,
			Start:       w.Start,
			End:         w.End,
			Probability: w.Confidence,
		})
	}

	seg := transcript.Segment{
		ID:    "dg-" + strconv.FormatInt(int64(msg.Start*1000), 10),
		Start: msg.Start,
		End:   msg.Start + msg.Duration,
		Text:  " " + alt.Transcript,
		Words: words,
	}

	return &Response{Segments: []transcript.Segment{seg}, ReceivedAt: receivedAt}
}
