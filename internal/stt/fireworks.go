package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcription-gateway/internal/resilience"
	"github.com/lexiqai/transcription-gateway/internal/transcript"
)

const (
	fireworksName = "fireworks"

	fireworksWriteTimeout = 10 * time.Second
	fireworksResultBuffer = 32
)

// FireworksOptions configure the Fireworks streaming client
type FireworksOptions struct {
	APIKey  string
	URL     string
	Breaker *resilience.CircuitBreaker // shared by every session of this provider
	Retry   *resilience.RetryConfig    // handshake retries
	Dialer  *websocket.Dialer          // nil uses websocket.DefaultDialer
	Logger  zerolog.Logger
}

// FireworksClient streams audio to the Fireworks whisper streaming endpoint
// over a websocket and reads verbose_json transcriptions back
type FireworksClient struct {
	opts FireworksOptions
	log  zerolog.Logger

	mu      sync.Mutex
	session *fireworksSession
	closed  bool
}

// NewFireworksClient creates a client for one participant session
func NewFireworksClient(opts FireworksOptions) (*FireworksClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: fireworks", ErrMissingCredential)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}

	return &FireworksClient{
		opts: opts,
		log:  opts.Logger.With().Str("provider", fireworksName).Logger(),
	}, nil
}

// Name implements Provider
func (f *FireworksClient) Name() string {
	return fireworksName
}

// Connect implements Provider
func (f *FireworksClient) Connect(ctx context.Context, opts ConnectOptions) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	old := f.session
	f.session = nil
	f.mu.Unlock()

	if old != nil {
		old.close()
	}

	endpoint, err := f.buildURL(opts)
	if err != nil {
		return &ConnectionError{Provider: fireworksName, Op: "connect", Err: err}
	}

	header := http.Header{}
	header.Set("Authorization", f.opts.APIKey)

	var conn *websocket.Conn
	dial := func(ctx context.Context) error {
		c, resp, err := f.opts.Dialer.DialContext(ctx, endpoint, header)
		if err != nil {
			if resp != nil {
				hsErr := &HandshakeError{StatusCode: resp.StatusCode, Err: err}
				if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
					return resilience.NewRetryableError(hsErr)
				}
				return hsErr
			}
			return err
		}
		conn = c
		return nil
	}

	err = f.guard(func() error {
		return resilience.Retry(ctx, dial, f.opts.Retry, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		return &ConnectionError{Provider: fireworksName, Op: "connect", Err: err}
	}

	sess := newFireworksSession(conn)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		sess.close()
		return ErrClosed
	}
	f.session = sess
	f.mu.Unlock()

	go sess.readLoop(f.log)

	f.log.Debug().Str("language", opts.Language).Int("prompt_len", len(opts.Prompt)).Msg("Connected to Fireworks")
	return nil
}

func (f *FireworksClient) guard(fn func() error) error {
	if f.opts.Breaker == nil {
		return fn()
	}
	return f.opts.Breaker.CallClassified(fn, IsUpstreamFailure)
}

func (f *FireworksClient) buildURL(opts ConnectOptions) (string, error) {
	u, err := url.Parse(f.opts.URL)
	if err != nil {
		return "", fmt.Errorf("invalid fireworks url: %w", err)
	}

	q := u.Query()
	q.Set("response_format", "verbose_json")
	if opts.Language != "" {
		q.Set("language", opts.Language)
	}
	if opts.Prompt != "" {
		q.Set("prompt", opts.Prompt)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func (f *FireworksClient) current() (*fireworksSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}
	if f.session == nil {
		return nil, ErrNotConnected
	}
	return f.session, nil
}

// SendAudio implements Provider
func (f *FireworksClient) SendAudio(ctx context.Context, pcm []byte) error {
	sess, err := f.current()
	if err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(fireworksWriteTimeout)
	}

	if err := sess.write(pcm, deadline); err != nil {
		return &ConnectionError{Provider: fireworksName, Op: "send", Err: err}
	}
	return nil
}

// Receive implements Provider
func (f *FireworksClient) Receive(ctx context.Context) (*Response, error) {
	sess, err := f.current()
	if err != nil {
		return nil, err
	}

	select {
	case resp := <-sess.results:
		return resp, nil
	case <-sess.done:
		select {
		case resp := <-sess.results:
			return resp, nil
		default:
		}
		if _, err := f.current(); err != nil {
			return nil, err
		}
		return nil, &ConnectionError{Provider: fireworksName, Op: "receive", Err: sess.err}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Provider
func (f *FireworksClient) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	sess := f.session
	f.session = nil
	f.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	return nil
}

// fireworksSession is one live websocket. A reconnect replaces it.
type fireworksSession struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	results chan *Response
	stop    chan struct{}
	done    chan struct{} // closed when readLoop exits
	err     error         // read error, valid once done is closed

	closeOnce sync.Once
}

func newFireworksSession(conn *websocket.Conn) *fireworksSession {
	return &fireworksSession{
		conn:    conn,
		results: make(chan *Response, fireworksResultBuffer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *fireworksSession) readLoop(log zerolog.Logger) {
	defer close(s.done)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.err = err
			return
		}

		resp, err := decodeFireworksMessage(data, time.Now())
		if err != nil {
			log.Warn().Err(err).Msg("Dropping undecodable Fireworks message")
			continue
		}
		if resp == nil {
			continue
		}

		select {
		case s.results <- resp:
		case <-s.stop:
			s.err = ErrClosed
			return
		}
	}
}

func (s *fireworksSession) write(pcm []byte, deadline time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *fireworksSession) close() {
	s.closeOnce.Do(func() {
		close(s.stop)

		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()

		_ = s.conn.Close()
	})
}

// Fireworks verbose_json wire format
type fireworksMessage struct {
	Text     string             `json:"text"`
	Segments []fireworksSegment `json:"segments"`
	Words    []fireworksWord    `json:"words"`
	Error    string             `json:"error"`
}

type fireworksSegment struct {
	ID    segmentID       `json:"id"`
	Start float64         `json:"start"`
	End   float64         `json:"end"`
	Text  string          `json:"text"`
	Words []fireworksWord `json:"words"`
}

type fireworksWord struct {
	Word        string  `json:"word"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	Probability float64 `json:"probability"`
}

// segmentID accepts both numeric and string ids
type segmentID string

func (s *segmentID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = segmentID(v)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("segment id: %w", err)
	}
	*s = segmentID(n.String())
	return nil
}

// decodeFireworksMessage converts one upstream message.
// Returns nil for messages without transcription content.
func decodeFireworksMessage(data []byte, receivedAt time.Time) (*Response, error) {
	var msg fireworksMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode fireworks message: %w", err)
	}
	if msg.Error != "" {
		return nil, fmt.Errorf("fireworks error: %s", msg.Error)
	}

	resp := &Response{ReceivedAt: receivedAt}

	for _, seg := range msg.Segments {
		resp.Segments = append(resp.Segments, transcript.Segment{
			ID:    string(seg.ID),
			Start: seg.Start,
			End:   seg.End,
			Text:  seg.Text,
			Words: convertFireworksWords(seg.Words),
		})
	}

	// Some responses only carry the flattened transcript
	if len(resp.Segments) == 0 && msg.Text != "" {
		words := convertFireworksWords(msg.Words)
		seg := transcript.Segment{ID: "0", Text: msg.Text, Words: words}
		if len(words) > 0 {
			seg.Start = words[0].Start
			seg.End = words[len(words)-1].End
		}
		resp.Segments = append(resp.Segments, seg)
	}

	if len(resp.Segments) == 0 {
		return nil, nil
	}
	return resp, nil
}

func convertFireworksWords(in []fireworksWord) []transcript.Word {
	if len(in) == 0 {
		return nil
	}
	out := make([]transcript.Word, len(in))
	for i, w := range in {
		out[i] = transcript.Word{
			Text:        w.Word,
			Start:       w.Start,
			End:         w.End,
			Probability: w.Probability,
		}
	}
	return out
}
