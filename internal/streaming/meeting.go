// Package streaming implements the per-meeting connection and the
// per-speaker transcription sessions behind it.
package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/transcription-gateway/internal/audio"
	"github.com/lexiqai/transcription-gateway/internal/config"
	"github.com/lexiqai/transcription-gateway/internal/observability"
	"github.com/lexiqai/transcription-gateway/internal/resilience"
	"github.com/lexiqai/transcription-gateway/internal/stt"
	"github.com/lexiqai/transcription-gateway/internal/transcript"
)

const (
	writeTimeout = 10 * time.Second
	eventBuffer  = 64
)

// ErrQueueFull is reported to the client when inbound frames are dropped
var ErrQueueFull = errors.New("inbound queue full, audio dropped")

// Socket is the client connection. *websocket.Conn satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Publisher receives a copy of every response written to the client
type Publisher interface {
	Publish(ctx context.Context, meetingID string, resp *transcript.Response) error
}

// Options configure a meeting connection
type Options struct {
	MeetingID       string
	Factory         stt.Factory
	Policy          transcript.Policy
	DefaultLanguage string
	QueueSize       int
	PingInterval    time.Duration
	PingTimeout     time.Duration
	FlushInterval   time.Duration
	IncludeAudio    bool
	MalformedPolicy string // config.MalformedFrameFallback or config.MalformedFrameDrop
	Reconnect       *resilience.ReconnectConfig
	Publisher       Publisher // optional
	Logger          zerolog.Logger
}

type frame struct {
	data       []byte
	receivedAt time.Time
}

// MeetingConnection serves one client socket carrying audio for every
// speaker of a meeting.
//
// A single run loop goroutine owns the sessions map and drives every
// participant. The reader goroutine only queues frames, each participant's
// receive goroutine only forwards upstream events, and the ping goroutine
// only writes control frames.
type MeetingConnection struct {
	opts    Options
	socket  Socket
	log     zerolog.Logger
	metrics *observability.Metrics

	sessions map[string]*Participant

	frames      chan frame
	events      chan Event
	readErr     chan error
	overflow    chan struct{}
	overflowing atomic.Bool

	wg sync.WaitGroup
}

// NewMeetingConnection creates a connection for an accepted socket
func NewMeetingConnection(socket Socket, opts Options) *MeetingConnection {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = audio.DefaultLanguage
	}

	return &MeetingConnection{
		opts:     opts,
		socket:   socket,
		log:      opts.Logger,
		metrics:  observability.NewMeetingMetrics(opts.MeetingID),
		sessions: make(map[string]*Participant),
		frames:   make(chan frame, opts.QueueSize),
		events:   make(chan Event, eventBuffer),
		readErr:  make(chan error, 1),
		overflow: make(chan struct{}, 1),
	}
}

// Serve runs the connection until the client disconnects, liveness fails,
// a write fails or ctx is cancelled. Every participant is closed and the
// socket released before Serve returns.
func (m *MeetingConnection) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	m.metrics.RecordConnectionStart()
	m.log.Info().Msg("Meeting connection opened")

	m.armLiveness()

	m.wg.Add(2)
	go m.readLoop(ctx)
	go m.pingLoop(ctx)

	err := m.run(ctx)

	cancel()
	m.disconnect()
	m.wg.Wait()

	m.metrics.RecordConnectionEnd()
	if err != nil {
		m.log.Info().Err(err).Msg("Meeting connection closed")
	} else {
		m.log.Info().Msg("Meeting connection closed")
	}
	return err
}

func (m *MeetingConnection) run(ctx context.Context) error {
	var flush <-chan time.Time
	if m.opts.FlushInterval > 0 {
		ticker := time.NewTicker(m.opts.FlushInterval)
		defer ticker.Stop()
		flush = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-m.readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read: %w", err)

		case f := <-m.frames:
			if err := m.handleFrame(ctx, f); err != nil {
				return err
			}

		case ev := <-m.events:
			if err := m.handleEvent(ctx, ev); err != nil {
				return err
			}

		case <-m.overflow:
			m.log.Warn().Int("queue_size", m.opts.QueueSize).Msg("Inbound queue full, dropping frames")
			if err := m.write(ctx, &transcript.Response{
				ID:        transcript.NewResponseID(),
				Timestamp: transcript.Millis(time.Now()),
				Text:      ErrQueueFull.Error(),
				Type:      transcript.TypeError,
			}); err != nil {
				return err
			}

		case now := <-flush:
			if err := m.flush(ctx, now); err != nil {
				return err
			}
		}
	}
}

func (m *MeetingConnection) liveness() time.Duration {
	return m.opts.PingInterval + m.opts.PingTimeout
}

func (m *MeetingConnection) armLiveness() {
	if m.opts.PingInterval <= 0 {
		return
	}
	_ = m.socket.SetReadDeadline(time.Now().Add(m.liveness()))
	m.socket.SetPongHandler(func(string) error {
		return m.socket.SetReadDeadline(time.Now().Add(m.liveness()))
	})
}

// readLoop queues inbound frames without blocking on a full queue
func (m *MeetingConnection) readLoop(ctx context.Context) {
	defer m.wg.Done()

	for {
		msgType, data, err := m.socket.ReadMessage()
		if err != nil {
			m.readErr <- err
			return
		}

		if m.opts.PingInterval > 0 {
			_ = m.socket.SetReadDeadline(time.Now().Add(m.liveness()))
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		select {
		case m.frames <- frame{data: data, receivedAt: time.Now()}:
			m.overflowing.Store(false)
		case <-ctx.Done():
			return
		default:
			m.metrics.RecordDroppedFrame()
			if m.overflowing.CompareAndSwap(false, true) {
				select {
				case m.overflow <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (m *MeetingConnection) pingLoop(ctx context.Context) {
	defer m.wg.Done()

	if m.opts.PingInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.PingTimeout)); err != nil {
				m.log.Debug().Err(err).Msg("Ping failed")
				return
			}
		}
	}
}

func (m *MeetingConnection) handleFrame(ctx context.Context, f frame) error {
	decoded := audio.DecodeChunk(f.data, f.receivedAt)
	if decoded.Fallback() {
		m.metrics.RecordDecodeFallback(m.opts.MalformedPolicy)
		m.log.Debug().Err(decoded.Err).Int("bytes", len(f.data)).Msg("Malformed audio frame")
		if m.opts.MalformedPolicy == config.MalformedFrameDrop {
			return nil
		}
	}

	chunk := decoded.Chunk
	m.metrics.RecordAudioBytes("in", int64(len(f.data)))

	p, ok := m.sessions[chunk.SpeakerID]
	if !ok {
		p = m.addParticipant(chunk)
	}

	if err := p.Transcribe(ctx, chunk); err != nil {
		return m.fail(ctx, p, err)
	}
	return m.deliver(ctx, p)
}

func (m *MeetingConnection) addParticipant(chunk audio.Chunk) *Participant {
	p := NewParticipant(ParticipantOptions{
		ID:           chunk.SpeakerID,
		Language:     transcript.NormalizeLanguage(chunk.Language, m.opts.DefaultLanguage),
		Factory:      m.opts.Factory,
		Policy:       m.opts.Policy,
		Reconnect:    m.opts.Reconnect,
		IncludeAudio: m.opts.IncludeAudio,
		Events:       m.events,
		Logger:       m.log,
		Metrics:      m.metrics,
	})
	m.sessions[chunk.SpeakerID] = p
	m.metrics.RecordParticipantAdded()

	return p
}

func (m *MeetingConnection) handleEvent(ctx context.Context, ev Event) error {
	p := ev.Participant
	if current, ok := m.sessions[p.ID()]; !ok || current != p {
		// Event from a participant that was already removed
		return nil
	}

	now := time.Now()
	switch {
	case ev.Err != nil:
		return m.fail(ctx, p, ev.Err)
	case ev.Connected:
		p.OnConnected(ctx, now)
	case ev.Disconnected:
		p.OnDisconnected()
	case ev.Response != nil:
		p.HandleResponse(ev.Response, now)
	}

	return m.deliver(ctx, p)
}

// fail reports a participant failure to the client and removes the participant.
// Other speakers are unaffected.
func (m *MeetingConnection) fail(ctx context.Context, p *Participant, cause error) error {
	m.log.Error().Err(cause).Str("participant_id", p.ID()).Msg("Participant failed")
	m.metrics.RecordError("participant_failed", "streaming")

	p.Fail(time.Now())
	err := m.deliver(ctx, p)
	m.RemoveParticipant(p.ID())
	return err
}

func (m *MeetingConnection) flush(ctx context.Context, now time.Time) error {
	for _, p := range m.sessions {
		if !p.Flush(now, m.opts.FlushInterval) {
			continue
		}
		if err := m.deliver(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// deliver writes the participant's pending response, if any
func (m *MeetingConnection) deliver(ctx context.Context, p *Participant) error {
	if !p.HasNewResult() {
		return nil
	}
	return m.write(ctx, p.Result())
}

func (m *MeetingConnection) write(ctx context.Context, resp *transcript.Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}

	if err := m.socket.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := m.socket.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write: %w", err)
	}

	m.metrics.RecordResponse(string(resp.Type))
	m.metrics.RecordAudioBytes("out", int64(len(data)))

	if m.opts.Publisher != nil {
		if err := m.opts.Publisher.Publish(ctx, m.opts.MeetingID, resp); err != nil {
			m.log.Warn().Err(err).Str("type", string(resp.Type)).Msg("Failed to publish transcript")
		}
	}
	return nil
}

// RemoveParticipant closes and forgets one speaker's session.
// Must be called from the run loop.
func (m *MeetingConnection) RemoveParticipant(id string) {
	p, ok := m.sessions[id]
	if !ok {
		return
	}
	p.Close()
	delete(m.sessions, id)
	m.metrics.RecordParticipantRemoved()
}

// disconnect closes every session and the socket. In-flight text that was
// not finalized is dropped.
func (m *MeetingConnection) disconnect() {
	for id := range m.sessions {
		m.RemoveParticipant(id)
	}

	_ = m.socket.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	if err := m.socket.Close(); err != nil {
		m.log.Debug().Err(err).Msg("Socket close failed")
	}
}
