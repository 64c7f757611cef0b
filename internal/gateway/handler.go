// Package gateway exposes meeting connections over HTTP.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/lexiqai/transcription-gateway/internal/config"
	"github.com/lexiqai/transcription-gateway/internal/observability"
	"github.com/lexiqai/transcription-gateway/internal/resilience"
	"github.com/lexiqai/transcription-gateway/internal/streaming"
	"github.com/lexiqai/transcription-gateway/internal/stt"
	"github.com/lexiqai/transcription-gateway/internal/transcript"
)

// MeetingPath is the websocket route; meeting_id names the meeting
const MeetingPath = "/streaming-whisper/ws/{meeting_id}"

// Server accepts meeting websockets and runs one MeetingConnection per socket
type Server struct {
	cfg       *config.Config
	factory   stt.Factory
	publisher streaming.Publisher
	auth      *Authorizer
	sem       *semaphore.Weighted
	upgrader  websocket.Upgrader
	log       zerolog.Logger

	// Meetings are served on baseCtx, not the request context, so Shutdown
	// can cancel them all at once.
	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	draining bool
	active   sync.WaitGroup
}

// New creates a Server. publisher may be nil.
func New(cfg *config.Config, factory stt.Factory, publisher streaming.Publisher) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:       cfg,
		factory:   factory,
		publisher: publisher,
		auth:      NewAuthorizer(cfg.AuthToken, cfg.BypassAuthorization),
		sem:       semaphore.NewWeighted(int64(cfg.MaxConnections)),
		upgrader: websocket.Upgrader{
			// Clients are meeting bots, not browsers on a known origin
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		log:     observability.WithComponent("gateway"),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Register adds the meeting route to mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET "+MeetingPath, s.HandleMeeting)
}

// Draining reports whether Shutdown has started
func (s *Server) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// HandleMeeting upgrades the request and serves the meeting until the
// client leaves or the server shuts down.
func (s *Server) HandleMeeting(w http.ResponseWriter, r *http.Request) {
	meetingID := r.PathValue("meeting_id")
	if meetingID == "" {
		http.Error(w, "missing meeting id", http.StatusBadRequest)
		return
	}

	if err := s.auth.Authorize(r); err != nil {
		observability.RecordRejectedConnection("unauthorized")
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	if !s.sem.TryAcquire(1) {
		observability.RecordRejectedConnection("capacity")
		s.log.Warn().Str("meeting_id", meetingID).Int("max_connections", s.cfg.MaxConnections).Msg("Connection limit reached")
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	defer s.sem.Release(1)

	if !s.track() {
		observability.RecordRejectedConnection("draining")
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.active.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		s.log.Warn().Err(err).Str("meeting_id", meetingID).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	conn.SetReadLimit(s.cfg.WSMaxSizeBytes)

	meeting := streaming.NewMeetingConnection(conn, s.options(meetingID))
	if err := meeting.Serve(s.baseCtx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn().Err(err).Str("meeting_id", meetingID).Msg("Meeting connection ended with error")
	}
}

// track registers an active meeting unless the server is draining
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining {
		return false
	}
	s.active.Add(1)
	return true
}

func (s *Server) options(meetingID string) streaming.Options {
	return streaming.Options{
		MeetingID:       meetingID,
		Factory:         s.factory,
		Policy:          transcript.DefaultPolicy(s.cfg.MinProbability),
		DefaultLanguage: s.cfg.DefaultLanguage,
		QueueSize:       s.cfg.WSMaxQueueSize,
		PingInterval:    s.cfg.PingInterval(),
		PingTimeout:     s.cfg.PingTimeout(),
		FlushInterval:   s.cfg.FlushEvery(),
		IncludeAudio:    s.cfg.IncludeAudio,
		MalformedPolicy: s.cfg.MalformedFramePolicy,
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: s.cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(s.cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  30 * time.Second,
		},
		Publisher: s.publisher,
		Logger:    observability.WithMeeting(meetingID),
	}
}

// Shutdown stops accepting meetings, closes the live ones and waits for
// them to release their sessions or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	observability.SetGracefulShutdown(true)

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("All meeting connections closed")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
