package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/transcription-gateway/internal/audio"
	"github.com/lexiqai/transcription-gateway/internal/config"
	"github.com/lexiqai/transcription-gateway/internal/stt"
	"github.com/lexiqai/transcription-gateway/internal/stt/mock"
	"github.com/lexiqai/transcription-gateway/internal/transcript"
)

const speaker = "aaaaaaaa-0000-4000-8000-000000000001"

func testConfig() *config.Config {
	return &config.Config{
		WSMaxSizeBytes:       1 << 20,
		WSMaxQueueSize:       16,
		MaxConnections:       1,
		DefaultLanguage:      "en",
		MinProbability:       0.7,
		MalformedFramePolicy: config.MalformedFrameFallback,
		BypassAuthorization:  true,
		ReconnectMaxAttempts: 2,
		ReconnectBackoff:     1,
	}
}

func startServer(t *testing.T, cfg *config.Config) (*Server, *mock.Registry, string) {
	t.Helper()

	registry := mock.NewRegistry()
	srv := New(cfg, registry.Factory(), nil)

	mux := http.NewServeMux()
	srv.Register(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})

	return srv, registry, "ws" + strings.TrimPrefix(ts.URL, "http") + "/streaming-whisper/ws/meeting-1"
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Failed to dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func dialStatus(url string, header http.Header) int {
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		conn.Close()
		return http.StatusSwitchingProtocols
	}
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func nextProvider(t *testing.T, registry *mock.Registry) *mock.Provider {
	t.Helper()
	select {
	case p := <-registry.Created():
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for a provider")
		return nil
	}
}

func TestHandleMeeting_RoundTrip(t *testing.T) {
	_, registry, url := startServer(t, testConfig())
	conn := dial(t, url, nil)

	frame := audio.EncodeChunk(speaker, "en-US", make([]float32, 160))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}

	p := nextProvider(t, registry)
	p.Push(&stt.Response{Segments: []transcript.Segment{{
		ID:   "0",
		Text: " Hi there",
		End:  0.6,
		Words: []transcript.Word{
			{Text: " Hi", Start: 0, End: 0.2, Probability: 0.9},
			{Text: " there", Start: 0.3, End: 0.6, Probability: 0.9},
		},
	}}})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Errorf("Expected text message, got %d", msgType)
	}

	var resp transcript.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.ParticipantID != speaker {
		t.Errorf("Expected participant %s, got %s", speaker, resp.ParticipantID)
	}
	if resp.Type != transcript.TypeInterim || resp.Text != " Hi there" {
		t.Errorf("Expected interim %q, got %s %q", " Hi there", resp.Type, resp.Text)
	}
	if opts := p.Connects(); len(opts) != 1 || opts[0].Language != "en" {
		t.Errorf("Expected one connect with language en, got %+v", opts)
	}
}

func TestHandleMeeting_ConnectionLimit(t *testing.T) {
	_, _, url := startServer(t, testConfig())
	dial(t, url, nil)

	if status := dialStatus(url, nil); status != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 over the limit, got %d", status)
	}
}

func TestHandleMeeting_Authorization(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 10
	cfg.BypassAuthorization = false
	cfg.AuthToken = "secret"
	_, _, url := startServer(t, cfg)

	if status := dialStatus(url, nil); status != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a token, got %d", status)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	dial(t, url, header)
	dial(t, url+"?auth_token=secret", nil)
}

func TestServer_Shutdown(t *testing.T) {
	srv, registry, url := startServer(t, testConfig())
	conn := dial(t, url, nil)

	frame := audio.EncodeChunk(speaker, "en", make([]float32, 160))
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("Failed to send frame: %v", err)
	}
	p := nextProvider(t, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Expected clean shutdown, got %v", err)
	}

	if !p.Closed() {
		t.Error("Expected the provider session to be closed")
	}
	if !srv.Draining() {
		t.Error("Expected server to report draining")
	}
	if status := dialStatus(url, nil); status != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 while draining, got %d", status)
	}
}
