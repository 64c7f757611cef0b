package streaming

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/transcription-gateway/internal/audio"
	"github.com/lexiqai/transcription-gateway/internal/transcript"
)

const (
	speakerA = "aaaaaaaa-0000-4000-8000-000000000001"
	speakerB = "bbbbbbbb-0000-4000-8000-000000000002"
)

var errSocketClosed = errors.New("use of closed network connection")

// fakeSocket is an in-memory client socket
type fakeSocket struct {
	in        chan []byte
	out       chan transcript.Response
	closed    chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		in:     make(chan []byte, 16),
		out:    make(chan transcript.Response, 64),
		closed: make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-s.in:
		if !ok {
			return 0, nil, &websocket.CloseError{Code: websocket.CloseNormalClosure}
		}
		return websocket.BinaryMessage, data, nil
	case <-s.closed:
		return 0, nil, errSocketClosed
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	var resp transcript.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	s.out <- resp
	return nil
}

func (s *fakeSocket) WriteControl(int, []byte, time.Time) error { return nil }
func (s *fakeSocket) SetReadDeadline(time.Time) error           { return nil }
func (s *fakeSocket) SetWriteDeadline(time.Time) error          { return nil }
func (s *fakeSocket) SetPongHandler(func(string) error)         {}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// send queues a client frame
func (s *fakeSocket) send(frame []byte) {
	s.in <- frame
}

// hangUp simulates the client closing the connection
func (s *fakeSocket) hangUp() {
	s.endOnce.Do(func() { close(s.in) })
}

func (s *fakeSocket) next(t *testing.T) transcript.Response {
	t.Helper()
	select {
	case resp := <-s.out:
		return resp
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for a response")
		return transcript.Response{}
	}
}

func speech(speaker string) []byte {
	return audio.EncodeChunk(speaker, "en-US", make([]float32, 160))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
