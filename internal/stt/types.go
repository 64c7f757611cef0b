package stt

import (
	"context"
	"time"

	"github.com/lexiqai/transcription-gateway/internal/transcript"
)

// ConnectOptions configure one upstream streaming session
type ConnectOptions struct {
	// Language is the primary language code, e.g. "en"
	Language string

	// Prompt is the continuation context from previously finalized text.
	// Providers without prompt support ignore it.
	Prompt string
}

// Response is one upstream transcription message.
// Segments carry ids that are stable across revisions; a segment seen again
// replaces the earlier version. Times are seconds since the upstream
// session started.
type Response struct {
	Segments   []transcript.Segment
	ReceivedAt time.Time
}

// Provider is one upstream streaming transcription session.
// SendAudio and Receive may be called from different goroutines.
type Provider interface {
	// Name identifies the provider in logs and metrics
	Name() string

	// Connect establishes the upstream session. Calling it again after the
	// connection was lost replaces the dead connection.
	Connect(ctx context.Context, opts ConnectOptions) error

	// SendAudio forwards 16kHz mono 16-bit PCM
	SendAudio(ctx context.Context, pcm []byte) error

	// Receive blocks until the next upstream message
	Receive(ctx context.Context) (*Response, error)

	// Close releases the upstream session. It is safe to call more than once.
	Close() error
}

// Factory builds a provider for a single participant session
type Factory func() Provider
