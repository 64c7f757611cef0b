// Package mock provides a scripted stt.Provider for tests
package mock

import (
	"context"
	"sync"

	"github.com/lexiqai/transcription-gateway/internal/stt"
)

// Provider is a scripted stt.Provider. Tests push responses and errors and
// inspect what the session sent.
type Provider struct {
	// ConnectFunc, when set, decides the outcome of the n-th Connect (1-based)
	ConnectFunc func(n int, opts stt.ConnectOptions) error

	mu        sync.Mutex
	connects  []stt.ConnectOptions
	connected bool
	sent      [][]byte
	closed    bool

	responses chan *stt.Response
	errs      chan error
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a mock provider
func New() *Provider {
	return &Provider{
		responses: make(chan *stt.Response, 64),
		errs:      make(chan error, 8),
		done:      make(chan struct{}),
	}
}

// Name implements stt.Provider
func (p *Provider) Name() string {
	return "mock"
}

// Connect implements stt.Provider
func (p *Provider) Connect(ctx context.Context, opts stt.ConnectOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return stt.ErrClosed
	}

	p.connects = append(p.connects, opts)
	if p.ConnectFunc != nil {
		if err := p.ConnectFunc(len(p.connects), opts); err != nil {
			p.connected = false
			return err
		}
	}
	p.connected = true
	return nil
}

// SendAudio implements stt.Provider
func (p *Provider) SendAudio(ctx context.Context, pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return stt.ErrClosed
	}
	if !p.connected {
		return stt.ErrNotConnected
	}

	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	p.sent = append(p.sent, buf)
	return nil
}

// Receive implements stt.Provider
func (p *Provider) Receive(ctx context.Context) (*stt.Response, error) {
	p.mu.Lock()
	closed, connected := p.closed, p.connected
	p.mu.Unlock()

	if closed {
		return nil, stt.ErrClosed
	}
	if !connected {
		return nil, stt.ErrNotConnected
	}

	select {
	case resp := <-p.responses:
		return resp, nil
	case err := <-p.errs:
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
		return nil, err
	case <-p.done:
		return nil, stt.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements stt.Provider
func (p *Provider) Close() error {
	p.mu.Lock()
	p.closed = true
	p.connected = false
	p.mu.Unlock()

	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

// Push queues a response for Receive
func (p *Provider) Push(resp *stt.Response) {
	p.responses <- resp
}

// Fail makes the next Receive return err and drops the connection
func (p *Provider) Fail(err error) {
	p.errs <- err
}

// Connects returns the options of every Connect call
func (p *Provider) Connects() []stt.ConnectOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]stt.ConnectOptions(nil), p.connects...)
}

// Sent returns the audio forwarded so far
func (p *Provider) Sent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.sent...)
}

// Closed reports whether Close was called
func (p *Provider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Registry hands out mock providers and remembers them
type Registry struct {
	// Setup, when set, runs on each new provider before it is returned
	Setup func(p *Provider)

	mu        sync.Mutex
	providers []*Provider
	created   chan *Provider
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{created: make(chan *Provider, 64)}
}

// Factory returns an stt.Factory backed by the registry
func (r *Registry) Factory() stt.Factory {
	return func() stt.Provider {
		p := New()
		if r.Setup != nil {
			r.Setup(p)
		}

		r.mu.Lock()
		r.providers = append(r.providers, p)
		r.mu.Unlock()

		r.created <- p
		return p
	}
}

// Created delivers providers in creation order
func (r *Registry) Created() <-chan *Provider {
	return r.created
}

// Providers returns every provider created so far
func (r *Registry) Providers() []*Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Provider(nil), r.providers...)
}
