// Package servicestest provides a scripted Provider for tests.
package servicestest

import (
	"context"
	"errors"
	"io"
	"sync"

	"gcse-quizgen/internal/services"
)

// Response scripts one Stream call.
type Response struct {
	Chunks []services.Chunk
	// StreamErr is returned by Stream itself.
	StreamErr error
	// NextErr is returned after all chunks instead of io.EOF.
	NextErr error
	// Wait blocks the first Next until it is closed or the context ends.
	Wait <-chan struct{}
}

// Text is a response carrying one answer chunk.
func Text(s string) Response {
	return Response{Chunks: []services.Chunk{{Text: s}}}
}

// Provider replays scripted responses in order, or asks Handler when set.
type Provider struct {
	Handler func(req services.Request) Response

	mu       sync.Mutex
	queue    []Response
	requests []services.Request
}

func New(responses ...Response) *Provider {
	return &Provider{queue: responses}
}

func (p *Provider) Push(responses ...Response) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, responses...)
}

func (p *Provider) Requests() []services.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]services.Request(nil), p.requests...)
}

func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *Provider) Name() string { return "scripted" }

func (p *Provider) Stream(ctx context.Context, req services.Request) (services.ChunkStream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	handler := p.Handler
	var r Response
	if handler == nil {
		if len(p.queue) == 0 {
			r = Response{NextErr: errors.New("servicestest: no scripted response")}
		} else {
			r = p.queue[0]
			p.queue = p.queue[1:]
		}
	}
	p.mu.Unlock()

	if handler != nil {
		r = handler(req)
	}
	if r.StreamErr != nil {
		return nil, r.StreamErr
	}
	return &stream{ctx: ctx, r: r}, nil
}

type stream struct {
	ctx    context.Context
	r      Response
	pos    int
	waited bool
}

func (s *stream) Next() (services.Chunk, error) {
	if !s.waited && s.r.Wait != nil {
		s.waited = true
		select {
		case <-s.r.Wait:
		case <-s.ctx.Done():
			return services.Chunk{}, s.ctx.Err()
		}
	}
	if err := s.ctx.Err(); err != nil {
		return services.Chunk{}, err
	}
	if s.pos < len(s.r.Chunks) {
		c := s.r.Chunks[s.pos]
		s.pos++
		return c, nil
	}
	if s.r.NextErr != nil {
		return services.Chunk{}, s.r.NextErr
	}
	return services.Chunk{}, io.EOF
}

func (s *stream) Close() error { return nil }
