package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned when a Scripted client runs out of queued
// responses.
var ErrScriptExhausted = errors.New("scripted client: no responses left")

// Scripted is a Client for tests: it replays queued responses in order and
// records every request it receives.
type Scripted struct {
	mu        sync.Mutex
	responses []scriptedResponse
	requests  []Request
}

type scriptedResponse struct {
	text string
	err  error
}

// NewScripted creates an empty scripted client.
func NewScripted() *Scripted {
	return &Scripted{}
}

// Respond queues text responses, served in order.
func (s *Scripted) Respond(texts ...string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range texts {
		s.responses = append(s.responses, scriptedResponse{text: t})
	}
	return s
}

// Fail queues an error response.
func (s *Scripted) Fail(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, scriptedResponse{err: err})
	return s
}

// Complete implements Client.
func (s *Scripted) Complete(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return "", ErrScriptExhausted
	}

	next := s.responses[0]
	s.responses = s.responses[1:]
	return next.text, next.err
}

// Requests returns a copy of the requests received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// LastRequest returns the most recent request, or false if none.
func (s *Scripted) LastRequest() (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Request{}, false
	}
	return s.requests[len(s.requests)-1], true
}
