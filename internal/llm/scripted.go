package llm

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Scripted replays canned responses as fragments. It stands in for a real
// backend in tests and in offline mode.
type Scripted struct {
	mu        sync.Mutex
	responses [][]string
	requests  []Request

	// FailAfter makes the next call return Err after that many fragments.
	// Negative disables.
	FailAfter int
	Err       error

	// Hook, when set, runs before each fragment is delivered.
	Hook func(i int)
}

// NewScripted returns a generator that answers calls in order with the
// given fragment lists. Once exhausted the last response repeats.
func NewScripted(responses ...[]string) *Scripted {
	return &Scripted{responses: responses, FailAfter: -1}
}

// LoadScript reads canned responses from a YAML file holding a list of
// responses, each a list of fragments.
func LoadScript(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	var responses [][]string
	if err := yaml.Unmarshal(data, &responses); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", path, err)
	}
	if len(responses) == 0 {
		return nil, fmt.Errorf("script %s: %w", path, ErrEmptyResponse)
	}
	return NewScripted(responses...), nil
}

// Push queues another response.
func (s *Scripted) Push(fragments ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, fragments)
}

// Requests returns every request received so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Last returns the most recent request.
func (s *Scripted) Last() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Request{}
	}
	return s.requests[len(s.requests)-1]
}

func (s *Scripted) next(req Request) ([]string, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	failAfter, err := s.FailAfter, s.Err
	s.FailAfter, s.Err = -1, nil
	if len(s.responses) == 0 {
		return nil, failAfter, err
	}
	frags := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return frags, failAfter, err
}

// Stream implements Generator.
func (s *Scripted) Stream(ctx context.Context, req Request, cb Callbacks) error {
	frags, failAfter, failErr := s.next(req)
	if err := ctx.Err(); err != nil {
		return err
	}
	if failAfter == 0 && failErr != nil {
		return failErr
	}

	cb.start()
	cb.chunk(Chunk{Text: req.StartWith, FromStartWith: true})

	stop := newStopper(req.StopSequences)
	for i, f := range frags {
		if failErr != nil && i == failAfter {
			return failErr
		}
		if s.Hook != nil {
			s.Hook(i)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		out, done := stop.feed(f)
		cb.chunk(Chunk{Text: out})
		if done {
			cb.finish()
			return nil
		}
	}
	if failAfter >= len(frags) && failErr != nil {
		return failErr
	}
	cb.chunk(Chunk{Text: stop.flush()})
	cb.finish()
	return nil
}
