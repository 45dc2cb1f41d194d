package llm

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotConfigured = errors.New("LLM client not configured")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrRequestFailed = errors.New("API request failed")
	ErrStreamError   = errors.New("stream error")
	ErrEmptyResponse = errors.New("empty response")
)

// Request is one generation call.
type Request struct {
	System        string
	Instruction   string
	StartWith     string   // text the response is forced to begin with
	StopSequences []string // generation ends before any of these
	MaxTokens     int
}

// Chunk is one streamed fragment. The StartWith text is echoed first as a
// chunk with FromStartWith set.
type Chunk struct {
	Text          string
	FromStartWith bool
}

// Callbacks receive a stream in order: OnStart once, OnChunk per fragment,
// OnFinish once when the stream completes normally. OnFinish is not called
// when Stream returns an error. Nil callbacks are skipped.
type Callbacks struct {
	OnStart  func()
	OnChunk  func(Chunk)
	OnFinish func()
}

func (cb Callbacks) start() {
	if cb.OnStart != nil {
		cb.OnStart()
	}
}

func (cb Callbacks) chunk(c Chunk) {
	if cb.OnChunk != nil && c.Text != "" {
		cb.OnChunk(c)
	}
}

func (cb Callbacks) finish() {
	if cb.OnFinish != nil {
		cb.OnFinish()
	}
}

// Generator is the text-generation collaborator. Stream blocks until the
// response is complete, ctx is cancelled (ctx.Err() is returned) or the call
// fails. Chunks already delivered stay delivered.
type Generator interface {
	Stream(ctx context.Context, req Request, cb Callbacks) error
}

// Complete runs req to completion and returns the whole response, StartWith
// included.
func Complete(ctx context.Context, g Generator, req Request) (string, error) {
	var sb strings.Builder
	err := g.Stream(ctx, req, Callbacks{
		OnChunk: func(c Chunk) { sb.WriteString(c.Text) },
	})
	return sb.String(), err
}

// stopper cuts a stream at the first stop sequence when the backend cannot
// do it (whitespace-only sequences, scripted output). A possible partial
// match at the end of a fragment is held until the next one. Leading
// whitespace of the response never matches.
type stopper struct {
	seqs []string
	held string
	seen bool
}

func newStopper(seqs []string) *stopper {
	var keep []string
	for _, s := range seqs {
		if s != "" {
			keep = append(keep, s)
		}
	}
	return &stopper{seqs: keep}
}

// feed returns the text that is safe to emit and whether a stop sequence was hit.
func (s *stopper) feed(text string) (string, bool) {
	if len(s.seqs) == 0 {
		return text, false
	}
	buf := s.held + text
	s.held = ""

	lead := ""
	if !s.seen {
		trimmed := strings.TrimLeft(buf, " \t\r\n")
		lead, buf = buf[:len(buf)-len(trimmed)], trimmed
		if buf == "" {
			return lead, false
		}
		s.seen = true
	}

	cut := -1
	for _, seq := range s.seqs {
		if i := strings.Index(buf, seq); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut >= 0 {
		return lead + buf[:cut], true
	}

	keep := 0
	for _, seq := range s.seqs {
		for k := min(len(seq)-1, len(buf)); k > keep; k-- {
			if strings.HasSuffix(buf, seq[:k]) {
				keep = k
				break
			}
		}
	}
	s.held = buf[len(buf)-keep:]
	return lead + buf[:len(buf)-keep], false
}

// flush returns whatever is still held at stream end.
func (s *stopper) flush() string {
	h := s.held
	s.held = ""
	return h
}
