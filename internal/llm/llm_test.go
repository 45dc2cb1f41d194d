package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStopper(t *testing.T) {
	tests := []struct {
		name      string
		seqs      []string
		fragments []string
		want      string
		stopped   bool
	}{
		{"no sequences", nil, []string{"a\n\nb"}, "a\n\nb", false},
		{"within fragment", []string{"\n\n"}, []string{"One.\n\nTwo."}, "One.", true},
		{"split across fragments", []string{"\n\n"}, []string{"One.\n", "\nTwo."}, "One.", true},
		{"partial then continue", []string{"\n\n"}, []string{"One.\n", "Still one."}, "One.\nStill one.", false},
		{"leading newlines ignored", []string{"\n\n"}, []string{"\n\n", "One.\n\n"}, "\n\nOne.", true},
		{"earliest of several", []string{"END", "\n\n"}, []string{"a END b\n\n"}, "a ", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStopper(tt.seqs)
			var sb strings.Builder
			stopped := false
			for _, f := range tt.fragments {
				out, done := s.feed(f)
				sb.WriteString(out)
				if done {
					stopped = true
					break
				}
			}
			if !stopped {
				sb.WriteString(s.flush())
			}
			if sb.String() != tt.want || stopped != tt.stopped {
				t.Errorf("got %q (stopped=%v), want %q (stopped=%v)", sb.String(), stopped, tt.want, tt.stopped)
			}
		})
	}
}

func TestScriptedDeliversInOrder(t *testing.T) {
	g := NewScripted([]string{"Hel", "lo"})
	var events []string
	err := g.Stream(context.Background(), Request{Instruction: "x", StartWith: "Say: "}, Callbacks{
		OnStart:  func() { events = append(events, "start") },
		OnChunk:  func(c Chunk) { events = append(events, fmt.Sprintf("%s/%v", c.Text, c.FromStartWith)) },
		OnFinish: func() { events = append(events, "finish") },
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"start", "Say: /true", "Hel/false", "lo/false", "finish"}
	if strings.Join(events, "|") != strings.Join(want, "|") {
		t.Errorf("events = %q, want %q", events, want)
	}
	if g.Last().Instruction != "x" {
		t.Errorf("Last() = %+v", g.Last())
	}
}

func TestScriptedFailure(t *testing.T) {
	boom := errors.New("boom")
	g := NewScripted([]string{"a", "b", "c"})
	g.FailAfter, g.Err = 2, boom

	var got string
	finished := false
	err := g.Stream(context.Background(), Request{}, Callbacks{
		OnChunk:  func(c Chunk) { got += c.Text },
		OnFinish: func() { finished = true },
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
	if got != "ab" || finished {
		t.Errorf("got %q finished=%v", got, finished)
	}

	// Failure is one-shot.
	if _, err := Complete(context.Background(), g, Request{}); err != nil {
		t.Errorf("second call: %v", err)
	}
}

func TestLoadScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.yaml")
	script := "- [\"Alice \", \"walked in.\"]\n- [\"She sat down.\"]\n"
	if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := LoadScript(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Alice walked in.", "She sat down.", "She sat down."} {
		got, err := Complete(context.Background(), s, Request{})
		if err != nil || got != want {
			t.Errorf("Complete = %q, %v; want %q", got, err, want)
		}
	}

	empty := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(empty, []byte("[]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadScript(empty); !errors.Is(err, ErrEmptyResponse) {
		t.Errorf("empty script err = %v", err)
	}
	if _, err := LoadScript(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing script accepted")
	}
}

func TestScriptedCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g := NewScripted([]string{"a", "b", "c"})
	g.Hook = func(i int) {
		if i == 1 {
			cancel()
		}
	}
	out, err := Complete(ctx, g, Request{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
	if out != "a" {
		t.Errorf("out = %q", out)
	}
}

func sse(events ...string) string {
	var sb strings.Builder
	for _, e := range events {
		var typ struct {
			Type string `json:"type"`
		}
		json.Unmarshal([]byte(e), &typ)
		fmt.Fprintf(&sb, "event: %s\ndata: %s\n\n", typ.Type, e)
	}
	return sb.String()
}

func textDelta(s string) string {
	b, _ := json.Marshal(s)
	return `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":` + string(b) + `}}`
}

func newTestServer(t *testing.T, body string, seen *request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			json.Unmarshal(raw, seen)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClientStream(t *testing.T) {
	body := sse(
		`{"type":"message_start","message":{"usage":{"input_tokens":12}}}`,
		textDelta("Hello"),
		textDelta(" world."),
		`{"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		`{"type":"message_stop"}`,
	)
	var seen request
	srv := newTestServer(t, body, &seen)
	c := NewClient("test-key", ClientOptions{BaseURL: srv.URL, Model: "test-model"})

	out, err := Complete(context.Background(), c, Request{
		Instruction:   "Write.",
		StartWith:     "Start ",
		StopSequences: []string{"\n\n", "THE END"},
		MaxTokens:     50,
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != "Start Hello world." {
		t.Errorf("out = %q", out)
	}
	if !seen.Stream || seen.Model != "test-model" || seen.MaxTokens != 50 {
		t.Errorf("request = %+v", seen)
	}
	if len(seen.StopSequences) != 1 || seen.StopSequences[0] != "THE END" {
		t.Errorf("remote stop sequences = %q", seen.StopSequences)
	}
	if n := len(seen.Messages); n != 2 || seen.Messages[1].Role != "assistant" || seen.Messages[1].Content != "Start" {
		t.Errorf("messages = %+v", seen.Messages)
	}
}

func TestClientLocalStopSequence(t *testing.T) {
	body := sse(
		textDelta("First paragraph.\n"),
		textDelta("\nSecond paragraph."),
		`{"type":"message_stop"}`,
	)
	srv := newTestServer(t, body, nil)
	c := NewClient("test-key", ClientOptions{BaseURL: srv.URL})

	finished := false
	var out string
	err := c.Stream(context.Background(), Request{StopSequences: []string{"\n\n"}}, Callbacks{
		OnChunk:  func(ch Chunk) { out += ch.Text },
		OnFinish: func() { finished = true },
	})
	if err != nil {
		t.Fatal(err)
	}
	if out != "First paragraph." || !finished {
		t.Errorf("out = %q finished=%v", out, finished)
	}
}

func TestClientStreamErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"error event", sse(textDelta("partial"), `{"type":"error","error":{"type":"overloaded_error","message":"Overloaded"}}`), ErrStreamError},
		{"truncated", sse(textDelta("partial")), ErrStreamError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.body, nil)
			c := NewClient("test-key", ClientOptions{BaseURL: srv.URL})
			out, err := Complete(context.Background(), c, Request{})
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
			if out != "partial" {
				t.Errorf("partial output lost: %q", out)
			}
		})
	}
}

func TestClientHTTPError(t *testing.T) {
	srv := newTestServer(t, "", nil)
	c := NewClient("wrong-key", ClientOptions{BaseURL: srv.URL})
	if _, err := Complete(context.Background(), c, Request{}); !errors.Is(err, ErrRequestFailed) {
		t.Errorf("err = %v", err)
	}
}

func TestClientRateLimit(t *testing.T) {
	srv := newTestServer(t, sse(`{"type":"message_stop"}`), nil)
	c := NewClient("test-key", ClientOptions{BaseURL: srv.URL, MaxPerMin: 1})
	if _, err := Complete(context.Background(), c, Request{}); err != nil {
		t.Fatal(err)
	}
	if _, err := Complete(context.Background(), c, Request{}); !errors.Is(err, ErrRateLimited) {
		t.Errorf("err = %v", err)
	}
}

func TestNewClientWithoutKey(t *testing.T) {
	c := NewClient("", ClientOptions{})
	if c.Enabled() {
		t.Error("client without key is enabled")
	}
	if err := c.Stream(context.Background(), Request{}, Callbacks{}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v", err)
	}
}

func TestCountTokens(t *testing.T) {
	n, err := CountTokens("The quick brown fox jumps over the lazy dog.")
	if err != nil {
		t.Fatal(err)
	}
	if n < 5 || n > 15 {
		t.Errorf("CountTokens = %d", n)
	}
	if got := ApproxTokens(""); got != 0 {
		t.Errorf("ApproxTokens(\"\") = %d", got)
	}
	if got := ApproxTokens("Rain fell on the harbor."); got <= 0 {
		t.Errorf("ApproxTokens = %d", got)
	}
}
