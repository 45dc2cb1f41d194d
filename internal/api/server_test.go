package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/talgya/storyloom/internal/engine"
	"github.com/talgya/storyloom/internal/entropy"
	"github.com/talgya/storyloom/internal/faults"
	"github.com/talgya/storyloom/internal/llm"
)

const testKey = "s3cret"

func newTestServer(t *testing.T, g llm.Generator, modify ...func(*Server)) *httptest.Server {
	t.Helper()
	srv := &Server{
		Session:  engine.New(engine.Config{Generator: g, Random: entropy.Fixed(0.9)}),
		AdminKey: testKey,
	}
	for _, m := range modify {
		m(srv)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func post(t *testing.T, ts *httptest.Server, path, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestStatusIsPublic(t *testing.T) {
	ts := newTestServer(t, llm.NewScripted())
	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode(t, resp)
	if body["state"] != "idle" || body["paragraphs"] != float64(0) {
		t.Errorf("body = %v", body)
	}
}

func TestAuthorEndpointsNeedToken(t *testing.T) {
	tests := []struct {
		name     string
		adminKey string
		token    string
		want     int
	}{
		{"disabled without key", "", testKey, http.StatusForbidden},
		{"missing token", testKey, "", http.StatusUnauthorized},
		{"wrong token", testKey, "nope", http.StatusUnauthorized},
		{"valid token", testKey, testKey, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, llm.NewScripted(), func(s *Server) { s.AdminKey = tt.adminKey })
			if resp := post(t, ts, "/api/v1/cancel", tt.token, ""); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestGenerateAndReadStory(t *testing.T) {
	ts := newTestServer(t, llm.NewScripted([]string{"Alice ", "walked in."}))

	resp := post(t, ts, "/api/v1/generate", testKey, `{"what_next":"she arrives"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	gen := decode(t, resp)
	if gen["outcome"] != "finished" || gen["text"] != "Alice walked in." || gen["clean"] != true {
		t.Errorf("generation = %v", gen)
	}

	story, err := http.Get(ts.URL + "/api/v1/story")
	if err != nil {
		t.Fatal(err)
	}
	defer story.Body.Close()
	if body := decode(t, story); body["text"] != "Alice walked in." {
		t.Errorf("story = %v", body)
	}
}

func TestGenerateRateLimited(t *testing.T) {
	ts := newTestServer(t, llm.NewScripted([]string{"Once."}), func(s *Server) { s.GeneratePerHour = 1 })

	if resp := post(t, ts, "/api/v1/generate", testKey, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d", resp.StatusCode)
	}
	resp := post(t, ts, "/api/v1/generate", testKey, "")
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Error("missing Retry-After")
	}
}

func TestStreamDeliversFragments(t *testing.T) {
	ts := newTestServer(t, llm.NewScripted([]string{"Hello", " world."}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/v1/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := bufio.NewScanner(resp.Body)
	if !lines.Scan() || !strings.HasPrefix(lines.Text(), ": connected") {
		t.Fatalf("first line = %q", lines.Text())
	}

	go func() {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/v1/generate", nil)
		req.Header.Set("Authorization", "Bearer "+testKey)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	var fragments []string
	for lines.Scan() {
		line := lines.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			t.Fatal(err)
		}
		if e.Type == "generation" {
			break
		}
		fragments = append(fragments, e.Text)
	}
	if got := strings.Join(fragments, ""); got != "Hello world." {
		t.Errorf("streamed %q", got)
	}
}

func TestDeleteAndUndo(t *testing.T) {
	ts := newTestServer(t, llm.NewScripted([]string{"One.\n\nTwo."}))
	post(t, ts, "/api/v1/generate", testKey, "")

	if resp := post(t, ts, "/api/v1/undo", testKey, ""); resp.StatusCode != http.StatusConflict {
		t.Errorf("undo before delete = %d", resp.StatusCode)
	}

	resp := post(t, ts, "/api/v1/delete", testKey, "")
	if body := decode(t, resp); body["removed"] != "Two." {
		t.Errorf("delete = %v", body)
	}
	status, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer status.Body.Close()
	if body := decode(t, status); body["can_undo"] != true || body["undo_expires_at"] == nil {
		t.Errorf("status after delete = %v", body)
	}

	resp = post(t, ts, "/api/v1/undo", testKey, "")
	if body := decode(t, resp); body["text"] != "One.\n\nTwo." {
		t.Errorf("undo = %v", body)
	}
}

func TestSetOption(t *testing.T) {
	ts := newTestServer(t, llm.NewScripted())

	resp := post(t, ts, "/api/v1/options", testKey, `{"name":"genre","value":"Noir"}`)
	if body := decode(t, resp); body["genre"] != "noir" {
		t.Errorf("set = %v", body)
	}
	if resp := post(t, ts, "/api/v1/options", testKey, `{"name":"colour","value":"red"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown option status = %d", resp.StatusCode)
	}
	if resp := post(t, ts, "/api/v1/options", testKey, `{"name":`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad JSON status = %d", resp.StatusCode)
	}
}

func TestBibleEndpoints(t *testing.T) {
	ts := newTestServer(t, llm.NewScripted())

	resp := post(t, ts, "/api/v1/bible", testKey, `{"section":"locations","content":"NAME: Harbor"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set section = %d", resp.StatusCode)
	}
	if resp := post(t, ts, "/api/v1/bible", testKey, `{"section":"weather"}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown section status = %d", resp.StatusCode)
	}

	get, err := http.Get(ts.URL + "/api/v1/bible")
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	var body struct {
		Sections []struct {
			Name    string `json:"name"`
			Content string `json:"content"`
		} `json:"sections"`
	}
	if err := json.NewDecoder(get.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Sections) != 6 || body.Sections[2].Name != "locations" || body.Sections[2].Content != "NAME: Harbor" {
		t.Errorf("sections = %+v", body.Sections)
	}
}

func TestSnapshotsWithoutStorage(t *testing.T) {
	ts := newTestServer(t, llm.NewScripted())
	resp, err := http.Get(ts.URL + "/api/v1/snapshots")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestWriteErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrBusy, http.StatusConflict},
		{fmt.Errorf("set: %w", engine.ErrBadOptionValue), http.StatusBadRequest},
		{fmt.Errorf("%w: locations", faults.ErrMergeRejected), http.StatusBadGateway},
		{context.Canceled, http.StatusRequestTimeout},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, tt.err)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestRateLimiterWindow(t *testing.T) {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(2, time.Hour)
	rl.now = func() time.Time { return now }

	if !rl.Allow("a") || !rl.Allow("a") || rl.Allow("a") {
		t.Fatal("expected two requests in the window")
	}
	if !rl.Allow("b") {
		t.Error("clients share a bucket")
	}
	if got := rl.RetryAfter("a"); got != 3601 {
		t.Errorf("RetryAfter = %d", got)
	}

	now = now.Add(time.Hour)
	if !rl.Allow("a") {
		t.Error("window did not reset")
	}

	now = now.Add(3 * time.Hour)
	rl.Allow("c")
	if _, ok := rl.buckets["b"]; ok {
		t.Error("stale bucket not cleaned up")
	}

	if unlimited := NewRateLimiter(0, time.Hour); !unlimited.Allow("a") || !unlimited.Allow("a") {
		t.Error("zero rate should not limit")
	}
}

func TestClientAddr(t *testing.T) {
	tests := []struct {
		remote, xff, want string
	}{
		{"10.0.0.7:51234", "", "10.0.0.7"},
		{"[::1]:8080", "", "::1"},
		{"10.0.0.7:51234", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"pipe", "", "pipe"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.RemoteAddr = tt.remote
		if tt.xff != "" {
			r.Header.Set("X-Forwarded-For", tt.xff)
		}
		if got := clientAddr(r); got != tt.want {
			t.Errorf("clientAddr(%q, %q) = %q, want %q", tt.remote, tt.xff, got, tt.want)
		}
	}
}
