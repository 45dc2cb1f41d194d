// Package api serves one story session over HTTP.
// GET endpoints are public (read-only observation).
// POST endpoints require a bearer token (author controls).
// Generated text is fanned out to /api/v1/stream subscribers as it arrives.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/talgya/storyloom/internal/bible"
	"github.com/talgya/storyloom/internal/engine"
	"github.com/talgya/storyloom/internal/faults"
	"github.com/talgya/storyloom/internal/ledger"
	"github.com/talgya/storyloom/internal/llm"
)

const (
	maxSSEConns    = 4
	subscriberBuf  = 64
	heartbeatEvery = 15 * time.Second
)

// Server serves a session over HTTP.
type Server struct {
	Session     *engine.Session
	Addr        string
	AdminKey    string   // Bearer token for POST endpoints. Empty = POST disabled.
	CORSOrigins []string // allowed in addition to localhost dev servers

	// GeneratePerHour limits story and ideas calls per client. Zero = unlimited.
	GeneratePerHour int

	// Active SSE connection count (atomic).
	sseConns int32

	subMu  sync.Mutex
	nextID int
	subs   map[int]chan Event
}

// Event is one message on the stream.
type Event struct {
	Type string `json:"type"` // fragment, generation
	Text string `json:"text,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Handler builds the routes and hooks the session's fragment callback to
// the stream.
func (s *Server) Handler() http.Handler {
	s.subMu.Lock()
	if s.subs == nil {
		s.subs = make(map[int]chan Event)
	}
	s.subMu.Unlock()
	s.Session.OnFragment = func(text string) {
		s.publish(Event{Type: "fragment", Text: text})
	}

	generateLimiter := NewRateLimiter(s.GeneratePerHour, time.Hour)

	mux := http.NewServeMux()

	// Public endpoints (GET, read-only).
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/story", s.handleStory)
	mux.HandleFunc("GET /api/v1/context", s.handleContext)
	mux.HandleFunc("GET /api/v1/bible", s.handleBible)
	mux.HandleFunc("GET /api/v1/options", s.handleOptions)
	mux.HandleFunc("GET /api/v1/snapshots", s.handleSnapshots)
	mux.HandleFunc("GET /api/v1/stream", s.handleStream)

	// Author endpoints (POST, require bearer token).
	mux.HandleFunc("POST /api/v1/generate", s.adminOnly(RateLimitMiddleware(generateLimiter, s.handleGenerate)))
	mux.HandleFunc("POST /api/v1/ideas", s.adminOnly(RateLimitMiddleware(generateLimiter, s.handleIdeas)))
	mux.HandleFunc("POST /api/v1/cancel", s.adminOnly(s.handleCancel))
	mux.HandleFunc("POST /api/v1/delete", s.adminOnly(s.handleDelete))
	mux.HandleFunc("POST /api/v1/undo", s.adminOnly(s.handleUndo))
	mux.HandleFunc("POST /api/v1/compact", s.adminOnly(s.handleCompact))
	mux.HandleFunc("POST /api/v1/bible", s.adminOnly(s.handleBibleUpdate))
	mux.HandleFunc("POST /api/v1/options", s.adminOnly(s.handleSetOption))
	mux.HandleFunc("POST /api/v1/snapshot", s.adminOnly(s.handleSnapshot))

	return s.corsMiddleware(mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", s.Addr, "admin_auth", s.AdminKey != "")

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.Session.Cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Localhost dev servers are always allowed.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	for _, origin := range s.CORSOrigins {
		allowedOrigins[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.AdminKey == "" {
			http.Error(w, "author endpoints disabled (no STORYLOOM_ADMIN_KEY set)", http.StatusForbidden)
			return
		}
		if !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	b := s.Session.Budget()
	status := map[string]any{
		"name":           "storyloom",
		"state":          s.Session.State().String(),
		"generations":    s.Session.GenerateCount(),
		"paragraphs":     b.Paragraphs,
		"summarized":     b.Summarized,
		"summaries":      b.Summaries,
		"document_chars": b.DocumentChars,
		"context_chars":  b.ContextChars,
		"context_tokens": b.ContextTokens,
		"context_size":   humanize.Bytes(uint64(b.ContextChars)),
		"can_undo":       s.Session.CanUndo(),
	}
	if deadline, ok := s.Session.UndoDeadline(); ok {
		status["undo_expires_at"] = deadline.UTC().Format(time.RFC3339)
	}
	writeJSON(w, status)
}

func (s *Server) handleStory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"text":       s.Session.Text(),
		"paragraphs": s.Session.Paragraphs(),
	})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	type span struct {
		Kind    string `json:"kind"`
		Start   int    `json:"start"`
		End     int    `json:"end"`
		Ordinal int    `json:"ordinal,omitempty"`
	}
	var spans []span
	for _, sp := range s.Session.Summaries() {
		spans = append(spans, span{Kind: sp.Kind.String(), Start: sp.Start, End: sp.End, Ordinal: sp.Ordinal})
	}
	writeJSON(w, map[string]any{
		"context":   s.Session.Context(),
		"summaries": spans,
		"budget":    s.Session.Budget(),
	})
}

func (s *Server) handleBible(w http.ResponseWriter, r *http.Request) {
	st := s.Session.Bible()
	sections := make([]map[string]any, 0, len(bible.Kinds))
	for _, k := range bible.Kinds {
		sections = append(sections, map[string]any{
			"name":    k.String(),
			"title":   k.Title(),
			"content": st.Sections[k.String()],
			"mark":    st.Marks[k.String()],
		})
	}
	writeJSON(w, map[string]any{
		"tracking":   st.Tracking,
		"sections":   sections,
		"scratchpad": st.Scratchpad,
	})
}

func (s *Server) handleOptions(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]string)
	for _, name := range engine.OptionNames() {
		v, err := s.Session.Option(name)
		if err != nil {
			continue
		}
		out[name] = v
	}
	writeJSON(w, out)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.Session.Snapshots()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, snaps)
}

type generateRequest struct {
	WhatNext   string `json:"what_next"`
	StartWith  string `json:"start_with"`
	Regenerate bool   `json:"regenerate"`
}

// handleGenerate runs one generation to completion. Fragments reach stream
// subscribers while it runs; the response carries the outcome. A client
// disconnect cancels the call.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body generateRequest
	if !readJSON(w, r, &body) {
		return
	}
	req := engine.Request{WhatNext: body.WhatNext, StartWith: body.StartWith}

	var (
		g   engine.Generation
		err error
	)
	if body.Regenerate {
		g, err = s.Session.Regenerate(r.Context(), req)
	} else {
		g, err = s.Session.Generate(r.Context(), req)
	}
	if errors.Is(err, engine.ErrBusy) {
		writeError(w, err)
		return
	}

	result := map[string]any{
		"id":      g.ID,
		"outcome": g.Outcome.String(),
		"text":    g.Text,
		"clean":   g.Clean,
	}
	if err != nil {
		result["error"] = err.Error()
	}
	s.publish(Event{Type: "generation", Data: result})
	writeJSON(w, result)
}

type ideasRequest struct {
	Regen string `json:"regen"`
}

func (s *Server) handleIdeas(w http.ResponseWriter, r *http.Request) {
	var body ideasRequest
	if !readJSON(w, r, &body) {
		return
	}
	ideas, err := s.Session.SuggestNext(r.Context(), body.Regen)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"ideas": ideas})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"cancelled": s.Session.Cancel()})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	removed, err := s.Session.DeleteLastParagraph()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"removed": removed})
}

func (s *Server) handleUndo(w http.ResponseWriter, r *http.Request) {
	if !s.Session.CanUndo() {
		http.Error(w, "nothing to undo", http.StatusConflict)
		return
	}
	if err := s.Session.UndoDelete(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"text": s.Session.Text()})
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	res, err := s.Session.Compact(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

type bibleRequest struct {
	Section    string  `json:"section"`              // empty updates every section
	Content    *string `json:"content,omitempty"`    // set by hand instead of updating
	Scratchpad *string `json:"scratchpad,omitempty"` // replaces the author's notes
}

func (s *Server) handleBibleUpdate(w http.ResponseWriter, r *http.Request) {
	var body bibleRequest
	if !readJSON(w, r, &body) {
		return
	}

	if body.Scratchpad != nil {
		if err := s.Session.SetScratchpad(*body.Scratchpad); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"message": "scratchpad saved"})
		return
	}

	if body.Section == "" {
		results, err := s.Session.UpdateBibleAll(r.Context())
		out := map[string]any{"results": bibleResults(results)}
		if err != nil {
			out["error"] = err.Error()
		}
		writeJSON(w, out)
		return
	}

	k, err := bible.ParseKind(body.Section)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if body.Content != nil {
		if err := s.Session.SetBibleSection(k, *body.Content); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"section": k.String(), "message": "section saved"})
		return
	}
	res, err := s.Session.UpdateBible(r.Context(), k)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, bibleResults([]bible.Result{res})[0])
}

func bibleResults(results []bible.Result) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]any{
			"section": r.Kind.String(),
			"skipped": r.Skipped,
			"changed": r.Changed,
			"events":  r.Events,
		})
	}
	return out
}

type optionRequest struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (s *Server) handleSetOption(w http.ResponseWriter, r *http.Request) {
	var body optionRequest
	if !readJSON(w, r, &body) {
		return
	}
	if err := s.Session.SetOption(body.Name, body.Value); err != nil {
		writeError(w, err)
		return
	}
	v, _ := s.Session.Option(body.Name)
	writeJSON(w, map[string]any{body.Name: v})
}

type snapshotRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	var body snapshotRequest
	if !readJSON(w, r, &body) {
		return
	}
	snap, err := s.Session.Snapshot(body.Label)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, snap)
}

// handleStream sends fragments and generation results as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	// Connection limit.
	current := atomic.AddInt32(&s.sseConns, 1)
	if current > maxSSEConns {
		atomic.AddInt32(&s.sseConns, -1)
		http.Error(w, "too many SSE connections", http.StatusServiceUnavailable)
		return
	}
	defer atomic.AddInt32(&s.sseConns, -1)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID, ch := s.subscribe()
	defer s.unsubscribe(subID)

	fmt.Fprintf(w, ": connected state=%s\n\n", s.Session.State())
	flusher.Flush()
	slog.Info("SSE client connected", "sub_id", subID)

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, e)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			slog.Info("SSE client disconnected", "sub_id", subID)
			return
		}
	}
}

func (s *Server) subscribe() (int, <-chan Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]chan Event)
	}
	s.nextID++
	ch := make(chan Event, subscriberBuf)
	s.subs[s.nextID] = ch
	return s.nextID, ch
}

func (s *Server) unsubscribe(id int) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

// publish never blocks: a subscriber that falls behind misses events.
func (s *Server) publish(e Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subs {
		select {
		case ch <- e:
		default:
			slog.Debug("SSE subscriber lagging, event dropped", "sub_id", id, "type", e.Type)
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		http.Error(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// writeError maps session errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrUnknownOption), errors.Is(err, engine.ErrBadOptionValue):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrNoStorage):
		status = http.StatusServiceUnavailable
	case errors.Is(err, faults.ErrMergeRejected), errors.Is(err, faults.ErrStreamFailure),
		errors.Is(err, ledger.ErrNoSummaries), errors.Is(err, llm.ErrEmptyResponse):
		status = http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		status = http.StatusRequestTimeout
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
