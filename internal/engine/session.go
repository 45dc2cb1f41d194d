package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/talgya/storyloom/internal/bible"
	"github.com/talgya/storyloom/internal/catalog"
	"github.com/talgya/storyloom/internal/entropy"
	"github.com/talgya/storyloom/internal/faults"
	"github.com/talgya/storyloom/internal/ledger"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/persistence"
	"github.com/talgya/storyloom/internal/prompt"
	"github.com/talgya/storyloom/internal/speech"
	"github.com/talgya/storyloom/internal/story"
)

// Config wires a session to its collaborators.
type Config struct {
	Generator llm.Generator
	Catalog   *catalog.Catalog // nil uses the built-in catalog
	DB        *persistence.DB  // nil keeps everything in memory
	Reader    *speech.Reader   // nil disables read-aloud
	Random    entropy.Source   // nil uses crypto/rand

	Ledger     ledger.Options
	UndoWindow time.Duration
	MaxTokens  int
	Strict     bool // panic on invariant violations instead of logging them

	CompactEvery int
	BibleEvery   int
}

// Session owns the story and runs at most one generation or maintenance
// call at a time. All methods are safe for concurrent use; Cancel is meant
// to be called from another goroutine.
type Session struct {
	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	calls  uint64 // acquisitions so far; identifies the current call

	doc    *story.Document
	asm    *story.Assembler
	ledger *ledger.Ledger
	bible  *bible.Store
	opts   Options
	count  int // finished generations, persisted as generate_count

	// Ledger and bible marks from before the last delete, restored by undo.
	undoSummaries []ledger.Span
	undoMarks     bible.State

	gen     llm.Generator
	prompts *prompt.Builder
	catalog *catalog.Catalog
	updater *bible.Updater
	db      *persistence.DB
	reader  *speech.Reader
	cadence Cadence
	policy  faults.Policy

	// OnFragment, when set, receives the text appended by each fragment.
	OnFragment func(text string)
}

// New creates an idle session with an empty story. Call Load to restore
// persisted state.
func New(cfg Config) *Session {
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.Ledger == (ledger.Options{}) {
		cfg.Ledger = ledger.DefaultOptions()
	}
	prompts := prompt.NewBuilder(cfg.Random)
	prompts.MaxTokens = cfg.MaxTokens

	doc := story.NewDocument("")
	if cfg.UndoWindow > 0 {
		doc.SetUndoWindow(cfg.UndoWindow)
	}

	s := &Session{
		doc:     doc,
		asm:     story.NewAssembler(doc),
		ledger:  ledger.New(cfg.Ledger),
		bible:   bible.NewStore(),
		opts:    DefaultOptions(),
		gen:     cfg.Generator,
		prompts: prompts,
		catalog: cfg.Catalog,
		updater: bible.NewUpdater(cfg.Generator, prompts),
		db:      cfg.DB,
		reader:  cfg.Reader,
		policy:  faults.Policy{Strict: cfg.Strict},
	}
	s.cadence = Cadence{
		CompactEvery: cfg.CompactEvery,
		BibleEvery:   cfg.BibleEvery,
		OnCompact: func(ctx context.Context, _ int) {
			if _, err := s.compact(ctx); err != nil {
				slog.Warn("scheduled compaction failed", "error", err)
			}
		},
		OnBible: func(ctx context.Context, _ int) {
			s.mu.Lock()
			tracking := s.bible.Tracking
			s.mu.Unlock()
			if !tracking {
				return
			}
			if _, err := s.updateBibleAll(ctx); err != nil {
				slog.Warn("scheduled bible update incomplete", "error", err)
			}
		},
	}
	return s
}

// SetClock replaces the clock used for the undo window.
func (s *Session) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.SetClock(now)
}

// Load restores the persisted story. Missing values keep their defaults.
func (s *Session) Load() error {
	if s.db == nil {
		return nil
	}
	meta, err := s.db.AllMeta()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	spans, err := s.db.LoadSummaries()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrBusy
	}

	s.doc.Reset(meta[persistence.KeyDocument])
	if err := s.db.LoadBible(s.bible); err != nil {
		return err
	}
	s.applyOptionValues(meta)
	s.count, _ = strconv.Atoi(meta[persistence.KeyGenerateCount])

	if dropped, err := s.ledger.Restore(spans, s.doc.Paragraphs()); err != nil {
		slog.Warn("discarding stored summaries", "error", err)
		s.ledger.Reset()
		s.persistSummaries()
	} else if dropped > 0 {
		slog.Info("stored summaries out of date", "dropped", dropped)
		s.persistSummaries()
	}

	slog.Info("story loaded",
		"document", humanize.Bytes(uint64(s.doc.Len())),
		"paragraphs", len(s.doc.Paragraphs()),
		"summaries", len(s.ledger.Summaries()),
		"generations", s.count,
	)
	return nil
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text returns the canonical document.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Text()
}

// Paragraphs returns the document split into paragraphs.
func (s *Session) Paragraphs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Paragraphs()
}

// GenerateCount returns how many generations have finished.
func (s *Session) GenerateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Context returns the bounded story so far as the next prompt will see it.
func (s *Session) Context() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Compose(s.doc.Paragraphs())
}

// Budget reports the composed context size against the document.
func (s *Session) Budget() ledger.Budget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Budget(s.doc.Paragraphs())
}

// Summaries returns the recorded summaries, oldest first.
func (s *Session) Summaries() []ledger.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Summaries()
}

// Cancel stops the in-flight call, if any. Text already applied stays.
func (s *Session) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

// acquire moves an idle session into st and returns the call's context and
// the release func that returns the session to idle. A release belonging to
// an earlier call only cancels its own context.
func (s *Session) acquire(ctx context.Context, st State) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return nil, nil, ErrBusy
	}
	ctx, cancel := context.WithCancel(ctx)
	s.calls++
	call := s.calls
	s.state, s.cancel = st, cancel
	return ctx, func() { s.release(call, cancel) }, nil
}

func (s *Session) release(call uint64, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls != call {
		return
	}
	s.state, s.cancel = Idle, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// recoverPanic turns a panic during a session call into an invariant error
// in production mode. Strict mode re-panics after cleanup. It must be
// deferred after the call's release so the session still returns to idle.
func (s *Session) recoverPanic(errp *error) {
	r := recover()
	if r == nil {
		return
	}
	s.mu.Lock()
	if s.asm.Active() {
		s.asm.Abort()
		s.persistDocument()
	}
	s.mu.Unlock()
	if s.policy.Strict {
		panic(r)
	}
	slog.Error("session call panicked", "panic", r)
	*errp = faults.Invariant("panic: %v", r)
}

// Request describes one story generation.
type Request struct {
	WhatNext  string // overrides the stored directive for this call only
	StartWith string // opening the author wants the new text to begin with
}

// Generation is the outcome of one story call.
type Generation struct {
	ID      string
	Outcome State // Finished, Cancelled or Errored
	Text    string
	Clean   bool
	Err     error
}

// Generate writes the next part of the story. The document is updated and
// persisted fragment by fragment; on cancel or failure the applied text is
// kept. A Generation is returned in every case the call was started; its
// Err mirrors the returned error.
func (s *Session) Generate(ctx context.Context, req Request) (g Generation, err error) {
	ctx, release, err := s.acquire(ctx, Requesting)
	if err != nil {
		return Generation{}, err
	}
	defer release()
	defer s.recoverPanic(&err)
	return s.generate(ctx, req)
}

// Regenerate deletes the last paragraph and writes a replacement. The
// delete can be undone like any other.
func (s *Session) Regenerate(ctx context.Context, req Request) (g Generation, err error) {
	ctx, release, err := s.acquire(ctx, Requesting)
	if err != nil {
		return Generation{}, err
	}
	defer release()
	defer s.recoverPanic(&err)

	s.mu.Lock()
	removed := s.deleteLastLocked()
	s.mu.Unlock()
	slog.Debug("regenerating", "removed", humanize.Bytes(uint64(len(removed))))
	return s.generate(ctx, req)
}

func (s *Session) generate(ctx context.Context, req Request) (Generation, error) {
	llmReq, err := s.begin(req)
	if err != nil {
		return Generation{}, err
	}
	g := Generation{ID: uuid.NewString()}
	started := time.Now()

	streamErr := s.gen.Stream(ctx, llmReq, llm.Callbacks{
		OnStart: func() { s.setState(Streaming) },
		OnChunk: s.applyChunk,
	})

	count, readAloud := s.finish(ctx, &g, streamErr)
	s.recordGeneration(g, started)
	slog.Info("generation ended",
		"id", g.ID,
		"outcome", g.Outcome.String(),
		"text", humanize.Bytes(uint64(len(g.Text))),
		"elapsed", time.Since(started).Round(time.Millisecond),
	)

	if g.Outcome == Finished {
		if readAloud {
			s.reader.Say(g.Text)
		}
		s.setState(Maintaining)
		s.cadence.step(ctx, count)
	}
	return g, g.Err
}

// begin builds the prompt and opens the pending generation.
func (s *Session) begin(req Request) (llm.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	llmReq, err := s.storyRequestLocked(req)
	if err != nil {
		return llm.Request{}, err
	}
	s.doc.MarkGenerationStart()
	s.asm.Begin()
	if req.StartWith != "" {
		s.asm.Seed(req.StartWith)
		s.persistDocument()
	}
	return llmReq, nil
}

func (s *Session) applyChunk(c llm.Chunk) {
	s.mu.Lock()
	defer s.mu.Unlock()
	applied := s.asm.Write(c.Text, c.FromStartWith)
	if applied == "" {
		return
	}
	s.persistDocument()
	if s.OnFragment != nil {
		s.OnFragment(applied)
	}
}

// finish closes the pending generation according to how the stream ended.
func (s *Session) finish(ctx context.Context, g *Generation, streamErr error) (count int, readAloud bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case streamErr == nil:
		s.asm.Finish()
		g.Outcome, g.Clean = Finished, true
		s.count++
		s.persistMeta(persistence.KeyGenerateCount, strconv.Itoa(s.count))
	case ctx.Err() != nil || errors.Is(streamErr, context.Canceled):
		s.asm.Abort()
		g.Outcome, g.Err = Cancelled, streamErr
	default:
		s.asm.Abort()
		g.Outcome = Errored
		g.Err = fmt.Errorf("%w: %w", faults.ErrStreamFailure, streamErr)
	}
	s.state = g.Outcome
	g.Text = s.doc.GeneratedSince()
	if n := s.ledger.Reconcile(s.doc.Paragraphs()); n > 0 {
		s.persistSummaries()
	}
	s.persistDocument()
	return s.count, s.opts.ReadAloud
}

// storyRequestLocked builds the story prompt from the current state.
func (s *Session) storyRequestLocked(req Request) (llm.Request, error) {
	paragraphs := s.doc.Paragraphs()
	if n := s.ledger.Reconcile(paragraphs); n > 0 {
		s.persistSummaries()
	}
	what := req.WhatNext
	if what == "" {
		what = s.opts.WhatNext
	}
	return s.prompts.Story(prompt.Story{
		Overview:     s.opts.Overview,
		Document:     s.doc.Text(),
		StorySoFar:   s.ledger.Compose(paragraphs),
		Bible:        s.bible.PromptText(),
		WhatNext:     what,
		StartWith:    req.StartWith,
		Perspective:  s.catalog.Perspective(s.opts.Perspective),
		Genre:        s.catalog.Genre(s.opts.Genre),
		Style:        s.catalog.Style(s.opts.Style),
		OneParagraph: s.opts.OneParagraph,
	})
}

func (s *Session) recordGeneration(g Generation, started time.Time) {
	if s.db == nil {
		return
	}
	err := s.db.SaveGeneration(persistence.Generation{
		ID:        g.ID,
		StartedAt: started,
		Outcome:   g.Outcome.String(),
		Chars:     len(g.Text),
		Clean:     g.Clean,
	})
	if err != nil {
		slog.Error("failed to record generation", "error", err)
	}
}

// DeleteLastParagraph removes the final paragraph and returns it. It can be
// undone within the undo window.
func (s *Session) DeleteLastParagraph() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return "", ErrBusy
	}
	return s.deleteLastLocked(), nil
}

func (s *Session) deleteLastLocked() string {
	s.undoSummaries = s.ledger.Summaries()
	s.undoMarks = s.bible.State()

	removed := s.doc.DeleteLastParagraph()
	paragraphs := s.doc.Paragraphs()
	s.bible.Clamp(len(paragraphs))
	if n := s.ledger.Reconcile(paragraphs); n > 0 {
		s.persistSummaries()
	}
	s.persistDocument()
	s.persistBible()
	return removed
}

// CanUndo reports whether the last delete is still restorable.
func (s *Session) CanUndo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.CanUndo()
}

// UndoDeadline returns when the last delete stops being restorable.
func (s *Session) UndoDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.UndoDeadline()
}

// UndoDelete restores the document, summaries and bible marks from before
// the last delete. With nothing to undo this is an invariant violation,
// handled by the session's policy.
func (s *Session) UndoDelete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrBusy
	}
	if err := s.doc.UndoLastDelete(); err != nil {
		return s.policy.Handle(err)
	}

	paragraphs := s.doc.Paragraphs()
	if _, err := s.ledger.Restore(s.undoSummaries, paragraphs); err != nil {
		slog.Warn("could not restore summaries after undo", "error", err)
	}
	for name, m := range s.undoMarks.Marks {
		if k, err := bible.ParseKind(name); err == nil && s.bible.Mark(k) < m {
			s.bible.SetMark(k, m)
		}
	}
	s.undoSummaries, s.undoMarks = nil, bible.State{}

	s.persistDocument()
	s.persistSummaries()
	s.persistBible()
	return nil
}

// Clear empties the story: document, summaries and bible marks. Bible
// content, the scratchpad and options survive. The previous state is kept
// as a snapshot when persistence is available.
func (s *Session) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrBusy
	}
	s.autoSnapshotLocked()
	s.doc.Reset("")
	s.ledger.Reset()
	s.bible.ResetMarks()
	s.undoSummaries, s.undoMarks = nil, bible.State{}
	s.persistDocument()
	s.persistSummaries()
	s.persistBible()
	slog.Info("story cleared")
	return nil
}

// persistence helpers; callers hold s.mu. Failures are logged, never
// returned: the in-memory story stays authoritative.

func (s *Session) persistDocument() {
	if s.db == nil {
		return
	}
	if err := s.db.SaveDocument(s.doc.Text()); err != nil {
		slog.Error("persist failed", "what", "document", "error", err)
	}
}

func (s *Session) persistSummaries() {
	if s.db == nil {
		return
	}
	if err := s.db.SaveSummaries(s.ledger.Summaries()); err != nil {
		slog.Error("persist failed", "what", "summaries", "error", err)
	}
}

func (s *Session) persistBible() {
	if s.db == nil {
		return
	}
	if err := s.db.SaveBible(s.bible); err != nil {
		slog.Error("persist failed", "what", "bible", "error", err)
	}
}

func (s *Session) persistMeta(key, value string) {
	if s.db == nil {
		return
	}
	if err := s.db.SaveMeta(key, value); err != nil {
		slog.Error("persist failed", "what", key, "error", err)
	}
}
