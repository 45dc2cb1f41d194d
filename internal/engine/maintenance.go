package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/talgya/storyloom/internal/bible"
	"github.com/talgya/storyloom/internal/faults"
	"github.com/talgya/storyloom/internal/ledger"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/prompt"
)

// CompactResult describes one compaction.
type CompactResult struct {
	Planned  int // groups selected
	Recorded int // summaries stored
	Budget   ledger.Budget
}

// Compact summarizes the oldest full paragraphs once the full text crosses
// the threshold. Running it again without new paragraphs does nothing.
func (s *Session) Compact(ctx context.Context) (res CompactResult, err error) {
	ctx, release, err := s.acquire(ctx, Maintaining)
	if err != nil {
		return CompactResult{}, err
	}
	defer release()
	defer s.recoverPanic(&err)
	return s.compact(ctx)
}

// compact does the work of Compact for a session already acquired. Groups
// are summarized one call each, oldest first, each call seeing the
// summaries before it. The first failure ends the round; whatever was
// summarized before it is kept.
func (s *Session) compact(ctx context.Context) (CompactResult, error) {
	s.mu.Lock()
	paragraphs := s.doc.Paragraphs()
	if n := s.ledger.Reconcile(paragraphs); n > 0 {
		s.persistSummaries()
	}
	sel, ok := s.ledger.Plan(paragraphs)
	previous := s.ledger.Parts(paragraphs)[:len(s.ledger.Summaries())]
	next := s.ledger.NextOrdinal()
	overview := s.opts.Overview
	s.mu.Unlock()

	res := CompactResult{Planned: len(sel.Groups)}
	if !ok {
		res.Budget = s.Budget()
		return res, nil
	}

	collected := make(map[string]string, len(sel.Groups))
	var callErr error
	for i, g := range sel.Groups {
		req, err := s.prompts.Summary(prompt.Summary{
			Overview: overview,
			Previous: previous,
			Label:    g.Label,
			Text:     g.Text,
		})
		if err != nil {
			return res, err
		}
		out, err := llm.Complete(ctx, s.gen, req)
		if err != nil {
			callErr = fmt.Errorf("%w: summary %s: %w", faults.ErrStreamFailure, g.Label, err)
			break
		}
		summary := ledger.ParseSummaries(out)[g.Label]
		if summary == "" {
			callErr = fmt.Errorf("summary %s: %w", g.Label, ledger.ErrNoSummaries)
			break
		}
		collected[g.Label] = summary
		previous = append(previous, fmt.Sprintf("SUMMARY^%d: %s", next+i, summary))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.ledger.Record(s.doc.Paragraphs(), sel, collected)
	if err != nil {
		if callErr != nil {
			err = errors.Join(callErr, err)
		}
		return res, s.policy.Handle(err)
	}
	res.Recorded = n
	s.persistSummaries()
	res.Budget = s.ledger.Budget(s.doc.Paragraphs())

	slog.Info("story compacted",
		"summaries", n,
		"planned", len(sel.Groups),
		"context_chars", res.Budget.ContextChars,
		"document_chars", res.Budget.DocumentChars,
	)
	if callErr != nil {
		slog.Warn("compaction stopped early", "error", callErr)
	}
	return res, nil
}

// UpdateBible folds new events into one section. A rejected merge keeps
// the previous content and returns an error wrapping faults.ErrMergeRejected.
func (s *Session) UpdateBible(ctx context.Context, k bible.Kind) (res bible.Result, err error) {
	ctx, release, err := s.acquire(ctx, Maintaining)
	if err != nil {
		return bible.Result{}, err
	}
	defer release()
	defer s.recoverPanic(&err)

	work, paragraphs, overview := s.bibleWork()
	res, err = s.updater.Update(ctx, work, k, paragraphs, overview)
	if err != nil {
		slog.Warn("bible merge rejected", "section", k.String(), "error", err)
		return res, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.bible.Set(k, work.Get(k))
	s.bible.SetMark(k, work.Mark(k))
	if s.db != nil {
		if err := s.db.SaveBibleSection(s.bible, k); err != nil {
			slog.Error("persist failed", "what", k.Key(), "error", err)
		}
	}
	return res, nil
}

// UpdateBibleAll updates every section. Sections are independent: rejected
// ones are reported in the joined error and the rest are still applied.
func (s *Session) UpdateBibleAll(ctx context.Context) (res []bible.Result, err error) {
	ctx, release, err := s.acquire(ctx, Maintaining)
	if err != nil {
		return nil, err
	}
	defer release()
	defer s.recoverPanic(&err)
	return s.updateBibleAll(ctx)
}

func (s *Session) updateBibleAll(ctx context.Context) ([]bible.Result, error) {
	work, paragraphs, overview := s.bibleWork()
	results, err := s.updater.UpdateAll(ctx, work, paragraphs, overview)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range results {
		s.bible.Set(r.Kind, work.Get(r.Kind))
		s.bible.SetMark(r.Kind, work.Mark(r.Kind))
	}
	if len(results) > 0 {
		s.persistBible()
	}
	return results, err
}

// bibleWork copies the bible so a merge can run without holding the lock.
func (s *Session) bibleWork() (*bible.Store, []string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := bible.NewStore()
	work.Restore(s.bible.State())
	return work, s.doc.Paragraphs(), s.opts.Overview
}

// Bible returns a copy of the bible.
func (s *Session) Bible() bible.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bible.State()
}

// BibleText renders every section for display.
func (s *Session) BibleText() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bible.Render()
}

// SetBibleSection replaces a section by hand. The update mark is left alone.
func (s *Session) SetBibleSection(k bible.Kind, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrBusy
	}
	s.bible.Set(k, strings.TrimSpace(content))
	if s.db != nil {
		if err := s.db.SaveBibleSection(s.bible, k); err != nil {
			return fmt.Errorf("save %s: %w", k, err)
		}
	}
	return nil
}

// SetScratchpad replaces the author's notes. They are never sent to the
// model and never updated automatically.
func (s *Session) SetScratchpad(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrBusy
	}
	s.bible.Scratchpad = text
	s.persistBible()
	return nil
}

// SuggestNext asks for three one-sentence ideas for what could happen next.
// regen, when set, steers the ideas.
func (s *Session) SuggestNext(ctx context.Context, regen string) (ideas []string, err error) {
	ctx, release, err := s.acquire(ctx, Maintaining)
	if err != nil {
		return nil, err
	}
	defer release()
	defer s.recoverPanic(&err)

	s.mu.Lock()
	parts := s.ledger.Parts(s.doc.Paragraphs())
	s.mu.Unlock()

	req, err := s.prompts.Ideas(prompt.Ideas{Parts: parts, Regen: regen})
	if err != nil {
		return nil, err
	}
	out, err := llm.Complete(ctx, s.gen, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", faults.ErrStreamFailure, err)
	}
	ideas = prompt.ParseIdeas(out)
	if len(ideas) == 0 {
		return nil, llm.ErrEmptyResponse
	}
	return ideas, nil
}
