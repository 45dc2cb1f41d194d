package bible

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/talgya/storyloom/internal/faults"
	"github.com/talgya/storyloom/internal/llm"
	"github.com/talgya/storyloom/internal/prompt"
)

// Updater folds new story events into one section per call.
type Updater struct {
	gen     llm.Generator
	prompts *prompt.Builder
}

// NewUpdater creates an updater generating with gen.
func NewUpdater(gen llm.Generator, prompts *prompt.Builder) *Updater {
	return &Updater{gen: gen, prompts: prompts}
}

// Result describes one section update.
type Result struct {
	Kind    Kind
	Skipped bool // nothing new to fold in; no call was made
	Changed bool // stored content differs from before
	Events  int  // paragraphs folded in
}

// Update merges the paragraphs written since k was last updated into k.
// With no new events nothing is called and the section is untouched. If the
// call fails or returns nothing usable the previous content and mark are
// kept and the error wraps faults.ErrMergeRejected. A response equal to the
// existing content (ignoring surrounding whitespace) keeps the stored bytes,
// and so does the empty-section placeholder when the section is empty.
func (u *Updater) Update(ctx context.Context, s *Store, k Kind, paragraphs []string, overview string) (Result, error) {
	res := Result{Kind: k}
	events := s.NewEvents(k, paragraphs)
	if strings.TrimSpace(events) == "" {
		res.Skipped = true
		return res, nil
	}

	existing := s.Get(k)
	req, err := u.prompts.BibleUpdate(prompt.BibleUpdate{
		Title:    k.Title(),
		Fields:   k.Fields(),
		Note:     k.Note(),
		Existing: existing,
		Events:   events,
		Overview: overview,
	})
	if err != nil {
		return res, err
	}

	out, err := llm.Complete(ctx, u.gen, req)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", faults.ErrMergeRejected, k, err)
	}
	merged, placeholder := cleanResponse(out, k)
	// Echoing the empty-section placeholder is the no-op answer for a section
	// that has nothing yet; for a filled section it would erase it.
	if merged == "" && !(placeholder && strings.TrimSpace(existing) == "") {
		return res, fmt.Errorf("%w: %s: %w", faults.ErrMergeRejected, k, llm.ErrEmptyResponse)
	}

	if merged != strings.TrimSpace(existing) {
		s.Set(k, merged)
		res.Changed = true
	}
	res.Events = len(paragraphs) - s.Mark(k)
	s.SetMark(k, len(paragraphs))

	slog.Debug("bible section updated",
		"section", k.String(),
		"changed", res.Changed,
		"events", res.Events,
	)
	return res, nil
}

// UpdateAll updates every section in order. Sections are independent: a
// rejected merge is reported and the rest still run. Cancellation stops
// the loop.
func (u *Updater) UpdateAll(ctx context.Context, s *Store, paragraphs []string, overview string) ([]Result, error) {
	var results []Result
	var errs []error
	for _, k := range Kinds {
		res, err := u.Update(ctx, s, k, paragraphs, overview)
		if err != nil {
			if ctx.Err() != nil {
				errs = append(errs, ctx.Err())
				break
			}
			slog.Warn("bible merge rejected", "section", k.String(), "error", err)
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// cleanResponse strips what models wrap around the section text despite
// instructions: code fences, the section heading and template echo lines.
// placeholder reports that the reply was only the empty-section marker.
func cleanResponse(out string, k Kind) (text string, placeholder bool) {
	out = strings.TrimSpace(out)
	if strings.HasPrefix(out, "```") {
		if i := strings.Index(out, "\n"); i >= 0 {
			out = out[i+1:]
		} else {
			out = ""
		}
		out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	title := strings.ToLower(k.Title())
	if len(lines) > 0 {
		head := strings.ToLower(strings.Trim(lines[0], "#*: \t"))
		if head == title {
			lines = lines[1:]
		}
	}
	kept := lines[:0]
	for _, l := range lines {
		if strings.Contains(l, "FULL STOP HERE") {
			continue
		}
		kept = append(kept, l)
	}
	out = strings.TrimSpace(strings.Join(kept, "\n"))
	if out == prompt.EmptySection || out == notSpecified {
		return "", true
	}
	return out, false
}
