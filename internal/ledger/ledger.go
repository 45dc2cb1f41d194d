// Package ledger tracks which leading paragraphs of the story have been
// replaced by summaries, plans the next compaction and renders the bounded
// "story so far" sent to generation.
//
// The ledger only stores summarized spans. They always cover a prefix of the
// document, [0, Covered()), split on paragraph boundaries; every paragraph
// after that prefix is implicitly a full span. The ledger is a cache: it can
// be dropped and rebuilt from the document with more summarization calls.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/talgya/storyloom/internal/faults"
)

// Kind tags a span as verbatim or condensed text.
type Kind int

const (
	Full Kind = iota
	Summarized
)

func (k Kind) String() string {
	if k == Summarized {
		return "summarized"
	}
	return "full"
}

// Span is a contiguous run of paragraphs [Start, End).
type Span struct {
	Kind    Kind   `json:"kind"`
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Ordinal int    `json:"ordinal,omitempty"`
	Text    string `json:"text"`
	Source  string `json:"source,omitempty"` // hash of the summarized paragraphs
}

// Options bound the composed context. All sizes are in characters (bytes).
type Options struct {
	Threshold  int // full text size that triggers a compaction
	KeepTail   int // recent text always kept verbatim
	GroupChars int // target source size for one summary
}

// MaxGroups is the number of summaries requested in one call (labels A to Z).
const MaxGroups = 26

// ErrNoSummaries is returned when a summarization response had nothing usable.
var ErrNoSummaries = errors.New("response contained no usable summaries")

// DefaultOptions returns the sizes used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Threshold:  12000,
		KeepTail:   4000,
		GroupChars: 1500,
	}
}

// Ledger holds the summarized prefix of one story.
type Ledger struct {
	opts      Options
	summaries []Span
}

// New creates an empty ledger.
func New(opts Options) *Ledger {
	if opts.GroupChars <= 0 {
		opts.GroupChars = DefaultOptions().GroupChars
	}
	return &Ledger{opts: opts}
}

// Options returns the ledger's size settings.
func (l *Ledger) Options() Options {
	return l.opts
}

// Summaries returns a copy of the summarized spans, oldest first.
func (l *Ledger) Summaries() []Span {
	out := make([]Span, len(l.summaries))
	copy(out, l.summaries)
	return out
}

// Covered returns the number of leading paragraphs replaced by summaries.
func (l *Ledger) Covered() int {
	if len(l.summaries) == 0 {
		return 0
	}
	return l.summaries[len(l.summaries)-1].End
}

// NextOrdinal returns the ordinal the next summary will carry.
func (l *Ledger) NextOrdinal() int {
	if len(l.summaries) == 0 {
		return 1
	}
	return l.summaries[len(l.summaries)-1].Ordinal + 1
}

// Reset forgets every summary.
func (l *Ledger) Reset() {
	l.summaries = nil
}

// Spans returns the full partition of paragraphs: the summaries followed by
// one full span holding everything after them.
func (l *Ledger) Spans(paragraphs []string) []Span {
	spans := l.Summaries()
	covered := l.Covered()
	if covered < len(paragraphs) {
		spans = append(spans, Span{
			Kind:  Full,
			Start: covered,
			End:   len(paragraphs),
			Text:  strings.Join(paragraphs[covered:], "\n\n"),
		})
	}
	return spans
}

// FullChars returns the size of the verbatim part of the context.
func (l *Ledger) FullChars(paragraphs []string) int {
	covered := l.Covered()
	if covered >= len(paragraphs) {
		return 0
	}
	return joinedLen(paragraphs[covered:])
}

// Group is one labelled slice of the selection, summarized on its own.
type Group struct {
	Label string
	Start int
	End   int
	Text  string
}

// Selection is the run of full paragraphs chosen for the next compaction.
type Selection struct {
	Start  int
	End    int
	Groups []Group
}

// Plan picks the oldest full paragraphs to summarize. It returns false when
// the full text is within the threshold or everything left is recent tail.
// The kept tail is the shortest paragraph suffix of at least KeepTail
// characters, so planning again right after recording selects nothing.
func (l *Ledger) Plan(paragraphs []string) (Selection, bool) {
	covered := l.Covered()
	if covered >= len(paragraphs) || joinedLen(paragraphs[covered:]) <= l.opts.Threshold {
		return Selection{}, false
	}

	cut, tail := len(paragraphs), 0
	for cut > covered && tail < l.opts.KeepTail {
		cut--
		tail += len(paragraphs[cut]) + 2
	}
	if cut <= covered {
		return Selection{}, false
	}

	sel := Selection{Start: covered, End: covered}
	start, size := covered, 0
	for i := covered; i < cut && len(sel.Groups) < MaxGroups; i++ {
		size += len(paragraphs[i])
		if size < l.opts.GroupChars && i < cut-1 {
			continue
		}
		sel.Groups = append(sel.Groups, Group{
			Label: label(len(sel.Groups)),
			Start: start,
			End:   i + 1,
			Text:  strings.Join(paragraphs[start:i+1], "\n\n"),
		})
		sel.End = i + 1
		start, size = i+1, 0
	}
	return sel, len(sel.Groups) > 0
}

// Record stores the summaries returned for sel, keyed by group label. Groups
// are recorded in order until the first one without a summary, each with the
// next ordinal. It returns how many were recorded.
func (l *Ledger) Record(paragraphs []string, sel Selection, summaries map[string]string) (int, error) {
	if sel.Start != l.Covered() {
		return 0, faults.Invariant("selection starts at paragraph %d but ledger covers %d", sel.Start, l.Covered())
	}
	next := sel.Start
	for _, g := range sel.Groups {
		if g.Start != next || g.End <= g.Start || g.End > len(paragraphs) {
			return 0, faults.Invariant("group %s spans [%d,%d), expected start %d within %d paragraphs",
				g.Label, g.Start, g.End, next, len(paragraphs))
		}
		next = g.End
	}

	recorded := 0
	for _, g := range sel.Groups {
		text := strings.TrimSpace(summaries[g.Label])
		if text == "" {
			break
		}
		l.summaries = append(l.summaries, Span{
			Kind:    Summarized,
			Start:   g.Start,
			End:     g.End,
			Ordinal: l.NextOrdinal(),
			Text:    text,
			Source:  sourceHash(paragraphs[g.Start:g.End]),
		})
		recorded++
	}
	if recorded == 0 {
		return 0, ErrNoSummaries
	}
	return recorded, nil
}

// Reconcile drops summaries whose source paragraphs changed or no longer
// exist, together with every later summary. It returns the number dropped.
// Dropped ranges fall back to full text until the next compaction.
func (l *Ledger) Reconcile(paragraphs []string) int {
	for i, s := range l.summaries {
		if s.End > len(paragraphs) || sourceHash(paragraphs[s.Start:s.End]) != s.Source {
			dropped := len(l.summaries) - i
			l.summaries = l.summaries[:i]
			return dropped
		}
	}
	return 0
}

// Restore replaces the summaries with spans loaded from storage and then
// reconciles them against the current paragraphs.
func (l *Ledger) Restore(spans []Span, paragraphs []string) (int, error) {
	if err := validate(spans); err != nil {
		return 0, err
	}
	l.summaries = append([]Span(nil), spans...)
	return l.Reconcile(paragraphs), nil
}

// Validate checks the structural invariant: summaries are contiguous from
// paragraph 0, non-empty, and numbered in sequence.
func (l *Ledger) Validate() error {
	return validate(l.summaries)
}

func validate(spans []Span) error {
	next, ordinal := 0, 0
	for i, s := range spans {
		if s.Kind != Summarized {
			return faults.Invariant("span %d is %s, ledger holds only summaries", i, s.Kind)
		}
		if s.Start != next || s.End <= s.Start {
			return faults.Invariant("span %d covers [%d,%d), expected start %d", i, s.Start, s.End, next)
		}
		if i > 0 && s.Ordinal != ordinal+1 {
			return faults.Invariant("span %d has ordinal %d after %d", i, s.Ordinal, ordinal)
		}
		next, ordinal = s.End, s.Ordinal
	}
	return nil
}

func label(i int) string {
	return string(rune('A' + i))
}

func joinedLen(paragraphs []string) int {
	if len(paragraphs) == 0 {
		return 0
	}
	n := 2 * (len(paragraphs) - 1)
	for _, p := range paragraphs {
		n += len(p)
	}
	return n
}

func sourceHash(paragraphs []string) string {
	sum := sha256.Sum256([]byte(strings.Join(paragraphs, "\n\n")))
	return hex.EncodeToString(sum[:8])
}

// String describes the ledger for logs.
func (l *Ledger) String() string {
	return fmt.Sprintf("ledger{summaries=%d covered=%d}", len(l.summaries), l.Covered())
}
