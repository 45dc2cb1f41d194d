// Package story holds the canonical story document and the assembler that
// turns streamed model fragments into clean paragraphs.
package story

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/talgya/storyloom/internal/faults"
)

// ParagraphSeparator is the blank line between two paragraphs.
const ParagraphSeparator = "\n\n"

// DefaultUndoWindow is how long a deleted paragraph stays restorable.
const DefaultUndoWindow = 4 * time.Second

// ErrNoPendingDelete is returned (wrapped as an invariant violation) when
// undo is requested and nothing is restorable.
var ErrNoPendingDelete = errors.New("no pending paragraph delete")

// Document is the canonical growing story text.
// It is not safe for concurrent use; the engine serializes all mutations.
type Document struct {
	text string

	// Text as it was when the most recent generation began.
	before    string
	hasBefore bool

	undo       *deleteRecord
	undoWindow time.Duration
	now        func() time.Time
}

type deleteRecord struct {
	text      string
	before    string
	hasBefore bool
	expires   time.Time
}

// NewDocument creates a document holding text.
func NewDocument(text string) *Document {
	return &Document{
		text:       text,
		undoWindow: DefaultUndoWindow,
		now:        time.Now,
	}
}

// SetUndoWindow changes how long DeleteLastParagraph stays undoable.
func (d *Document) SetUndoWindow(w time.Duration) {
	d.undoWindow = w
}

// SetClock replaces the time source (tests).
func (d *Document) SetClock(now func() time.Time) {
	d.now = now
}

// Text returns the full document.
func (d *Document) Text() string {
	return d.text
}

// Len returns the document length in bytes.
func (d *Document) Len() int {
	return len(d.text)
}

// Empty reports whether the document holds only whitespace.
func (d *Document) Empty() bool {
	return strings.TrimSpace(d.text) == ""
}

// Append concatenates text verbatim.
func (d *Document) Append(text string) {
	d.text += text
}

// Replace swaps the whole text without touching the undo or generation markers.
// Used for in-place corrections and end-of-stream normalization.
func (d *Document) Replace(text string) {
	d.text = text
}

// Reset replaces the text and forgets all markers and undo state.
func (d *Document) Reset(text string) {
	d.text = text
	d.before, d.hasBefore = "", false
	d.undo = nil
}

// Paragraphs splits the document into paragraphs.
func (d *Document) Paragraphs() []string {
	return SplitParagraphs(d.text)
}

// SplitParagraphs splits trimmed text on the blank-line separator.
// Empty text has no paragraphs.
func SplitParagraphs(text string) []string {
	t := strings.TrimSpace(text)
	if t == "" {
		return nil
	}
	return strings.Split(t, ParagraphSeparator)
}

// MarkGenerationStart records the current text as the state before a generation.
func (d *Document) MarkGenerationStart() {
	d.before = d.text
	d.hasBefore = true
}

// GeneratedSince returns the text added by the most recent generation.
// With no marker (first generation, or after a delete) the whole document is returned.
func (d *Document) GeneratedSince() string {
	if !d.hasBefore {
		return d.text
	}
	if strings.HasPrefix(d.text, d.before) {
		return d.text[len(d.before):]
	}
	// Earlier text was rewritten in place; fall back to the length offset.
	i := len(d.before)
	if i >= len(d.text) {
		return ""
	}
	for i < len(d.text) && !utf8.RuneStart(d.text[i]) {
		i++
	}
	return d.text[i:]
}

// DeleteLastParagraph drops the final paragraph and returns it.
// The previous text stays restorable through UndoLastDelete until the undo window closes.
func (d *Document) DeleteLastParagraph() string {
	d.undo = &deleteRecord{
		text:      d.text,
		before:    d.before,
		hasBefore: d.hasBefore,
		expires:   d.now().Add(d.undoWindow),
	}
	d.before, d.hasBefore = "", false

	paras := SplitParagraphs(d.text)
	if len(paras) == 0 {
		d.text = ""
		return ""
	}
	removed := paras[len(paras)-1]
	d.text = strings.Join(paras[:len(paras)-1], ParagraphSeparator)
	return removed
}

// CanUndo reports whether a delete is still restorable. An expired buffer is cleared.
func (d *Document) CanUndo() bool {
	if d.undo == nil {
		return false
	}
	if d.now().After(d.undo.expires) {
		d.undo = nil
		return false
	}
	return true
}

// UndoDeadline returns when the pending undo expires.
func (d *Document) UndoDeadline() (time.Time, bool) {
	if !d.CanUndo() {
		return time.Time{}, false
	}
	return d.undo.expires, true
}

// UndoLastDelete restores the text saved by the last DeleteLastParagraph.
func (d *Document) UndoLastDelete() error {
	if !d.CanUndo() {
		return fmt.Errorf("%w: %w", faults.ErrInvariantViolation, ErrNoPendingDelete)
	}
	d.text = d.undo.text
	if d.undo.hasBefore {
		d.before, d.hasBefore = d.undo.before, true
	}
	d.undo = nil
	return nil
}
