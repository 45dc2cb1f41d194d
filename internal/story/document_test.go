package story

import (
	"errors"
	"testing"
	"time"

	"github.com/talgya/storyloom/internal/faults"
)

func TestDeleteLastParagraph(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    string
		removed string
	}{
		{"two paragraphs", "Alice walked in.\n\nShe sat down.", "Alice walked in.", "She sat down."},
		{"single paragraph", "Alone.", "", "Alone."},
		{"empty", "", "", ""},
		{"trailing whitespace", "One.\n\nTwo.\n\n", "One.", "Two."},
		{"multi-line paragraph", "One.\nStill one.\n\nTwo.", "One.\nStill one.", "Two."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDocument(tt.text)
			removed := d.DeleteLastParagraph()
			if d.Text() != tt.want {
				t.Errorf("Text() = %q, want %q", d.Text(), tt.want)
			}
			if removed != tt.removed {
				t.Errorf("removed = %q, want %q", removed, tt.removed)
			}
		})
	}
}

func TestDeleteThenUndoRestoresBytes(t *testing.T) {
	docs := []string{
		"Alice walked in.\n\nShe sat down.",
		"One.\n\nTwo.\n\n",
		"  padded\n\n\nodd spacing  ",
		"",
		"Single.",
		"Ünïcödé paragraph.\n\nЕщё один.",
	}
	for _, text := range docs {
		d := NewDocument(text)
		d.DeleteLastParagraph()
		if err := d.UndoLastDelete(); err != nil {
			t.Fatalf("UndoLastDelete(%q): %v", text, err)
		}
		if d.Text() != text {
			t.Errorf("after undo Text() = %q, want %q", d.Text(), text)
		}
	}
}

func TestUndoRestoresGenerationMarker(t *testing.T) {
	d := NewDocument("Alice walked in.")
	d.MarkGenerationStart()
	d.Append("\n\nShe sat down.")

	d.DeleteLastParagraph()
	if got := d.GeneratedSince(); got != "Alice walked in." {
		t.Errorf("after delete GeneratedSince() = %q, want whole document", got)
	}

	if err := d.UndoLastDelete(); err != nil {
		t.Fatal(err)
	}
	if got := d.GeneratedSince(); got != "\n\nShe sat down." {
		t.Errorf("after undo GeneratedSince() = %q", got)
	}
}

func TestUndoWithoutDeleteIsInvariantViolation(t *testing.T) {
	d := NewDocument("text")
	err := d.UndoLastDelete()
	if !errors.Is(err, faults.ErrInvariantViolation) {
		t.Errorf("err = %v, want invariant violation", err)
	}
	if !errors.Is(err, ErrNoPendingDelete) {
		t.Errorf("err = %v, want ErrNoPendingDelete", err)
	}
	if d.Text() != "text" {
		t.Errorf("text changed to %q", d.Text())
	}
}

func TestUndoWindowExpires(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d := NewDocument("One.\n\nTwo.")
	d.SetClock(func() time.Time { return now })

	d.DeleteLastParagraph()
	if !d.CanUndo() {
		t.Fatal("CanUndo() = false right after delete")
	}
	if deadline, ok := d.UndoDeadline(); !ok || !deadline.Equal(now.Add(DefaultUndoWindow)) {
		t.Errorf("UndoDeadline() = %v, %v", deadline, ok)
	}

	now = now.Add(DefaultUndoWindow + time.Millisecond)
	if d.CanUndo() {
		t.Error("CanUndo() = true after window closed")
	}
	if err := d.UndoLastDelete(); err == nil {
		t.Error("expected error after window closed")
	}
	if d.Text() != "One." {
		t.Errorf("Text() = %q", d.Text())
	}
}

func TestSecondUndoFails(t *testing.T) {
	d := NewDocument("One.\n\nTwo.")
	d.DeleteLastParagraph()
	if err := d.UndoLastDelete(); err != nil {
		t.Fatal(err)
	}
	if err := d.UndoLastDelete(); err == nil {
		t.Error("second undo should fail")
	}
}

func TestGeneratedSince(t *testing.T) {
	d := NewDocument("Start.")
	if got := d.GeneratedSince(); got != "Start." {
		t.Errorf("no marker: got %q", got)
	}

	d.MarkGenerationStart()
	d.Append("\n\nMore.")
	if got := d.GeneratedSince(); got != "\n\nMore." {
		t.Errorf("got %q", got)
	}

	// Earlier text rewritten in place: fall back to the length offset.
	d.Replace("Begin.\n\nMore.")
	if got := d.GeneratedSince(); got != "\n\nMore." {
		t.Errorf("after rewrite got %q", got)
	}
}

func TestSplitParagraphs(t *testing.T) {
	if got := SplitParagraphs("  \n "); got != nil {
		t.Errorf("blank text: got %q", got)
	}
	got := SplitParagraphs("\nA.\n\nB.\nC.\n")
	if len(got) != 2 || got[0] != "A." || got[1] != "B.\nC." {
		t.Errorf("got %q", got)
	}
}
