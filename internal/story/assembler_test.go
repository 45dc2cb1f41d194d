package story

import (
	"math/rand"
	"strings"
	"testing"
)

func TestSeparator(t *testing.T) {
	tests := []struct {
		doc  string
		want string
	}{
		{"", ""},
		{"   \n", ""},
		{"The end.", "\n\n"},
		{"The end.\n", "\n"},
		{"The end.\n\n", ""},
		{"The end.\n\n\n", ""},
	}
	for _, tt := range tests {
		if got := Separator(tt.doc); got != tt.want {
			t.Errorf("Separator(%q) = %q, want %q", tt.doc, got, tt.want)
		}
	}
}

func stream(a *Assembler, fragments ...string) {
	a.Begin()
	for _, f := range fragments {
		a.Write(f, false)
	}
}

func TestAssemblerDefersTrailingNewlines(t *testing.T) {
	d := NewDocument("")
	a := NewAssembler(d)

	a.Begin()
	steps := []struct {
		fragment string
		doc      string
		withheld string
	}{
		{"Hello", "Hello", ""},
		{" wor", "Hello wor", ""},
		{"ld.\n\n", "Hello world.", "\n\n"},
		{"Next", "Hello world.\n\nNext", ""},
	}
	for i, s := range steps {
		a.Write(s.fragment, false)
		if d.Text() != s.doc {
			t.Errorf("step %d: Text() = %q, want %q", i, d.Text(), s.doc)
		}
		if a.Withheld() != s.withheld {
			t.Errorf("step %d: Withheld() = %q, want %q", i, a.Withheld(), s.withheld)
		}
	}

	a.Finish()
	if d.Text() != "Hello world.\n\nNext" {
		t.Errorf("final Text() = %q", d.Text())
	}
}

func TestAssemblerFirstChunkSeparator(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"no trailing newline", "Before.", "Before.\n\nAfter."},
		{"one trailing newline", "Before.\n", "Before.\n\nAfter."},
		{"blank line already", "Before.\n\n", "Before.\n\nAfter."},
		{"empty document", "", "After."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDocument(tt.doc)
			a := NewAssembler(d)
			stream(a, "\n\n  After.")
			a.Finish()
			if d.Text() != tt.want {
				t.Errorf("Text() = %q, want %q", d.Text(), tt.want)
			}
		})
	}
}

func TestAssemblerFragmentationInvariant(t *testing.T) {
	const prefix = "The lighthouse keeper counted the ships again, slower this time, as if the number might change."
	body := "Morning came.\nThe tide rose.\n\n\"Who's there?\" she called.\n\nNobody answered, and the gulls went quiet.\n"

	reference := NewDocument(prefix)
	ra := NewAssembler(reference)
	stream(ra, body)
	ra.Finish()

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		var fragments []string
		rest := body
		for len(rest) > 0 {
			n := 1 + rng.Intn(6)
			if n > len(rest) {
				n = len(rest)
			}
			fragments = append(fragments, rest[:n])
			rest = rest[n:]
		}
		d := NewDocument(prefix)
		a := NewAssembler(d)
		stream(a, fragments...)

		// Everything written plus what is held back equals the unsplit stream.
		live := d.Text() + a.Withheld()
		if live != prefix+"\n\n"+body {
			t.Fatalf("trial %d: live text %q", trial, live)
		}

		a.Finish()
		if d.Text() != reference.Text() {
			t.Fatalf("trial %d %q: Text() = %q, want %q", trial, fragments, d.Text(), reference.Text())
		}
	}
}

func TestAssemblerIgnoresStartWithEcho(t *testing.T) {
	d := NewDocument("Once.")
	a := NewAssembler(d)
	a.Begin()
	if got := a.Write("ignored echo", true); got != "" {
		t.Errorf("Write(startWith) appended %q", got)
	}
	a.Write("Twice.", false)
	a.Finish()
	if d.Text() != "Once.\n\nTwice." {
		t.Errorf("Text() = %q", d.Text())
	}
}

func TestAssemblerSeedContinuesParagraph(t *testing.T) {
	d := NewDocument("Once.")
	a := NewAssembler(d)
	a.Begin()
	a.Seed("  The dragon")
	a.Write(" roared.", false)
	a.Finish()
	if d.Text() != "Once.\n\nThe dragon roared." {
		t.Errorf("Text() = %q", d.Text())
	}
}

func TestAssemblerStripsParagraphLabel(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		fragments []string
		want      string
	}{
		{"plain label", "", []string{"Paragraph 1: It rained."}, "It rained."},
		{"bold label", "", []string{"**Paragraph 1**: It", " rained."}, "It rained."},
		{"label on later generation", "Earlier.", []string{"paragraph 1: Later."}, "Earlier.\n\nLater."},
		{"no label", "", []string{"Paragraph one begins."}, "Paragraph one begins."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDocument(tt.doc)
			a := NewAssembler(d)
			stream(a, tt.fragments...)
			a.Finish()
			if d.Text() != tt.want {
				t.Errorf("Text() = %q, want %q", d.Text(), tt.want)
			}
		})
	}
}

func TestAssemblerAbortKeepsPartialText(t *testing.T) {
	d := NewDocument("Kept.")
	a := NewAssembler(d)
	stream(a, "Half a sen", "tence\n\n")
	a.Abort()
	if d.Text() != "Kept.\n\nHalf a sentence" {
		t.Errorf("Text() = %q", d.Text())
	}
	if a.Active() {
		t.Error("Active() = true after Abort")
	}
}

func TestAssemblerCorrectsShortDocuments(t *testing.T) {
	d := NewDocument("")
	a := NewAssembler(d)
	stream(a, "The air was thick with smoke and the cacophony of bells.")
	a.Finish()
	want := "The air had smoke and the sound of bells."
	if d.Text() != want {
		t.Errorf("Text() = %q, want %q", d.Text(), want)
	}
}

func TestAssemblerLeavesEarlierTextUncorrected(t *testing.T) {
	// The cliché was written while the story was long; the delete brings it
	// back under the limit.
	d := NewDocument("The air was thick with smoke.\n\n" + strings.Repeat("x", 900))
	d.DeleteLastParagraph()
	d.MarkGenerationStart()
	a := NewAssembler(d)
	stream(a, "Paragraph 1: She ran through a tapestry of vines.")
	a.Finish()

	want := "The air was thick with smoke.\n\nShe ran through a pattern of vines."
	if d.Text() != want {
		t.Errorf("Text() = %q, want %q", d.Text(), want)
	}
	if got := strings.TrimSpace(d.GeneratedSince()); got != "She ran through a pattern of vines." {
		t.Errorf("GeneratedSince() = %q", got)
	}
}

func TestAssemblerSkipsCorrectionOnLongDocuments(t *testing.T) {
	long := strings.Repeat("Quiet words. ", 70) // > CorrectionLimit
	d := NewDocument(long)
	a := NewAssembler(d)
	stream(a, "A symphony of rain.")
	a.Finish()
	if !strings.HasSuffix(d.Text(), "A symphony of rain.") {
		t.Errorf("long document was corrected: %q", d.Text()[len(d.Text())-40:])
	}
}

func TestCorrect(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"a tapestry of stars and a tapestry of moons", "a pattern of stars and a tapestry of moons"},
		{"a shade of emerald light", "a shade of green light"},
		{"a shade of emeralds", "a shade of emeralds"},
		{"nothing to fix", "nothing to fix"},
	}
	for _, tt := range tests {
		if got := Correct(tt.in); got != tt.want {
			t.Errorf("Correct(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
