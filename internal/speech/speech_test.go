package speech

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talgya/storyloom/internal/faults"
)

func TestPlainText(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", "Alice walked in.", "Alice walked in."},
		{"emphasis", "She said **no**.\n\nThen _left_.", "She said no.\n\nThen left."},
		{"heading", "# Chapter One\n\nIt rained.", "Chapter One\n\nIt rained."},
		{"link", "See [the map](http://example.com).", "See the map."},
		{"soft break", "One line\nand another.", "One line\nand another."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PlainText(tt.in); got != tt.want {
				t.Errorf("PlainText(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSpeakableText(t *testing.T) {
	in := "SUMMARY^1: They met.\n\nSUMMARY^12: They *fought*.\n\nNow they rest # quietly."
	want := "Summary. They met.\n\nSummary. They fought.\n\nNow they rest  quietly."
	if got := SpeakableText(in); got != want {
		t.Errorf("SpeakableText = %q, want %q", got, want)
	}
}

func TestNoSynthesizer(t *testing.T) {
	_, err := NewCommandNarrator("storyloom-no-such-synthesizer")
	if !errors.Is(err, faults.ErrUnsupportedEnvironment) {
		t.Errorf("err = %v", err)
	}
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		path, voice string
		want        []string
	}{
		{"/usr/bin/espeak", "en-us", []string{"-v", "en-us", "--", "Hi."}},
		{"/usr/bin/say", "", []string{"--", "Hi."}},
		{"/usr/bin/spd-say", "female1", []string{"-w", "-y", "female1", "--", "Hi."}},
	}
	for _, tt := range tests {
		c := &CommandNarrator{Path: tt.path}
		if got := c.args("Hi.", tt.voice); strings.Join(got, " ") != strings.Join(tt.want, " ") {
			t.Errorf("%s args = %q", tt.path, got)
		}
	}
}

func TestCommandSpeak(t *testing.T) {
	if _, err := exec.LookPath("true"); err != nil {
		t.Skip("no true(1) on this host")
	}
	c, err := NewCommandNarrator("true")
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Speak(context.Background(), "Hello.", "voice"); err != nil {
		t.Errorf("Speak: %v", err)
	}
}

type recorder struct {
	mu     sync.Mutex
	spoken []string
	voices []string
	block  bool
}

func (r *recorder) Speak(ctx context.Context, text, voice string) error {
	r.mu.Lock()
	r.spoken = append(r.spoken, text)
	r.voices = append(r.voices, voice)
	block := r.block
	r.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (r *recorder) said() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.spoken...)
}

func TestReaderSays(t *testing.T) {
	rec := &recorder{}
	r := NewReader(rec, "en")
	r.Say("**Hello** there.")
	r.Wait()
	if got := rec.said(); len(got) != 1 || got[0] != "Hello there." {
		t.Errorf("spoken = %q", got)
	}

	r.SetVoice("fr")
	r.Say("   ")
	r.Say("Bonjour.")
	r.Wait()
	if got := rec.said(); len(got) != 2 || rec.voices[1] != "fr" {
		t.Errorf("spoken = %q voices = %q", got, rec.voices)
	}
}

func TestReaderInterrupts(t *testing.T) {
	rec := &recorder{block: true}
	r := NewReader(rec, "")
	r.Say("A long passage.")

	stopped := make(chan struct{})
	go func() {
		r.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not interrupt the narrator")
	}
}

func TestNilReader(t *testing.T) {
	var r *Reader
	r.Say("ignored")
	r.Stop()
	r.Wait()
	NewReader(nil, "").Say("ignored")
}
