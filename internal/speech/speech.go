// Package speech reads newly generated story text aloud through whatever
// speech synthesizer the host provides.
package speech

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/talgya/storyloom/internal/faults"
	"github.com/talgya/storyloom/internal/ledger"
)

// Narrator speaks text with a voice. Speak blocks until done or ctx ends.
type Narrator interface {
	Speak(ctx context.Context, text, voice string) error
}

// candidates are tried in order when no command is configured.
var candidates = []string{"espeak-ng", "espeak", "say", "spd-say"}

// CommandNarrator runs an external synthesizer per utterance.
type CommandNarrator struct {
	Path string
}

// NewCommandNarrator finds command on PATH, or the first known synthesizer
// when command is empty.
func NewCommandNarrator(command string) (*CommandNarrator, error) {
	names := candidates
	if command != "" {
		names = []string{command}
	}
	for _, name := range names {
		if path, err := exec.LookPath(name); err == nil {
			return &CommandNarrator{Path: path}, nil
		}
	}
	return nil, fmt.Errorf("%w: no speech synthesizer found (tried %s)",
		faults.ErrUnsupportedEnvironment, strings.Join(names, ", "))
}

// Speak implements Narrator.
func (c *CommandNarrator) Speak(ctx context.Context, text, voice string) error {
	cmd := exec.CommandContext(ctx, c.Path, c.args(text, voice)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("speak: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *CommandNarrator) args(text, voice string) []string {
	var args []string
	switch filepath.Base(c.Path) {
	case "spd-say":
		args = append(args, "-w")
		if voice != "" {
			args = append(args, "-y", voice)
		}
	default:
		if voice != "" {
			args = append(args, "-v", voice)
		}
	}
	return append(args, "--", text)
}

var (
	emphasis   = regexp.MustCompile(`[*#_]+`)
	blankLines = regexp.MustCompile(`\n{3,}`)
)

// PlainText renders markdown as the words a listener should hear: no
// emphasis markers, headings or link targets. Paragraphs stay separated by
// a blank line.
func PlainText(md string) string {
	src := []byte(md)
	doc := goldmark.New().Parser().Parse(text.NewReader(src))

	var sb strings.Builder
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		switch v := n.(type) {
		case *ast.Text:
			if entering {
				sb.Write(v.Segment.Value(src))
				if v.SoftLineBreak() || v.HardLineBreak() {
					sb.WriteByte('\n')
				}
			}
		case *ast.String:
			if entering {
				sb.Write(v.Value)
			}
		case *ast.CodeBlock, *ast.FencedCodeBlock:
			if entering {
				lines := v.Lines()
				for i := 0; i < lines.Len(); i++ {
					seg := lines.At(i)
					sb.Write(seg.Value(src))
				}
			}
		}
		if !entering && n.Type() == ast.TypeBlock && n.Kind() != ast.KindDocument {
			sb.WriteString("\n\n")
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(blankLines.ReplaceAllString(sb.String(), "\n\n"))
}

// SpeakableText prepares composed story text for reading aloud: summary
// tags become "Summary." and leftover markdown symbols are dropped.
func SpeakableText(s string) string {
	s = ledger.SummaryTag.ReplaceAllString(s, "Summary.")
	return emphasis.ReplaceAllString(PlainText(s), "")
}

// Reader speaks one utterance at a time in the background. Saying something
// new interrupts what is being said.
type Reader struct {
	narrator Narrator
	voice    string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReader creates a reader. A nil narrator makes every call a no-op.
func NewReader(n Narrator, voice string) *Reader {
	return &Reader{narrator: n, voice: voice}
}

// SetVoice changes the voice used for later utterances.
func (r *Reader) SetVoice(voice string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voice = voice
}

// Available reports whether anything can be spoken.
func (r *Reader) Available() bool {
	return r != nil && r.narrator != nil
}

// Say interrupts any current utterance and starts speaking text.
func (r *Reader) Say(text string) {
	text = SpeakableText(text)
	if r == nil || r.narrator == nil || text == "" {
		return
	}
	r.Stop()

	r.mu.Lock()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel, r.done = cancel, done
	voice := r.voice
	r.mu.Unlock()

	go func() {
		defer close(done)
		if err := r.narrator.Speak(ctx, text, voice); err != nil && ctx.Err() == nil {
			slog.Warn("read-aloud failed", "error", err)
		}
	}()
}

// Stop interrupts the current utterance and waits for it to end.
func (r *Reader) Stop() {
	if r == nil {
		return
	}
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Wait blocks until the current utterance ends.
func (r *Reader) Wait() {
	if r == nil {
		return
	}
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}
