package story

import (
	"regexp"
	"strings"
	"unicode"
)

// paragraphLabel matches a stray "Paragraph 1:" heading (optionally bold) that
// models sometimes emit before the prose.
var paragraphLabel = regexp.MustCompile(`(?i)^\*?\*?paragraph 1\*?\*?:\s+?`)

// Separator returns what must precede new text so that exactly one blank line
// separates it from doc.
func Separator(doc string) string {
	switch {
	case strings.TrimSpace(doc) == "":
		return ""
	case strings.HasSuffix(doc, "\n\n"):
		return ""
	case strings.HasSuffix(doc, "\n"):
		return "\n"
	default:
		return "\n\n"
	}
}

// pending is the per-generation state. It lives from Begin to Finish/Abort.
type pending struct {
	started  bool   // first model fragment seen
	withheld string // trailing newlines not yet written
	startLen int    // document length when the generation began
}

// Assembler applies streamed fragments to a Document.
type Assembler struct {
	doc *Document
	p   *pending
}

// NewAssembler creates an assembler writing into doc.
func NewAssembler(doc *Document) *Assembler {
	return &Assembler{doc: doc}
}

// Begin starts a new generation, discarding any previous pending state.
func (a *Assembler) Begin() {
	a.p = &pending{startLen: a.doc.Len()}
}

// Active reports whether a generation is in progress.
func (a *Assembler) Active() bool {
	return a.p != nil
}

// Withheld returns the newlines currently held back.
func (a *Assembler) Withheld() string {
	if a.p == nil {
		return ""
	}
	return a.p.withheld
}

// Seed writes a caller-supplied opening for this generation as the start of a
// new paragraph. Model fragments that follow continue it without a separator.
func (a *Assembler) Seed(text string) {
	if a.p == nil {
		a.Begin()
	}
	text = strings.TrimLeftFunc(text, unicode.IsSpace)
	if text == "" {
		return
	}
	a.p.started = true
	a.write(Separator(a.doc.Text()) + text)
}

// Write applies one fragment and returns the text actually appended.
// Fragments echoing the request's startWith are ignored; that text is already
// in the document.
func (a *Assembler) Write(fragment string, fromStartWith bool) string {
	if a.p == nil {
		a.Begin()
	}
	if fromStartWith {
		return ""
	}
	if !a.p.started {
		fragment = Separator(a.doc.Text()) + strings.TrimLeftFunc(fragment, unicode.IsSpace)
		a.p.started = true
	}
	return a.write(fragment)
}

func (a *Assembler) write(fragment string) string {
	fragment = a.p.withheld + fragment
	a.p.withheld = ""

	body := strings.TrimRight(fragment, "\n")
	a.p.withheld = fragment[len(body):]

	if body != "" {
		a.doc.Append(body)
	}

	// Only this generation's text is corrected; earlier text keeps its
	// offsets so the label strip and the read-aloud delta stay aligned.
	if text := a.doc.Text(); len(text) < CorrectionLimit {
		start := min(a.p.startLen, len(text))
		if fixed := Correct(text[start:]); fixed != text[start:] {
			a.doc.Replace(text[:start] + fixed)
		}
	}
	return body
}

// Finish completes a clean generation: withheld newlines are dropped, a stray
// "Paragraph 1:" label at the start of the new text is removed and the document
// is trimmed.
func (a *Assembler) Finish() {
	if a.p == nil {
		return
	}
	text := a.doc.Text()
	start := a.p.startLen
	if start > len(text) {
		start = len(text)
	}
	for start < len(text) && text[start] == '\n' {
		start++
	}
	if loc := paragraphLabel.FindStringIndex(text[start:]); loc != nil {
		text = text[:start] + text[start+loc[1]:]
	}
	a.doc.Replace(strings.TrimSpace(text))
	a.p = nil
}

// Abort ends an interrupted generation. Applied text is kept; only the held
// newlines and trailing whitespace are discarded.
func (a *Assembler) Abort() {
	if a.p == nil {
		return
	}
	a.doc.Replace(strings.TrimRightFunc(a.doc.Text(), unicode.IsSpace))
	a.p = nil
}
