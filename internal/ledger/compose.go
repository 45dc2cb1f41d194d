package ledger

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/talgya/storyloom/internal/llm"
)

// SummaryTag matches the "SUMMARY^3:" prefix of a composed summary paragraph.
var SummaryTag = regexp.MustCompile(`SUMMARY\^[0-9]+:`)

// Compose renders the story so far: every summary as "SUMMARY^<n>: text",
// then the remaining paragraphs verbatim, separated by blank lines.
func (l *Ledger) Compose(paragraphs []string) string {
	return strings.Join(l.Parts(paragraphs), "\n\n")
}

// Parts is Compose before joining, one entry per paragraph or summary.
func (l *Ledger) Parts(paragraphs []string) []string {
	parts := make([]string, 0, len(l.summaries)+len(paragraphs))
	covered := 0
	for _, s := range l.summaries {
		if s.End > len(paragraphs) {
			break
		}
		parts = append(parts, fmt.Sprintf("SUMMARY^%d: %s", s.Ordinal, s.Text))
		covered = s.End
	}
	return append(parts, paragraphs[covered:]...)
}

// Budget describes the composed context against the raw document.
type Budget struct {
	Paragraphs    int
	Summarized    int // paragraphs replaced by summaries
	Summaries     int
	DocumentChars int
	ContextChars  int
	ContextTokens int
}

// Budget measures the composed context for paragraphs.
func (l *Ledger) Budget(paragraphs []string) Budget {
	composed := l.Compose(paragraphs)
	covered := l.Covered()
	if covered > len(paragraphs) {
		covered = len(paragraphs)
	}
	return Budget{
		Paragraphs:    len(paragraphs),
		Summarized:    covered,
		Summaries:     len(l.summaries),
		DocumentChars: joinedLen(paragraphs),
		ContextChars:  len(composed),
		ContextTokens: llm.ApproxTokens(composed),
	}
}
