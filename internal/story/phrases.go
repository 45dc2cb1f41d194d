package story

import "regexp"

// CorrectionLimit is the document length below which clichés are rewritten.
// Past it the scan is skipped; only story openings are nudged.
const CorrectionLimit = 800

type substitution struct {
	pattern     *regexp.Regexp
	replacement string
}

var cliches = []substitution{
	{regexp.MustCompile(`the cacophony`), "the sound"},
	{regexp.MustCompile(`was thick with`), "had"},
	{regexp.MustCompile(`symphony of`), "pattern of"},
	{regexp.MustCompile(`tapestry of`), "pattern of"},
	{regexp.MustCompile(`\bshade of emerald\b`), "shade of green"},
}

// Correct replaces the first occurrence of each overused phrase.
func Correct(text string) string {
	for _, s := range cliches {
		loc := s.pattern.FindStringIndex(text)
		if loc == nil {
			continue
		}
		text = text[:loc[0]] + s.replacement + text[loc[1]:]
	}
	return text
}
