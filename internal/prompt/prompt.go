// Package prompt builds the requests sent to the generator. The wording lives
// in embedded templates; this package decides which blocks apply and fills
// them in.
package prompt

import (
	"embed"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"github.com/talgya/storyloom/internal/entropy"
	"github.com/talgya/storyloom/internal/ledger"
	"github.com/talgya/storyloom/internal/llm"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.tmpl"))

// Story length thresholds (characters of the trimmed document).
const (
	OpeningChars        = 400  // opening-style instruction below this
	ForbiddenWordsChars = 700  // forbidden word list below this
	LeadInChars         = 1000 // "do not start with the overview" below this
)

// ParagraphStop ends generation after one paragraph.
const ParagraphStop = "\n\n"

// IdeasStartWith primes the ideas response.
const IdeasStartWith = "Here are 3 different ideas for what could happen next in this story:\n1."

type opening struct {
	text   string
	weight float64
}

var openings = []opening{
	{"with some character dialogue that leads into an interesting opening/expositionary paragraph", 1},
	{"by describing a character's strongest memory", 0.02},
	{"with the description of a particular character", 1},
	{"with a short **two-sentence** paragraph", 0.5},
}

const summaryPart = "Summary (previous events):"

var (
	blankRun = regexp.MustCompile(`\n+`)
	ideaLine = regexp.MustCompile(`^\s*[0-9]+\.\s*`)
)

// Builder fills the templates. Random choices come from rnd.
type Builder struct {
	rnd       entropy.Source
	MaxTokens int // for story requests; 0 leaves the backend default
}

// NewBuilder creates a builder. A nil source uses crypto/rand.
func NewBuilder(rnd entropy.Source) *Builder {
	if rnd == nil {
		rnd = entropy.Crypto{}
	}
	return &Builder{rnd: rnd}
}

// Story holds everything the story prompt can mention.
type Story struct {
	Overview     string
	Document     string // raw story text; its length selects the opening rules
	StorySoFar   string // composed context (summaries plus recent paragraphs)
	Bible        string // rendered bible, empty when tracking is off
	WhatNext     string
	StartWith    string
	Perspective  string // "first person", ...
	Genre        string // instruction block
	Style        string // instruction block
	OneParagraph bool
}

type storyData struct {
	First          bool
	Dialogue       bool
	Perspective    string
	Genre          string
	Style          string
	Opening        string
	ForbiddenWords bool
	LeadIn         bool
	Overview       string
	Bible          string
	StorySoFar     string
	WhatNext       string
}

// Story builds the request for the next part of the story.
func (b *Builder) Story(s Story) (llm.Request, error) {
	n := len(strings.TrimSpace(s.Document))
	d := storyData{
		First:          n == 0,
		Perspective:    s.Perspective,
		Genre:          strings.TrimSpace(s.Genre),
		Style:          strings.TrimSpace(s.Style),
		ForbiddenWords: n < ForbiddenWordsChars,
		LeadIn:         n < LeadInChars,
		Overview:       strings.TrimSpace(s.Overview),
		Bible:          strings.TrimSpace(s.Bible),
		StorySoFar:     strings.TrimSpace(s.StorySoFar),
		WhatNext:       strings.TrimSpace(s.WhatNext),
	}
	if d.Perspective == "" {
		d.Perspective = "third person"
	}
	if d.First {
		d.Dialogue = entropy.Chance(b.rnd, 0.5)
	}
	if n < OpeningChars {
		weights := make([]float64, len(openings))
		for i, o := range openings {
			weights[i] = o.weight
		}
		d.Opening = openings[entropy.WeightedPick(b.rnd, weights)].text
	}

	instruction, err := render("story.tmpl", d)
	if err != nil {
		return llm.Request{}, err
	}
	req := llm.Request{
		Instruction: instruction,
		StartWith:   s.StartWith,
		MaxTokens:   b.MaxTokens,
	}
	if s.OneParagraph {
		req.StopSequences = []string{ParagraphStop}
	}
	return req, nil
}

// Summary asks for the condensation of one labelled group.
type Summary struct {
	Overview string
	Previous []string // summaries so far, oldest first
	Label    string
	Text     string
}

// Summary builds a summarization request. The response is forced to start
// with the group's FULL TEXT block so only its SUMMARY is generated.
func (b *Builder) Summary(s Summary) (llm.Request, error) {
	instruction, err := render("summary.tmpl", struct {
		Overview string
		Previous []string
	}{
		Overview: blankRun.ReplaceAllString(strings.TrimSpace(s.Overview), "\n"),
		Previous: s.Previous,
	})
	if err != nil {
		return llm.Request{}, err
	}
	return llm.Request{
		Instruction:   instruction,
		StartWith:     fmt.Sprintf(">>> FULL TEXT of [%s]: %s\n>>> SUMMARY of [%s]:", s.Label, s.Text, s.Label),
		StopSequences: []string{"\n---", ">>> FULL TEXT of"},
	}, nil
}

// BibleUpdate asks for the merged content of one bible section.
type BibleUpdate struct {
	Title    string
	Fields   []string
	Note     string
	Existing string
	Events   string
	Overview string
}

// EmptySection stands in for a section with no content yet. Models asked to
// keep such a section unchanged echo it back.
const EmptySection = "(This section is currently empty.)"

// BibleUpdate builds a bible merge request.
func (b *Builder) BibleUpdate(u BibleUpdate) (llm.Request, error) {
	u.Existing = strings.TrimSpace(u.Existing)
	if u.Existing == "" {
		u.Existing = EmptySection
	}
	u.Overview = strings.TrimSpace(u.Overview)
	u.Events = strings.TrimSpace(u.Events)
	instruction, err := render("bible.tmpl", u)
	if err != nil {
		return llm.Request{}, err
	}
	return llm.Request{Instruction: instruction}, nil
}

// Ideas asks for three "what happens next" suggestions.
type Ideas struct {
	Parts []string // composed story parts, summaries first
	Regen string   // optional steering for a regeneration
}

// Ideas builds the suggestions request. Summary tags are relabelled so the
// model reads them as earlier events.
func (b *Builder) Ideas(in Ideas) (llm.Request, error) {
	parts := make([]string, len(in.Parts))
	for i, p := range in.Parts {
		if loc := ledger.SummaryTag.FindStringIndex(p); loc != nil {
			p = p[:loc[0]] + summaryPart + p[loc[1]:]
		}
		parts[i] = p
	}
	instruction, err := render("ideas.tmpl", struct {
		Story string
		Regen string
	}{
		Story: strings.TrimSpace(strings.Join(parts, "\n\n")),
		Regen: strings.TrimSpace(in.Regen),
	})
	if err != nil {
		return llm.Request{}, err
	}
	return llm.Request{Instruction: instruction, StartWith: IdeasStartWith}, nil
}

// ParseIdeas pulls the numbered ideas out of a response.
func ParseIdeas(response string) []string {
	var ideas []string
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		if !ideaLine.MatchString(line) {
			continue
		}
		if idea := strings.TrimSpace(ideaLine.ReplaceAllString(line, "")); idea != "" {
			ideas = append(ideas, idea)
		}
	}
	return ideas
}

func render(name string, data any) (string, error) {
	var sb strings.Builder
	if err := templates.ExecuteTemplate(&sb, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(sb.String()), nil
}
