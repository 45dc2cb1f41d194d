package engine

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/talgya/storyloom/internal/bible"
	"github.com/talgya/storyloom/internal/faults"
	"github.com/talgya/storyloom/internal/persistence"
)

// Options are the generation settings the author controls. Each one is
// persisted under its own key.
type Options struct {
	Overview     string
	WhatNext     string
	OneParagraph bool
	Perspective  string
	Genre        string
	Style        string
	ReadAloud    bool
	Voice        string
}

// DefaultOptions is what a fresh story starts with.
func DefaultOptions() Options {
	return Options{
		Perspective: "third",
		Genre:       "default",
		Style:       "default",
	}
}

type optionKind int

const (
	textOption optionKind = iota
	boolOption
	catalogOption // value must exist in the catalog table of the same name
)

type optionSpec struct {
	name string // as typed by the author
	key  string // persistence key
	kind optionKind
	get  func(s *Session) string
	set  func(s *Session, v string)
}

func boolString(b bool) string { return strconv.FormatBool(b) }

func parseBool(v string) bool {
	b, _ := strconv.ParseBool(v)
	return b
}

var optionTable = []optionSpec{
	{"overview", "story_overview", textOption,
		func(s *Session) string { return s.opts.Overview },
		func(s *Session, v string) { s.opts.Overview = v }},
	{"what", "what_happens_next", textOption,
		func(s *Session) string { return s.opts.WhatNext },
		func(s *Session, v string) { s.opts.WhatNext = v }},
	{"one-paragraph", "one_paragraph_at_a_time", boolOption,
		func(s *Session) string { return boolString(s.opts.OneParagraph) },
		func(s *Session, v string) { s.opts.OneParagraph = parseBool(v) }},
	{"perspective", "perspective", catalogOption,
		func(s *Session) string { return s.opts.Perspective },
		func(s *Session, v string) { s.opts.Perspective = v }},
	{"genre", "genre", catalogOption,
		func(s *Session) string { return s.opts.Genre },
		func(s *Session, v string) { s.opts.Genre = v }},
	{"style", "style", catalogOption,
		func(s *Session) string { return s.opts.Style },
		func(s *Session, v string) { s.opts.Style = v }},
	{"tts", "tts_enabled", boolOption,
		func(s *Session) string { return boolString(s.opts.ReadAloud) },
		func(s *Session, v string) {
			s.opts.ReadAloud = parseBool(v)
			if s.opts.ReadAloud && !s.reader.Available() {
				slog.Warn("read-aloud enabled but no speech synthesizer is available",
					"error", faults.ErrUnsupportedEnvironment)
			}
		}},
	{"voice", "tts_voice", textOption,
		func(s *Session) string { return s.opts.Voice },
		func(s *Session, v string) {
			s.opts.Voice = v
			s.reader.SetVoice(v)
		}},
	{"tracking", persistence.KeyTracking, boolOption,
		func(s *Session) string { return boolString(s.bible.Tracking) },
		func(s *Session, v string) { s.bible.Tracking = parseBool(v) }},
}

func lookupOption(name string) (optionSpec, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, o := range optionTable {
		if o.name == name || o.key == name {
			return o, true
		}
	}
	return optionSpec{}, false
}

// OptionNames lists the names SetOption accepts.
func OptionNames() []string {
	names := make([]string, len(optionTable))
	for i, o := range optionTable {
		names[i] = o.name
	}
	return names
}

// normalize checks v against the option's kind and returns the stored form.
func (s *Session) normalize(o optionSpec, v string) (string, error) {
	switch o.kind {
	case boolOption:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "on", "yes", "y":
			return "true", nil
		case "off", "no", "n":
			return "false", nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return "", fmt.Errorf("%w: %s wants on/off, got %q", ErrBadOptionValue, o.name, v)
		}
		return boolString(b), nil
	case catalogOption:
		v = strings.ToLower(strings.TrimSpace(v))
		if !s.catalog.Has(o.name, v) {
			return "", fmt.Errorf("%w: %s %q (known: %s)", ErrBadOptionValue, o.name, v,
				strings.Join(s.catalog.Names(o.name), ", "))
		}
		return v, nil
	}
	return strings.TrimSpace(v), nil
}

// SetOption changes one option and persists it. Options can only change
// while idle.
func (s *Session) SetOption(name, value string) error {
	o, ok := lookupOption(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOption, name)
	}
	v, err := s.normalize(o, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrBusy
	}
	o.set(s, v)
	s.persistMeta(o.key, v)
	return nil
}

// ResetOption returns one option to its default and forgets the stored
// value, so later changes to the default apply to this story too.
func (s *Session) ResetOption(name string) error {
	o, ok := lookupOption(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOption, name)
	}
	defaults := &Session{opts: DefaultOptions(), bible: bible.NewStore()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Idle {
		return ErrBusy
	}
	o.set(s, o.get(defaults))
	if s.db != nil {
		if err := s.db.DeleteMeta(o.key); err != nil {
			slog.Error("persist failed", "what", o.key, "error", err)
		}
	}
	return nil
}

// Option returns the current value of one option.
func (s *Session) Option(name string) (string, error) {
	o, ok := lookupOption(name)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownOption, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return o.get(s), nil
}

// Options returns a copy of the current options.
func (s *Session) Options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// optionValues returns every option keyed by persistence key.
func (s *Session) optionValues() map[string]string {
	out := make(map[string]string, len(optionTable))
	for _, o := range optionTable {
		out[o.key] = o.get(s)
	}
	return out
}

// applyOptionValues sets every option present in values; absent keys are
// reset to their defaults.
func (s *Session) applyOptionValues(values map[string]string) {
	s.opts = DefaultOptions()
	s.bible.Tracking = false
	defaults := s.optionValues()
	for _, o := range optionTable {
		v, ok := values[o.key]
		if !ok {
			v = defaults[o.key]
		}
		o.set(s, v)
	}
}
